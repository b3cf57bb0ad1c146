package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTree() FileTree {
	return FileTree{
		"package.json": {File: &FileLeaf{Contents: `{"name":"app"}`}},
		"src": {Directory: FileTree{
			"App.jsx": {File: &FileLeaf{Contents: "export default function App() {}"}},
			"components": {Directory: FileTree{
				"Button.jsx": {File: &FileLeaf{Contents: "<button/>"}},
			}},
		}},
	}
}

func TestFileTreeJSONShape(t *testing.T) {
	raw := `{"index.js":{"file":{"contents":"console.log(1)"}},"lib":{"directory":{"a.js":{"file":{"contents":""}}}}}`

	var tree FileTree
	require.NoError(t, json.Unmarshal([]byte(raw), &tree))
	require.NoError(t, tree.Validate())
	assert.Equal(t, "console.log(1)", tree["index.js"].File.Contents)
	assert.NotNil(t, tree["lib"].Directory["a.js"].File)
	assert.Equal(t, 2, tree.FileCount())
}

func TestFileTreeKeepsEmptyDirectoriesThroughJSON(t *testing.T) {
	tree := FileTree{
		"index.js": {File: &FileLeaf{Contents: "x"}},
		"public":   {Directory: FileTree{}},
	}
	require.NoError(t, tree.Validate())

	b, err := json.Marshal(tree)
	require.NoError(t, err)
	assert.JSONEq(t, `{"index.js":{"file":{"contents":"x"}},"public":{"directory":{}}}`, string(b))

	var decoded FileTree
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.NoError(t, decoded.Validate())
	assert.NotNil(t, decoded["public"].Directory)

	v, err := tree.Value()
	require.NoError(t, err)
	var scanned FileTree
	require.NoError(t, scanned.Scan(v))
	require.NoError(t, scanned.Validate())
	assert.Equal(t, tree, scanned)
}

func TestFileTreeValidate(t *testing.T) {
	tests := []struct {
		name string
		tree FileTree
		ok   bool
	}{
		{"valid", sampleTree(), true},
		{"empty", FileTree{}, true},
		{"both", FileTree{"x": {File: &FileLeaf{}, Directory: FileTree{}}}, false},
		{"neither", FileTree{"x": {}}, false},
		{"slash segment", FileTree{"a/b": {File: &FileLeaf{}}}, false},
		{"blank segment", FileTree{" ": {File: &FileLeaf{}}}, false},
		{"nested invalid", FileTree{"d": {Directory: FileTree{"..": {File: &FileLeaf{}}}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tree.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidFileTree)
			}
		})
	}
}

func TestFlattenAndRebuild(t *testing.T) {
	tree := sampleTree()
	entries := tree.Flatten()

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{
		"package.json",
		"src",
		"src/App.jsx",
		"src/components",
		"src/components/Button.jsx",
	}, paths)

	rebuilt, err := FileTreeFromEntries(entries)
	require.NoError(t, err)
	assert.Equal(t, tree, rebuilt)
}

func TestFileTreeFromEntriesRejectsFileParent(t *testing.T) {
	_, err := FileTreeFromEntries([]FileEntry{
		{Path: "a.txt", Contents: "x"},
		{Path: "a.txt/b.txt", Contents: "y"},
	})
	assert.ErrorIs(t, err, ErrInvalidFileTree)
}

func TestFileTreeValueScan(t *testing.T) {
	tree := sampleTree()
	v, err := tree.Value()
	require.NoError(t, err)

	var scanned FileTree
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, tree, scanned)

	var empty FileTree
	require.NoError(t, empty.Scan(nil))
	assert.NotNil(t, empty)
	assert.Error(t, empty.Scan(42))
}

func TestMessageMatchesAndExpiry(t *testing.T) {
	now := time.Now()
	msg := Message{
		Body:      "Please add a Navbar",
		Sender:    Sender{ID: "7", Label: "Grace"},
		Timestamp: now,
		ExpiresAt: now.Add(time.Hour),
	}
	assert.True(t, msg.Matches("navbar"))
	assert.True(t, msg.Matches("grace"))
	assert.False(t, msg.Matches("footer"))
	assert.False(t, msg.Matches(""))

	assert.False(t, msg.Expired(now))
	assert.True(t, msg.Expired(now.Add(time.Hour)))
	assert.False(t, msg.FromAI())
	assert.True(t, Message{Sender: AISender()}.FromAI())
}
