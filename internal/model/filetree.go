package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidFileTree = errors.New("invalid file tree")

// FileTree maps a path segment to a node. It matches the layout the browser sandbox mounts:
//
//	{"src": {"directory": {"App.jsx": {"file": {"contents": "..."}}}}}
type FileTree map[string]FileNode

// FileNode holds exactly one of File or Directory.
type FileNode struct {
	File      *FileLeaf `json:"file,omitempty"`
	Directory FileTree  `json:"directory,omitempty"`
}

// MarshalJSON always writes the directory key for non-file nodes so that an
// empty directory decodes back as a directory.
func (n FileNode) MarshalJSON() ([]byte, error) {
	if n.File != nil {
		return json.Marshal(struct {
			File *FileLeaf `json:"file"`
		}{n.File})
	}
	dir := n.Directory
	if dir == nil {
		dir = FileTree{}
	}
	return json.Marshal(struct {
		Directory FileTree `json:"directory"`
	}{dir})
}

type FileLeaf struct {
	Contents string `json:"contents"`
}

// FileEntry is one flattened node, addressed by its slash-separated path.
type FileEntry struct {
	Path     string `json:"path" bson:"path"`
	IsDir    bool   `json:"is_dir" bson:"is_dir"`
	Contents string `json:"contents,omitempty" bson:"contents,omitempty"`
}

func (t FileTree) Validate() error {
	return t.validate("")
}

func (t FileTree) validate(prefix string) error {
	for name, node := range t {
		path := prefix + name
		if strings.TrimSpace(name) == "" || strings.Contains(name, "/") || name == "." || name == ".." {
			return fmt.Errorf("%w: bad segment %q under %q", ErrInvalidFileTree, name, prefix)
		}
		switch {
		case node.File != nil && node.Directory != nil:
			return fmt.Errorf("%w: %s is both file and directory", ErrInvalidFileTree, path)
		case node.File == nil && node.Directory == nil:
			return fmt.Errorf("%w: %s is neither file nor directory", ErrInvalidFileTree, path)
		case node.Directory != nil:
			if err := node.Directory.validate(path + "/"); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flatten lists every node depth-first, sorted by path.
func (t FileTree) Flatten() []FileEntry {
	var out []FileEntry
	t.flatten("", &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (t FileTree) flatten(prefix string, out *[]FileEntry) {
	for name, node := range t {
		path := prefix + name
		if node.Directory != nil {
			*out = append(*out, FileEntry{Path: path, IsDir: true})
			node.Directory.flatten(path+"/", out)
			continue
		}
		if node.File != nil {
			*out = append(*out, FileEntry{Path: path, Contents: node.File.Contents})
		}
	}
}

func (t FileTree) FileCount() int {
	n := 0
	for _, node := range t {
		if node.File != nil {
			n++
		}
		if node.Directory != nil {
			n += node.Directory.FileCount()
		}
	}
	return n
}

// FileTreeFromEntries rebuilds a tree from flattened entries. Parent directories
// missing from entries are created implicitly.
func FileTreeFromEntries(entries []FileEntry) (FileTree, error) {
	root := FileTree{}
	for _, entry := range entries {
		segments := strings.Split(strings.Trim(entry.Path, "/"), "/")
		if len(segments) == 0 || segments[0] == "" {
			return nil, fmt.Errorf("%w: empty path", ErrInvalidFileTree)
		}

		dir := root
		for _, seg := range segments[:len(segments)-1] {
			node, ok := dir[seg]
			if !ok {
				node = FileNode{Directory: FileTree{}}
				dir[seg] = node
			}
			if node.Directory == nil {
				return nil, fmt.Errorf("%w: %s is under a file", ErrInvalidFileTree, entry.Path)
			}
			dir = node.Directory
		}

		last := segments[len(segments)-1]
		if entry.IsDir {
			if existing, ok := dir[last]; ok && existing.Directory != nil {
				continue
			}
			dir[last] = FileNode{Directory: FileTree{}}
			continue
		}
		dir[last] = FileNode{File: &FileLeaf{Contents: entry.Contents}}
	}
	return root, nil
}

// Value stores the tree as a JSON document column.
func (t FileTree) Value() (driver.Value, error) {
	if t == nil {
		return "{}", nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal file tree failed: %w", err)
	}
	return string(b), nil
}

func (t *FileTree) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*t = FileTree{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scan file tree: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*t = FileTree{}
		return nil
	}
	tree := FileTree{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("unmarshal file tree failed: %w", err)
	}
	*t = tree
	return nil
}
