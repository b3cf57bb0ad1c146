package ai

import (
	"encoding/json"
	"strings"

	"gopherai-codegen/internal/model"
)

// Generation is the structured reading of a model reply.
type Generation struct {
	Text         string         `json:"text"`
	FileTree     model.FileTree `json:"fileTree,omitempty"`
	BuildCommand string         `json:"buildCommand,omitempty"`
	StartCommand string         `json:"startCommand,omitempty"`
}

func (g Generation) HasFileTree() bool {
	return len(g.FileTree) > 0
}

type rawGeneration struct {
	Text         string          `json:"text"`
	FileTree     json.RawMessage `json:"fileTree"`
	BuildCommand json.RawMessage `json:"buildCommand"`
	StartCommand json.RawMessage `json:"startCommand"`
}

// ParseGeneration reads raw model output. Replies that are not a JSON object
// become plain text, and a file tree that fails validation is dropped while the
// text is kept.
func ParseGeneration(raw string) Generation {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Generation{}
	}

	parsed, ok := decodeGeneration(stripCodeFence(trimmed))
	if !ok {
		// prose around the object
		start, end := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}")
		if start < 0 || end <= start {
			return Generation{Text: trimmed}
		}
		if parsed, ok = decodeGeneration(trimmed[start : end+1]); !ok {
			return Generation{Text: trimmed}
		}
	}

	gen := Generation{
		Text:         strings.TrimSpace(parsed.Text),
		BuildCommand: decodeCommand(parsed.BuildCommand),
		StartCommand: decodeCommand(parsed.StartCommand),
	}
	if len(parsed.FileTree) > 0 {
		var tree model.FileTree
		if err := json.Unmarshal(parsed.FileTree, &tree); err == nil && tree.Validate() == nil {
			gen.FileTree = tree
		}
	}
	if gen.Text == "" && !gen.HasFileTree() {
		return Generation{Text: trimmed}
	}
	return gen
}

func decodeGeneration(s string) (rawGeneration, bool) {
	var parsed rawGeneration
	if !strings.HasPrefix(s, "{") {
		return parsed, false
	}
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return parsed, false
	}
	return parsed, true
}

// decodeCommand accepts either "npm install" or {"mainItem":"npm","commands":["install"]}.
func decodeCommand(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var cmd struct {
		MainItem string   `json:"mainItem"`
		Commands []string `json:"commands"`
	}
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.MainItem == "" {
		return ""
	}
	return strings.TrimSpace(strings.Join(append([]string{cmd.MainItem}, cmd.Commands...), " "))
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
