package app

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"gopherai-codegen/internal/ai"
	"gopherai-codegen/internal/model"
)

const (
	TemplateReact = "react"
	TemplateNode  = "node"
)

const templateClassifierPrompt = `Decide which project scaffold fits the user's request.
Answer with exactly one word: "react" for a browser or frontend project, "node" for a backend, CLI or script.`

//go:embed templates/*.json
var templateFS embed.FS

// Generator is the AI proxy as seen by the services and the relay.
type Generator interface {
	Generate(ctx context.Context, turns []ai.ChatMessage, maxTokens int) (string, error)
	Stream(ctx context.Context, turns []ai.ChatMessage, maxTokens int, onChunk func(chunk string) error) (string, error)
}

type AIService struct {
	generator  Generator
	maxContext int
	logger     *slog.Logger
	templates  map[string]model.FileTree
}

type ChatInput struct {
	Turns     []ai.ChatMessage
	MaxTokens int
}

type ChatResult struct {
	Text       string        `json:"text"`
	Generation ai.Generation `json:"generation"`
}

type TemplateResult struct {
	Kind     string         `json:"kind"`
	FileTree model.FileTree `json:"file_tree"`
	Prompt   string         `json:"prompt"`
}

func NewAIService(generator Generator, maxContext int, logger *slog.Logger) (*AIService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	templates := make(map[string]model.FileTree, 2)
	for _, kind := range []string{TemplateReact, TemplateNode} {
		raw, err := templateFS.ReadFile("templates/" + kind + ".json")
		if err != nil {
			return nil, fmt.Errorf("read %s template failed: %w", kind, err)
		}
		var tree model.FileTree
		if err := json.Unmarshal(raw, &tree); err != nil {
			return nil, fmt.Errorf("parse %s template failed: %w", kind, err)
		}
		if err := tree.Validate(); err != nil {
			return nil, fmt.Errorf("%s template: %w", kind, err)
		}
		templates[kind] = tree
	}
	return &AIService{
		generator:  generator,
		maxContext: maxContext,
		logger:     logger,
		templates:  templates,
	}, nil
}

func (s *AIService) Chat(ctx context.Context, input ChatInput) (*ChatResult, error) {
	turns, err := s.prepareTurns(input.Turns)
	if err != nil {
		return nil, err
	}
	text, err := s.generator.Generate(ctx, turns, input.MaxTokens)
	if err != nil {
		return nil, err
	}
	return &ChatResult{Text: text, Generation: ai.ParseGeneration(text)}, nil
}

// StreamChat forwards model output to onChunk as it arrives.
func (s *AIService) StreamChat(ctx context.Context, input ChatInput, onChunk func(chunk string) error) (*ChatResult, error) {
	turns, err := s.prepareTurns(input.Turns)
	if err != nil {
		return nil, err
	}
	text, err := s.generator.Stream(ctx, turns, input.MaxTokens, onChunk)
	if err != nil {
		return nil, err
	}
	return &ChatResult{Text: text, Generation: ai.ParseGeneration(text)}, nil
}

// Template picks the react or node scaffold for prompt. The model decides; an
// unusable answer or an upstream failure falls back to keyword matching.
func (s *AIService) Template(ctx context.Context, prompt string) (*TemplateResult, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrInvalidInput
	}

	kind := ""
	answer, err := s.generator.Generate(ctx, []ai.ChatMessage{
		{Role: ai.RoleSystem, Content: templateClassifierPrompt},
		{Role: ai.RoleUser, Content: prompt},
	}, 16)
	if err != nil {
		s.logger.Warn("template classification failed, using keywords", "error", err)
	} else {
		kind = classifyAnswer(answer)
	}
	if kind == "" {
		kind = guessTemplate(prompt)
	}

	return &TemplateResult{
		Kind:     kind,
		FileTree: s.templates[kind],
		Prompt:   fmt.Sprintf("Project files are a %s scaffold. Build on top of them:\n%s", kind, prompt),
	}, nil
}

func (s *AIService) prepareTurns(turns []ai.ChatMessage) ([]ai.ChatMessage, error) {
	if len(turns) == 0 {
		return nil, ErrInvalidInput
	}
	out := make([]ai.ChatMessage, 0, len(turns))
	for _, t := range turns {
		role := strings.ToLower(strings.TrimSpace(t.Role))
		if !ai.ValidRole(role) || strings.TrimSpace(t.Content) == "" {
			return nil, fmt.Errorf("%w: bad turn", ErrInvalidInput)
		}
		out = append(out, ai.ChatMessage{Role: role, Content: t.Content})
	}

	if s.maxContext > 0 && len(out) > s.maxContext {
		if out[0].Role == ai.RoleSystem && s.maxContext > 1 {
			// keep the leading system turn when trimming history
			out = append(out[:1:1], out[len(out)-s.maxContext+1:]...)
		} else {
			out = out[len(out)-s.maxContext:]
		}
	}
	return out, nil
}

func classifyAnswer(answer string) string {
	a := strings.ToLower(strings.TrimSpace(answer))
	hasReact, hasNode := strings.Contains(a, TemplateReact), strings.Contains(a, TemplateNode)
	switch {
	case hasReact && !hasNode:
		return TemplateReact
	case hasNode && !hasReact:
		return TemplateNode
	}
	return ""
}

var frontendKeywords = []string{
	"react", "frontend", "front-end", "website", "webpage", "landing", "ui", "component",
	"vite", "jsx", "css", "html", "dashboard", "portfolio", "page", "button", "form",
}

func guessTemplate(prompt string) string {
	words := strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	for _, w := range words {
		for _, kw := range frontendKeywords {
			if w == kw || (len(kw) > 3 && strings.HasPrefix(w, kw)) {
				return TemplateReact
			}
		}
	}
	return TemplateNode
}
