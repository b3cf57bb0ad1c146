package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"gopherai-codegen/internal/metrics"
)

var (
	ErrTimeout     = errors.New("ai request timed out")
	ErrUnavailable = errors.New("ai service unavailable")
	ErrNoTurns     = errors.New("conversation is empty")
)

const DefaultSystemPrompt = `You are an expert web developer working inside a collaborative code editor.
Answer with a single JSON object and nothing else:
{
  "text": "short explanation for the user",
  "fileTree": {
    "<name>": {"file": {"contents": "<file contents>"}},
    "<dir>": {"directory": { ... }}
  },
  "buildCommand": {"mainItem": "npm", "commands": ["install"]},
  "startCommand": {"mainItem": "node", "commands": ["index.js"]}
}
Omit fileTree and the commands when the user only asks a question.
Never use paths like "src/app.js" as names; nest directories instead.
Always return complete file contents.`

// Completer is the subset of OpenAICompatibleClient the proxy relies on.
type Completer interface {
	Complete(ctx context.Context, cfg ChatConfig, messages []ChatMessage) (string, error)
	StreamComplete(ctx context.Context, cfg ChatConfig, messages []ChatMessage, onChunk func(chunk string) error) (string, error)
}

type ProxyOptions struct {
	Timeout          time.Duration
	SystemPrompt     string
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Proxy forwards conversations to the language model. Every call is bounded by
// Timeout, and repeated upstream failures open a circuit breaker so callers fail
// fast with ErrUnavailable until the upstream recovers.
type Proxy struct {
	client       Completer
	cfg          ChatConfig
	timeout      time.Duration
	systemPrompt string
	breaker      *gobreaker.CircuitBreaker
	logger       *slog.Logger
}

func NewProxy(client Completer, cfg ChatConfig, opts ProxyOptions, logger *slog.Logger) *Proxy {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Proxy{
		client:       client,
		cfg:          cfg,
		timeout:      opts.Timeout,
		systemPrompt: opts.SystemPrompt,
		logger:       logger,
	}
	threshold := opts.FailureThreshold
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// a caller going away says nothing about upstream health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("ai circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return p
}

func (p *Proxy) Timeout() time.Duration {
	return p.timeout
}

// Generate sends turns to the model and returns its raw text. maxTokens <= 0 uses
// the configured budget.
func (p *Proxy) Generate(ctx context.Context, turns []ChatMessage, maxTokens int) (string, error) {
	return p.call(ctx, turns, maxTokens, func(ctx context.Context, cfg ChatConfig, messages []ChatMessage) (string, error) {
		return p.client.Complete(ctx, cfg, messages)
	})
}

// Stream is Generate with incremental delivery through onChunk. The full text is
// returned once the stream ends.
func (p *Proxy) Stream(ctx context.Context, turns []ChatMessage, maxTokens int, onChunk func(chunk string) error) (string, error) {
	return p.call(ctx, turns, maxTokens, func(ctx context.Context, cfg ChatConfig, messages []ChatMessage) (string, error) {
		return p.client.StreamComplete(ctx, cfg, messages, onChunk)
	})
}

type completeFunc func(ctx context.Context, cfg ChatConfig, messages []ChatMessage) (string, error)

func (p *Proxy) call(ctx context.Context, turns []ChatMessage, maxTokens int, fn completeFunc) (string, error) {
	if len(turns) == 0 {
		return "", ErrNoTurns
	}

	cfg := p.cfg
	if maxTokens > 0 {
		cfg.MaxTokens = maxTokens
	}
	messages := p.withSystemPrompt(turns)

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	out, err := p.breaker.Execute(func() (interface{}, error) {
		text, err := fn(callCtx, cfg, messages)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrTimeout
		}
		return text, err
	})
	metrics.AIRequestDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		err = p.classify(ctx, err)
		return "", err
	}
	metrics.AIRequestsTotal.WithLabelValues("ok").Inc()
	return out.(string), nil
}

func (p *Proxy) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.AIRequestsTotal.WithLabelValues("unavailable").Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case errors.Is(err, ErrTimeout):
		metrics.AIRequestsTotal.WithLabelValues("timeout").Inc()
		p.logger.Warn("ai request timed out", "timeout", p.timeout)
		return err
	case ctx.Err() != nil:
		metrics.AIRequestsTotal.WithLabelValues("canceled").Inc()
		return fmt.Errorf("ai request canceled: %w", ctx.Err())
	default:
		metrics.AIRequestsTotal.WithLabelValues("error").Inc()
		p.logger.Error("ai request failed", "error", err)
		return fmt.Errorf("ai request failed: %w", err)
	}
}

func (p *Proxy) withSystemPrompt(turns []ChatMessage) []ChatMessage {
	if turns[0].Role == RoleSystem {
		return turns
	}
	messages := make([]ChatMessage, 0, len(turns)+1)
	messages = append(messages, ChatMessage{Role: RoleSystem, Content: p.systemPrompt})
	return append(messages, turns...)
}
