package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"gopherai-codegen/internal/ai"
	"gopherai-codegen/internal/model"
)

const (
	workingNotice     = "AI is working on it..."
	timeoutNotice     = "The AI took too long to respond. Please try again."
	unavailableNotice = "The AI service is temporarily unavailable. Please try again shortly."
	failedNotice      = "The AI could not complete this request."
	emptyPromptNotice = "Tell the AI what to do after the trigger."
	shutdownNotice    = "The server is restarting. Please resend your request."
)

// aiRequest tracks one AI run so the room sees exactly one interim notice and
// exactly one terminal event.
type aiRequest struct {
	id        string
	projectID string
	prompt    string
	once      sync.Once
}

// startAI announces the request to the room and runs it off the read loop.
func (r *Relay) startAI(c *Client, projectID, prompt string) {
	req := &aiRequest{
		id:        uuid.NewString(),
		projectID: projectID,
		prompt:    prompt,
	}
	r.broadcast(projectID, EventAIWorking, AIWorking{
		RequestID:   req.id,
		ProjectID:   projectID,
		Sender:      model.AISender(),
		RequestedBy: c.sender,
		Body:        workingNotice,
		Timestamp:   r.now(),
	}, nil)

	if prompt == "" {
		r.failAI(req, CodeBadRequest, emptyPromptNotice)
		return
	}

	r.wg.Add(1)
	go r.runAI(req)
}

func (r *Relay) runAI(req *aiRequest) {
	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("ai request panicked", "request_id", req.id, "project_id", req.projectID, "panic", rec)
			r.failAI(req, CodeAIFailed, failedNotice)
		}
	}()

	ctx, cancel := context.WithTimeout(r.ctx, r.opts.AITimeout)
	defer cancel()

	raw, err := r.generator.Generate(ctx, []ai.ChatMessage{{Role: ai.RoleUser, Content: req.prompt}}, r.opts.MaxTokens)
	if err != nil {
		code, notice := classifyAIError(r.ctx, err)
		r.logger.Warn("ai request failed", "request_id", req.id, "project_id", req.projectID, "code", code, "error", err)
		r.failAI(req, code, notice)
		return
	}

	gen := ai.ParseGeneration(raw)
	if gen.HasFileTree() {
		r.saveFileTree(req, gen.FileTree)
	}

	text := gen.Text
	if text == "" {
		text = fmt.Sprintf("Updated %d files.", gen.FileTree.FileCount())
	}
	msg := r.newMessage(req.projectID, text, model.AISender())
	r.store(req.projectID, msg)

	req.once.Do(func() {
		r.broadcast(req.projectID, EventAIResult, AIResult{
			RequestID:    req.id,
			Message:      msg,
			FileTree:     gen.FileTree,
			BuildCommand: gen.BuildCommand,
			StartCommand: gen.StartCommand,
		}, nil)
	})
}

func (r *Relay) saveFileTree(req *aiRequest, tree model.FileTree) {
	if r.trees == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), saveTimeout)
	defer cancel()
	if err := r.trees.SaveFileTree(ctx, req.projectID, tree); err != nil {
		r.logger.Warn("save generated file tree failed", "request_id", req.id, "project_id", req.projectID, "error", err)
	}
}

func (r *Relay) failAI(req *aiRequest, code, notice string) {
	req.once.Do(func() {
		r.broadcast(req.projectID, EventError, ErrorEvent{
			RequestID: req.id,
			Code:      code,
			Message:   r.newMessage(req.projectID, notice, model.AISender()),
		}, nil)
	})
}

func classifyAIError(relayCtx context.Context, err error) (string, string) {
	switch {
	case relayCtx.Err() != nil:
		return CodeAIUnavailable, shutdownNotice
	case errors.Is(err, ai.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeAITimeout, timeoutNotice
	case errors.Is(err, ai.ErrUnavailable):
		return CodeAIUnavailable, unavailableNotice
	default:
		return CodeAIFailed, failedNotice
	}
}
