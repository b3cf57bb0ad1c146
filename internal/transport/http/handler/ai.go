package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"gopherai-codegen/internal/ai"
	"gopherai-codegen/internal/app"
	"gopherai-codegen/internal/pkg/pdfextract"
	"gopherai-codegen/internal/transport/http/response"
)

const (
	maxBriefSize  = 10 << 20 // 10 MB
	maxBriefRunes = 8000
)

type AIHandler struct {
	aiService *app.AIService
	maxTokens int
}

type ChatRequest struct {
	Messages  []ai.ChatMessage `json:"messages" binding:"required,min=1"`
	MaxTokens int              `json:"max_tokens" binding:"min=0,max=32768"`
}

type TemplateRequest struct {
	Prompt string `json:"prompt" binding:"required,max=8000"`
}

// NewAIHandler serves the direct AI endpoints. maxTokens is the budget used when
// a request does not name one.
func NewAIHandler(aiService *app.AIService, maxTokens int) *AIHandler {
	return &AIHandler{aiService: aiService, maxTokens: maxTokens}
}

func (h *AIHandler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.aiService.Chat(c.Request.Context(), app.ChatInput{
		Turns:     req.Messages,
		MaxTokens: h.budget(req.MaxTokens),
	})
	if err != nil {
		writeAIError(c, err)
		return
	}

	response.OK(c, result)
}

// StreamChat relays model output as server-sent events: unnamed data events for
// chunks, then a "done" event carrying the parsed result or an "error" event.
func (h *AIHandler) StreamChat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "stream not supported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	result, err := h.aiService.StreamChat(c.Request.Context(), app.ChatInput{
		Turns:     req.Messages,
		MaxTokens: h.budget(req.MaxTokens),
	}, func(chunk string) error {
		if _, writeErr := c.Writer.Write([]byte("data: " + sanitizeSSE(chunk) + "\n\n")); writeErr != nil {
			return writeErr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if _, writeErr := c.Writer.Write([]byte(fmt.Sprintf("event: error\ndata: %s\n\n", sanitizeSSE(aiErrorMessage(err))))); writeErr == nil {
			flusher.Flush()
		}
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if _, writeErr := c.Writer.Write([]byte("event: done\ndata: " + string(payload) + "\n\n")); writeErr == nil {
		flusher.Flush()
	}
}

// Template picks the starting scaffold for a new project.
func (h *AIHandler) Template(c *gin.Context) {
	var req TemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.aiService.Template(c.Request.Context(), req.Prompt)
	if err != nil {
		writeAIError(c, err)
		return
	}

	response.OK(c, result)
}

// TemplateFromBrief is Template with the project description read from an
// uploaded PDF ("file"). An optional "prompt" field is put in front of it.
func (h *AIHandler) TemplateFromBrief(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing pdf file")
		return
	}
	if fileHeader.Size > maxBriefSize {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "pdf exceeds 10 MB")
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "open pdf failed")
		return
	}
	defer file.Close()

	brief, err := pdfextract.ExtractText(file, maxBriefSize)
	if err != nil {
		switch {
		case errors.Is(err, pdfextract.ErrTooLarge):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "pdf exceeds 10 MB")
		case errors.Is(err, pdfextract.ErrNoText):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "pdf has no readable text")
		default:
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid pdf")
		}
		return
	}

	prompt := brief
	if extra := strings.TrimSpace(c.PostForm("prompt")); extra != "" {
		prompt = extra + "\n\n" + brief
	}
	result, err := h.aiService.Template(c.Request.Context(), pdfextract.Truncate(prompt, maxBriefRunes))
	if err != nil {
		writeAIError(c, err)
		return
	}

	response.OK(c, result)
}

func (h *AIHandler) budget(requested int) int {
	if requested > 0 {
		return requested
	}
	return h.maxTokens
}

func writeAIError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidInput), errors.Is(err, ai.ErrNoTurns):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, ai.ErrTimeout):
		response.Error(c, http.StatusGatewayTimeout, response.CodeAITimeout, aiErrorMessage(err))
	case errors.Is(err, ai.ErrUnavailable):
		response.Error(c, http.StatusBadGateway, response.CodeAIUnavailable, aiErrorMessage(err))
	default:
		response.Error(c, http.StatusBadGateway, response.CodeAIUpstream, aiErrorMessage(err))
	}
}

// aiErrorMessage keeps upstream response bodies out of client-facing messages.
func aiErrorMessage(err error) string {
	var statusErr *ai.StatusError
	switch {
	case errors.Is(err, app.ErrInvalidInput), errors.Is(err, ai.ErrNoTurns):
		return err.Error()
	case errors.Is(err, ai.ErrTimeout):
		return "ai request timed out"
	case errors.Is(err, ai.ErrUnavailable):
		return "ai service temporarily unavailable"
	case errors.As(err, &statusErr):
		return fmt.Sprintf("ai upstream returned status %d", statusErr.StatusCode)
	default:
		return "ai request failed"
	}
}

func sanitizeSSE(input string) string {
	replaced := strings.ReplaceAll(input, "\r\n", "\\n")
	replaced = strings.ReplaceAll(replaced, "\n", "\\n")
	return replaced
}
