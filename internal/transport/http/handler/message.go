package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"gopherai-codegen/internal/app"
	"gopherai-codegen/internal/model"
	"gopherai-codegen/internal/transport/http/middleware"
	"gopherai-codegen/internal/transport/http/response"
)

type MessageReader interface {
	List(ctx context.Context, projectID string, offset, limit int) []model.Message
	Search(ctx context.Context, projectID, term string) []model.Message
	Count(ctx context.Context, projectID string) int
}

// MessageHandler serves the cached chat of a project over HTTP, for clients that
// page history without a realtime connection.
type MessageHandler struct {
	projectService *app.ProjectService
	messages       MessageReader
}

func NewMessageHandler(projectService *app.ProjectService, messages MessageReader) *MessageHandler {
	return &MessageHandler{projectService: projectService, messages: messages}
}

func (h *MessageHandler) List(c *gin.Context) {
	projectID, ok := h.authorize(c)
	if !ok {
		return
	}

	offset := queryInt(c, "offset", 0)
	limit := queryInt(c, "limit", 20)
	if offset < 0 || limit <= 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid offset or limit")
		return
	}

	ctx := c.Request.Context()
	messages := h.messages.List(ctx, projectID, offset, limit)
	total := h.messages.Count(ctx, projectID)
	response.OK(c, gin.H{
		"messages": messages,
		"offset":   offset,
		"total":    total,
		"has_more": offset+len(messages) < total,
	})
}

func (h *MessageHandler) Search(c *gin.Context) {
	projectID, ok := h.authorize(c)
	if !ok {
		return
	}

	term := c.Query("q")
	if strings.TrimSpace(term) == "" {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "q is required")
		return
	}

	response.OK(c, gin.H{
		"term":     term,
		"messages": h.messages.Search(c.Request.Context(), projectID, term),
	})
}

func (h *MessageHandler) authorize(c *gin.Context) (string, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return "", false
	}
	projectID := projectIDParam(c)
	if _, err := h.projectService.Get(c.Request.Context(), userID, projectID); err != nil {
		writeProjectError(c, err, "get project failed")
		return "", false
	}
	return projectID, true
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return v
}
