package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"gopherai-codegen/internal/app"
	"gopherai-codegen/internal/model"
	"gopherai-codegen/internal/transport/http/middleware"
	"gopherai-codegen/internal/transport/http/response"
)

// FileTreeNotifier pushes a changed tree to the project's realtime room.
type FileTreeNotifier interface {
	NotifyFileTree(projectID string, tree model.FileTree, updatedBy model.Sender)
}

type ProjectHandler struct {
	projectService *app.ProjectService
	notifier       FileTreeNotifier
}

type CreateProjectRequest struct {
	Name     string         `json:"name" binding:"required,max=128"`
	FileTree model.FileTree `json:"file_tree"`
}

type AddCollaboratorsRequest struct {
	UserIDs []uint `json:"user_ids" binding:"required,min=1"`
}

type UpdateFileTreeRequest struct {
	FileTree model.FileTree `json:"file_tree" binding:"required"`
}

func NewProjectHandler(projectService *app.ProjectService, notifier FileTreeNotifier) *ProjectHandler {
	return &ProjectHandler{projectService: projectService, notifier: notifier}
}

func (h *ProjectHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	project, err := h.projectService.Create(c.Request.Context(), app.CreateProjectInput{
		OwnerID:  userID,
		Name:     req.Name,
		FileTree: req.FileTree,
	})
	if err != nil {
		writeProjectError(c, err, "create project failed")
		return
	}

	response.OK(c, project)
}

func (h *ProjectHandler) List(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	projects, err := h.projectService.List(c.Request.Context(), userID)
	if err != nil {
		writeProjectError(c, err, "list projects failed")
		return
	}

	response.OK(c, projects)
}

func (h *ProjectHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	project, err := h.projectService.Get(c.Request.Context(), userID, projectIDParam(c))
	if err != nil {
		writeProjectError(c, err, "get project failed")
		return
	}

	response.OK(c, project)
}

func (h *ProjectHandler) AddCollaborators(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req AddCollaboratorsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	project, err := h.projectService.AddCollaborators(c.Request.Context(), userID, projectIDParam(c), req.UserIDs)
	if err != nil {
		writeProjectError(c, err, "add collaborators failed")
		return
	}

	response.OK(c, project)
}

// UpdateFileTree replaces the tree and pushes it to everyone in the room.
func (h *ProjectHandler) UpdateFileTree(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req UpdateFileTreeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	project, err := h.projectService.UpdateFileTree(c.Request.Context(), userID, projectIDParam(c), req.FileTree)
	if err != nil {
		writeProjectError(c, err, "update file tree failed")
		return
	}

	if h.notifier != nil {
		h.notifier.NotifyFileTree(project.ID, project.FileTree, model.UserSender(userID, middleware.Username(c)))
	}
	response.OK(c, project)
}

func (h *ProjectHandler) Delete(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	projectID := projectIDParam(c)
	if err := h.projectService.Delete(c.Request.Context(), userID, projectID); err != nil {
		writeProjectError(c, err, "delete project failed")
		return
	}

	response.OK(c, gin.H{"deleted_project_id": projectID})
}

func projectIDParam(c *gin.Context) string {
	return strings.TrimSpace(c.Param("id"))
}

func writeProjectError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, app.ErrInvalidInput), errors.Is(err, model.ErrInvalidFileTree):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrProjectNotFound):
		response.Error(c, http.StatusNotFound, response.CodeProjectNotFound, err.Error())
	case errors.Is(err, app.ErrProjectForbidden):
		response.Error(c, http.StatusForbidden, response.CodeForbidden, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}
