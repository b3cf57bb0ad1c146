package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"gopherai-codegen/internal/metrics"
	"gopherai-codegen/internal/model"
	"gopherai-codegen/internal/repository"
)

var (
	ErrProjectNotFound  = errors.New("project not found")
	ErrProjectForbidden = errors.New("not a collaborator of this project")
)

const maxProjectNameLength = 128

// ProjectStore is implemented by the MySQL and the MongoDB project repositories.
type ProjectStore interface {
	Create(ctx context.Context, project *model.Project) error
	GetByID(ctx context.Context, id string) (*model.Project, error)
	ListByCollaborator(ctx context.Context, userID uint) ([]model.Project, error)
	AddCollaborators(ctx context.Context, projectID string, userIDs []uint) error
	UpdateFileTree(ctx context.Context, projectID string, tree model.FileTree) error
	Delete(ctx context.Context, projectID string) error
}

// MessageClearer drops the cached chat of a deleted project.
type MessageClearer interface {
	Clear(ctx context.Context, projectID string) error
}

type ProjectService struct {
	projects ProjectStore
	userRepo *repository.UserRepository
	messages MessageClearer
	logger   *slog.Logger
}

type CreateProjectInput struct {
	OwnerID  uint
	Name     string
	FileTree model.FileTree
}

func NewProjectService(projects ProjectStore, userRepo *repository.UserRepository, messages MessageClearer, logger *slog.Logger) *ProjectService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectService{
		projects: projects,
		userRepo: userRepo,
		messages: messages,
		logger:   logger,
	}
}

func (s *ProjectService) Create(ctx context.Context, input CreateProjectInput) (*model.Project, error) {
	name := strings.TrimSpace(input.Name)
	if input.OwnerID == 0 || name == "" || utf8.RuneCountInString(name) > maxProjectNameLength {
		return nil, ErrInvalidInput
	}
	tree := input.FileTree
	if tree == nil {
		tree = model.FileTree{}
	}
	if err := tree.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	project := &model.Project{
		ID:            uuid.NewString(),
		Name:          name,
		OwnerID:       input.OwnerID,
		FileTree:      tree,
		Collaborators: []uint{input.OwnerID},
	}
	if err := s.projects.Create(ctx, project); err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project_id", project.ID, "owner_id", project.OwnerID)
	return project, nil
}

func (s *ProjectService) List(ctx context.Context, userID uint) ([]model.Project, error) {
	projects, err := s.projects.ListByCollaborator(ctx, userID)
	if err != nil {
		return nil, err
	}
	if projects == nil {
		projects = []model.Project{}
	}
	return projects, nil
}

// Get returns the project when userID collaborates on it.
func (s *ProjectService) Get(ctx context.Context, userID uint, projectID string) (*model.Project, error) {
	project, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, ErrProjectNotFound
	}
	if !project.HasCollaborator(userID) {
		return nil, ErrProjectForbidden
	}
	return project, nil
}

// Resolve is the lookup used when a realtime connection joins a room. A missing
// project yields (nil, nil); the caller decides whether to tolerate it.
func (s *ProjectService) Resolve(ctx context.Context, userID uint, projectID string) (*model.Project, error) {
	project, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("resolve project failed: %w", err)
	}
	if project == nil {
		return nil, nil
	}
	if !project.HasCollaborator(userID) {
		return nil, ErrProjectForbidden
	}
	return project, nil
}

func (s *ProjectService) AddCollaborators(ctx context.Context, userID uint, projectID string, userIDs []uint) (*model.Project, error) {
	ids := dedupeIDs(userIDs)
	if len(ids) == 0 {
		return nil, ErrInvalidInput
	}
	if _, err := s.Get(ctx, userID, projectID); err != nil {
		return nil, err
	}

	count, err := s.userRepo.CountByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if count != int64(len(ids)) {
		return nil, fmt.Errorf("%w: unknown user id", ErrInvalidInput)
	}

	if err := s.projects.AddCollaborators(ctx, projectID, ids); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return s.Get(ctx, userID, projectID)
}

// UpdateFileTree replaces the tree on behalf of a collaborator.
func (s *ProjectService) UpdateFileTree(ctx context.Context, userID uint, projectID string, tree model.FileTree) (*model.Project, error) {
	if _, err := s.Get(ctx, userID, projectID); err != nil {
		return nil, err
	}
	if err := s.replaceFileTree(ctx, projectID, tree, "http"); err != nil {
		return nil, err
	}
	return s.Get(ctx, userID, projectID)
}

// SaveFileTree replaces the tree without an access check. It is used for trees
// the model generated inside a room the caller was already admitted to.
func (s *ProjectService) SaveFileTree(ctx context.Context, projectID string, tree model.FileTree) error {
	return s.replaceFileTree(ctx, projectID, tree, "ai")
}

func (s *ProjectService) Delete(ctx context.Context, userID uint, projectID string) error {
	project, err := s.Get(ctx, userID, projectID)
	if err != nil {
		return err
	}
	if project.OwnerID != userID {
		return ErrProjectForbidden
	}
	if err := s.projects.Delete(ctx, projectID); err != nil {
		return err
	}
	if s.messages != nil {
		if err := s.messages.Clear(ctx, projectID); err != nil {
			s.logger.Warn("clear project messages failed", "project_id", projectID, "error", err)
		}
	}
	s.logger.Info("project deleted", "project_id", projectID, "user_id", userID)
	return nil
}

func (s *ProjectService) replaceFileTree(ctx context.Context, projectID string, tree model.FileTree, source string) error {
	if tree == nil {
		tree = model.FileTree{}
	}
	if err := tree.Validate(); err != nil {
		metrics.FileTreeUpdatesTotal.WithLabelValues(source, "invalid").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.projects.UpdateFileTree(ctx, projectID, tree); err != nil {
		metrics.FileTreeUpdatesTotal.WithLabelValues(source, "error").Inc()
		if errors.Is(err, repository.ErrNotFound) {
			return ErrProjectNotFound
		}
		return err
	}
	metrics.FileTreeUpdatesTotal.WithLabelValues(source, "ok").Inc()
	return nil
}

func dedupeIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
