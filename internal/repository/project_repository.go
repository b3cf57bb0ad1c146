package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gopherai-codegen/internal/model"
)

// ProjectRepository keeps projects in MySQL; the file tree is a JSON column and
// collaborators live in project_collaborators.
type ProjectRepository struct {
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

func (r *ProjectRepository) Create(ctx context.Context, project *model.Project) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(project).Error; err != nil {
			return err
		}
		return insertCollaborators(tx, project.ID, project.Collaborators)
	})
	if err != nil {
		return fmt.Errorf("create project failed: %w", err)
	}
	return nil
}

func (r *ProjectRepository) GetByID(ctx context.Context, id string) (*model.Project, error) {
	var project model.Project
	db := r.db.WithContext(ctx)
	if err := db.Where("id = ?", id).First(&project).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get project failed: %w", err)
	}

	collaborators, err := r.collaborators(db, []string{project.ID})
	if err != nil {
		return nil, err
	}
	project.Collaborators = collaborators[project.ID]
	return &project, nil
}

func (r *ProjectRepository) ListByCollaborator(ctx context.Context, userID uint) ([]model.Project, error) {
	db := r.db.WithContext(ctx)

	var projects []model.Project
	err := db.
		Joins("JOIN project_collaborators pc ON pc.project_id = projects.id").
		Where("pc.user_id = ?", userID).
		Order("projects.updated_at DESC").
		Find(&projects).Error
	if err != nil {
		return nil, fmt.Errorf("list projects failed: %w", err)
	}
	if len(projects) == 0 {
		return projects, nil
	}

	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
	}
	collaborators, err := r.collaborators(db, ids)
	if err != nil {
		return nil, err
	}
	for i := range projects {
		projects[i].Collaborators = collaborators[projects[i].ID]
	}
	return projects, nil
}

func (r *ProjectRepository) AddCollaborators(ctx context.Context, projectID string, userIDs []uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Project{}).Where("id = ?", projectID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		if err := insertCollaborators(tx, projectID, userIDs); err != nil {
			return err
		}
		return tx.Model(&model.Project{}).Where("id = ?", projectID).Update("updated_at", time.Now()).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("add collaborators failed: %w", err)
	}
	return nil
}

// UpdateFileTree replaces the whole tree. Concurrent writers race and the last one wins.
func (r *ProjectRepository) UpdateFileTree(ctx context.Context, projectID string, tree model.FileTree) error {
	result := r.db.WithContext(ctx).
		Model(&model.Project{}).
		Where("id = ?", projectID).
		Updates(map[string]interface{}{
			"file_tree":  tree,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("update file tree failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ProjectRepository) Delete(ctx context.Context, projectID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", projectID).Delete(&model.ProjectCollaborator{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", projectID).Delete(&model.Project{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete project failed: %w", err)
	}
	return nil
}

func (r *ProjectRepository) collaborators(db *gorm.DB, projectIDs []string) (map[string][]uint, error) {
	var rows []model.ProjectCollaborator
	if err := db.Where("project_id IN ?", projectIDs).Order("created_at ASC, user_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list collaborators failed: %w", err)
	}
	out := make(map[string][]uint, len(projectIDs))
	for _, row := range rows {
		out[row.ProjectID] = append(out[row.ProjectID], row.UserID)
	}
	return out, nil
}

func insertCollaborators(tx *gorm.DB, projectID string, userIDs []uint) error {
	if len(userIDs) == 0 {
		return nil
	}
	rows := make([]model.ProjectCollaborator, 0, len(userIDs))
	for _, id := range userIDs {
		rows = append(rows, model.ProjectCollaborator{ProjectID: projectID, UserID: id})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}
