package model

import "time"

type Project struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	Name          string    `gorm:"size:128;not null;index" json:"name"`
	OwnerID       uint      `gorm:"not null;index" json:"owner_id"`
	FileTree      FileTree  `gorm:"type:longtext" json:"file_tree"`
	Collaborators []uint    `gorm:"-" json:"collaborators"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ProjectCollaborator is the membership row linking users to projects.
type ProjectCollaborator struct {
	ProjectID string    `gorm:"primaryKey;size:36"`
	UserID    uint      `gorm:"primaryKey;index"`
	CreatedAt time.Time
}

func (p *Project) HasCollaborator(userID uint) bool {
	for _, id := range p.Collaborators {
		if id == userID {
			return true
		}
	}
	return false
}

// FileTreeUpdate is the queued request to replace a project's file tree.
type FileTreeUpdate struct {
	ProjectID   string    `json:"project_id"`
	FileTree    FileTree  `json:"file_tree"`
	Source      string    `json:"source"`
	RequestedAt time.Time `json:"requested_at"`
}
