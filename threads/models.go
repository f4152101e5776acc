package threads

import (
	"time"
)

// Workspace is the top-level owner of shared, curated knowledge.
type Workspace struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:120;not null" json:"name"`
	Description *string   `gorm:"size:500" json:"description,omitempty"`
	IndexID     *string   `gorm:"column:index_id;size:128" json:"index_id,omitempty"`
	CreatedBy   uint64    `gorm:"not null;index" json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Workspace) TableName() string {
	return "workspaces"
}

// Project is a legacy grouping tier kept as the lowest-precedence
// grounding scope. New knowledge lands on workspaces or threads.
type Project struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	WorkspaceID uint64    `gorm:"not null;index" json:"workspace_id"`
	Name        string    `gorm:"size:120;not null" json:"name"`
	IndexID     *string   `gorm:"column:index_id;size:128" json:"index_id,omitempty"`
	CreatedBy   uint64    `gorm:"not null" json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Project) TableName() string {
	return "projects"
}

// Thread is a single conversation. Its index holds documents uploaded
// inside this one conversation.
type Thread struct {
	ID          uint64     `gorm:"primaryKey" json:"id"`
	WorkspaceID uint64     `gorm:"not null;index" json:"workspace_id"`
	ProjectID   *uint64    `gorm:"index" json:"project_id,omitempty"`
	Title       string     `gorm:"size:200;not null" json:"title"`
	IndexID     *string    `gorm:"column:index_id;size:128" json:"index_id,omitempty"`
	Status      string     `gorm:"size:16;not null;default:'active'" json:"status"`
	LastMsgAt   *time.Time `json:"last_msg_at,omitempty"`
	CreatedBy   uint64     `gorm:"not null;index" json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Thread) TableName() string {
	return "threads"
}
