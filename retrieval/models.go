package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Scope identifies the ownership tier of a knowledge index. A turn is
// grounded against exactly one scope, chosen by ResolveIndex.
type Scope string

const (
	ScopeWorkspace Scope = "workspace"
	ScopeThread    Scope = "thread"
	ScopeProject   Scope = "project"
)

// Valid reports whether the scope is one of the known tiers.
func (s Scope) Valid() bool {
	switch s {
	case ScopeWorkspace, ScopeThread, ScopeProject:
		return true
	default:
		return false
	}
}

// IndexName derives the deterministic human-readable label used when the
// remote index for this owner is created.
func (s Scope) IndexName(ownerID uint64) string {
	switch s {
	case ScopeWorkspace:
		return fmt.Sprintf("Workspace-%d", ownerID)
	case ScopeThread:
		return fmt.Sprintf("Thread-%d", ownerID)
	case ScopeProject:
		return fmt.Sprintf("Project-%d", ownerID)
	default:
		return fmt.Sprintf("Index-%d", ownerID)
	}
}

// Index describes a remote knowledge index bound to an owner record.
type Index struct {
	ID        string    `json:"id"`
	Scope     Scope     `json:"scope"`
	OwnerID   uint64    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Context carries the per-message retrieval inputs. The three index ids are
// independent; any subset may be blank.
type Context struct {
	WorkspaceIndexID string
	ThreadIndexID    string
	ProjectIndexID   string
	Query            string
	ImageURLs        []string
}

// Excerpt is a ranked snippet returned by a knowledge-index query.
type Excerpt struct {
	Text      string  `json:"text"`
	SourceRef string  `json:"source_ref"`
	Score     float64 `json:"score"`
}

// ThreadRefs bundles a thread's owning scopes and their persisted index ids.
type ThreadRefs struct {
	ThreadID         uint64
	WorkspaceID      uint64
	ProjectID        *uint64
	WorkspaceIndexID string
	ThreadIndexID    string
	ProjectIndexID   string
}

// RetrievalContext builds the per-message context from the persisted refs.
func (r ThreadRefs) RetrievalContext(query string, imageURLs []string) Context {
	return Context{
		WorkspaceIndexID: r.WorkspaceIndexID,
		ThreadIndexID:    r.ThreadIndexID,
		ProjectIndexID:   r.ProjectIndexID,
		Query:            query,
		ImageURLs:        imageURLs,
	}
}

// ErrOwnerNotFound is returned by OwnerStore implementations when the owner
// record does not exist.
var ErrOwnerNotFound = errors.New("retrieval: owner record not found")

// OwnerStore is the persistence collaborator: it reads and writes the single
// nullable index_id field on workspace/thread/project records.
type OwnerStore interface {
	OwnerExists(ctx context.Context, scope Scope, ownerID uint64) (bool, error)
	IndexID(ctx context.Context, scope Scope, ownerID uint64) (string, error)
	// PersistIndexID stores indexID on the owner unless another id is already
	// persisted; the id actually on record afterwards is returned.
	PersistIndexID(ctx context.Context, scope Scope, ownerID uint64, indexID string) (string, error)
	ThreadRefs(ctx context.Context, threadID uint64) (ThreadRefs, error)
}

// IndexDocument records a document attached to an owner's knowledge index.
// Its presence is what makes a scope worth grounding against.
type IndexDocument struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	Scope       string    `gorm:"size:16;not null;index:idx_scope_owner" json:"scope"`
	OwnerID     uint64    `gorm:"not null;index:idx_scope_owner" json:"owner_id"`
	IndexID     string    `gorm:"size:128;not null" json:"index_id"`
	Filename    string    `gorm:"size:255;not null" json:"filename"`
	ContentType string    `gorm:"size:100" json:"content_type"`
	SizeBytes   int64     `gorm:"not null;default:0" json:"size_bytes"`
	ObjectKey   *string   `gorm:"size:255" json:"object_key,omitempty"`
	CreatedBy   uint64    `gorm:"not null;index" json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

func (IndexDocument) TableName() string {
	return "index_documents"
}
