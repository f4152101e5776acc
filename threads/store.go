package threads

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"glossa_back/retrieval"

	"gorm.io/gorm"
)

// Store exposes the owner records to the retrieval pipeline. It implements
// retrieval.OwnerStore.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

func (s *Store) ownerModel(scope retrieval.Scope) (interface{}, error) {
	switch scope {
	case retrieval.ScopeWorkspace:
		return &Workspace{}, nil
	case retrieval.ScopeThread:
		return &Thread{}, nil
	case retrieval.ScopeProject:
		return &Project{}, nil
	default:
		return nil, fmt.Errorf("threads: unknown scope %q", scope)
	}
}

// IndexID returns the persisted index id for the owner, or "" when the owner
// has no index yet.
func (s *Store) IndexID(ctx context.Context, scope retrieval.Scope, ownerID uint64) (string, error) {
	model, err := s.ownerModel(scope)
	if err != nil {
		return "", err
	}

	var ids []*string
	if err := s.db.WithContext(ctx).
		Model(model).
		Where("id = ?", ownerID).
		Pluck("index_id", &ids).Error; err != nil {
		return "", err
	}
	if len(ids) == 0 || ids[0] == nil {
		return "", nil
	}
	return strings.TrimSpace(*ids[0]), nil
}

// PersistIndexID writes the index id onto the owner record unless another
// id landed there first, in which case the earlier id wins and is returned.
func (s *Store) PersistIndexID(ctx context.Context, scope retrieval.Scope, ownerID uint64, indexID string) (string, error) {
	model, err := s.ownerModel(scope)
	if err != nil {
		return "", err
	}

	indexID = strings.TrimSpace(indexID)
	if indexID == "" {
		return "", errors.New("threads: index id cannot be empty")
	}

	result := s.db.WithContext(ctx).
		Model(model).
		Where("id = ? AND (index_id IS NULL OR index_id = '')", ownerID).
		Update("index_id", indexID)
	if result.Error != nil {
		return "", result.Error
	}
	if result.RowsAffected > 0 {
		return indexID, nil
	}

	// Either the owner row is gone or a concurrent ensure won the write.
	current, err := s.IndexID(ctx, scope, ownerID)
	if err != nil {
		return "", err
	}
	if current == "" {
		return "", fmt.Errorf("threads: %s %d not found", scope, ownerID)
	}
	return current, nil
}

// ThreadRefs collects the thread's owning scopes and their index ids in one
// round of lookups.
func (s *Store) ThreadRefs(ctx context.Context, threadID uint64) (retrieval.ThreadRefs, error) {
	var thread Thread
	if err := s.db.WithContext(ctx).Where("id = ?", threadID).Take(&thread).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return retrieval.ThreadRefs{}, retrieval.ErrOwnerNotFound
		}
		return retrieval.ThreadRefs{}, err
	}

	refs := retrieval.ThreadRefs{
		ThreadID:    thread.ID,
		WorkspaceID: thread.WorkspaceID,
		ProjectID:   thread.ProjectID,
	}
	if thread.IndexID != nil {
		refs.ThreadIndexID = strings.TrimSpace(*thread.IndexID)
	}

	var workspace Workspace
	err := s.db.WithContext(ctx).Where("id = ?", thread.WorkspaceID).Take(&workspace).Error
	if err == nil && workspace.IndexID != nil {
		refs.WorkspaceIndexID = strings.TrimSpace(*workspace.IndexID)
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return retrieval.ThreadRefs{}, err
	}

	if thread.ProjectID != nil {
		var project Project
		err := s.db.WithContext(ctx).Where("id = ?", *thread.ProjectID).Take(&project).Error
		if err == nil && project.IndexID != nil {
			refs.ProjectIndexID = strings.TrimSpace(*project.IndexID)
		} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return retrieval.ThreadRefs{}, err
		}
	}

	return refs, nil
}

// OwnerExists reports whether the owner record is persisted. Lifecycle ensure
// refuses to create indexes for owners that do not exist.
func (s *Store) OwnerExists(ctx context.Context, scope retrieval.Scope, ownerID uint64) (bool, error) {
	model, err := s.ownerModel(scope)
	if err != nil {
		return false, err
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(model).Where("id = ?", ownerID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
