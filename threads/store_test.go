package threads

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"glossa_back/retrieval"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:threads_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Workspace{}, &Project{}, &Thread{}))
	return db
}

func strPtr(s string) *string { return &s }

func TestPersistIndexIDFirstWriteWins(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	thread := Thread{WorkspaceID: 1, Title: "t", CreatedBy: 1}
	require.NoError(t, db.Create(&thread).Error)

	got, err := store.PersistIndexID(ctx, retrieval.ScopeThread, thread.ID, "idx-first")
	require.NoError(t, err)
	assert.Equal(t, "idx-first", got)

	// A later write must not overwrite the persisted id.
	got, err = store.PersistIndexID(ctx, retrieval.ScopeThread, thread.ID, "idx-second")
	require.NoError(t, err)
	assert.Equal(t, "idx-first", got)

	id, err := store.IndexID(ctx, retrieval.ScopeThread, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "idx-first", id)
}

func TestPersistIndexIDMissingOwner(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)

	_, err := store.PersistIndexID(context.Background(), retrieval.ScopeThread, 999, "idx-x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPersistIndexIDRejectsBlank(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)

	_, err := store.PersistIndexID(context.Background(), retrieval.ScopeWorkspace, 1, "   ")
	assert.Error(t, err)
}

func TestIndexIDReadsPersistedValue(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	workspace := Workspace{Name: "w", CreatedBy: 1, IndexID: strPtr("  ws-idx  ")}
	require.NoError(t, db.Create(&workspace).Error)

	id, err := store.IndexID(ctx, retrieval.ScopeWorkspace, workspace.ID)
	require.NoError(t, err)
	assert.Equal(t, "ws-idx", id)
}

func TestIndexIDMissingOwner(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)

	id, err := store.IndexID(context.Background(), retrieval.ScopeThread, 999)
	require.NoError(t, err, "an absent owner is not a read error")
	assert.Empty(t, id)
}

func TestIndexIDUnsetOwner(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	workspace := Workspace{Name: "w", CreatedBy: 1}
	require.NoError(t, db.Create(&workspace).Error)

	id, err := store.IndexID(ctx, retrieval.ScopeWorkspace, workspace.ID)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestThreadRefsCollectsAllScopes(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	workspace := Workspace{Name: "w", CreatedBy: 1, IndexID: strPtr("ws-idx")}
	require.NoError(t, db.Create(&workspace).Error)

	project := Project{WorkspaceID: workspace.ID, Name: "p", CreatedBy: 1, IndexID: strPtr("pr-idx")}
	require.NoError(t, db.Create(&project).Error)

	thread := Thread{
		WorkspaceID: workspace.ID,
		ProjectID:   &project.ID,
		Title:       "t",
		CreatedBy:   1,
		IndexID:     strPtr("th-idx"),
	}
	require.NoError(t, db.Create(&thread).Error)

	refs, err := store.ThreadRefs(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.ID, refs.ThreadID)
	assert.Equal(t, workspace.ID, refs.WorkspaceID)
	assert.Equal(t, "ws-idx", refs.WorkspaceIndexID)
	assert.Equal(t, "th-idx", refs.ThreadIndexID)
	assert.Equal(t, "pr-idx", refs.ProjectIndexID)
}

func TestThreadRefsWithoutIndexes(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	workspace := Workspace{Name: "w", CreatedBy: 1}
	require.NoError(t, db.Create(&workspace).Error)
	thread := Thread{WorkspaceID: workspace.ID, Title: "t", CreatedBy: 1}
	require.NoError(t, db.Create(&thread).Error)

	refs, err := store.ThreadRefs(ctx, thread.ID)
	require.NoError(t, err)
	assert.Empty(t, refs.WorkspaceIndexID)
	assert.Empty(t, refs.ThreadIndexID)
	assert.Empty(t, refs.ProjectIndexID)
	assert.Equal(t, "", retrieval.ResolveIndex(refs.RetrievalContext("q", nil)))
}

func TestThreadRefsUnknownThread(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)

	_, err := store.ThreadRefs(context.Background(), 12345)
	assert.ErrorIs(t, err, retrieval.ErrOwnerNotFound)
}

func TestOwnerExists(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	workspace := Workspace{Name: "w", CreatedBy: 1}
	require.NoError(t, db.Create(&workspace).Error)

	exists, err := store.OwnerExists(ctx, retrieval.ScopeWorkspace, workspace.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.OwnerExists(ctx, retrieval.ScopeWorkspace, workspace.ID+1)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.OwnerExists(ctx, retrieval.Scope("bogus"), 1)
	assert.Error(t, err)
}
