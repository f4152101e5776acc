package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndexStore struct {
	createID    string
	createErr   error
	createCalls int

	uploadErr error
	uploads   []string

	hits     []Excerpt
	queryErr error
	queries  []string
}

func (f *fakeIndexStore) Create(ctx context.Context, name string) (string, error) {
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.createID != "" {
		return f.createID, nil
	}
	return fmt.Sprintf("idx-%d", f.createCalls), nil
}

func (f *fakeIndexStore) Upload(ctx context.Context, indexID string, file io.Reader, filename string) error {
	f.uploads = append(f.uploads, filename)
	return f.uploadErr
}

func (f *fakeIndexStore) Query(ctx context.Context, indexID string, queryText string) ([]Excerpt, error) {
	f.queries = append(f.queries, queryText)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.hits, nil
}

type fakeOwnerStore struct {
	exists     bool
	existsErr  error
	indexIDs   map[string]string
	indexErr   error
	persistErr error
	// persistWinner, when set, simulates a concurrent ensure that stored
	// its id first.
	persistWinner string

	refs    ThreadRefs
	refsErr error
}

func ownerKey(scope Scope, ownerID uint64) string {
	return fmt.Sprintf("%s/%d", scope, ownerID)
}

func (f *fakeOwnerStore) OwnerExists(ctx context.Context, scope Scope, ownerID uint64) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeOwnerStore) IndexID(ctx context.Context, scope Scope, ownerID uint64) (string, error) {
	if f.indexErr != nil {
		return "", f.indexErr
	}
	return f.indexIDs[ownerKey(scope, ownerID)], nil
}

func (f *fakeOwnerStore) PersistIndexID(ctx context.Context, scope Scope, ownerID uint64, indexID string) (string, error) {
	if f.persistErr != nil {
		return "", f.persistErr
	}
	if f.persistWinner != "" {
		return f.persistWinner, nil
	}
	if f.indexIDs == nil {
		f.indexIDs = make(map[string]string)
	}
	key := ownerKey(scope, ownerID)
	if existing := f.indexIDs[key]; existing != "" {
		return existing, nil
	}
	f.indexIDs[key] = indexID
	return indexID, nil
}

func (f *fakeOwnerStore) ThreadRefs(ctx context.Context, threadID uint64) (ThreadRefs, error) {
	return f.refs, f.refsErr
}

func TestEnsureIndexCreatesAndPersists(t *testing.T) {
	store := &fakeIndexStore{createID: "idx-new"}
	owners := &fakeOwnerStore{exists: true}
	lifecycle := NewLifecycle(store, owners)

	idx := lifecycle.EnsureIndex(context.Background(), ScopeThread, 42)
	require.NotNil(t, idx)
	assert.Equal(t, "idx-new", idx.ID)
	assert.Equal(t, ScopeThread, idx.Scope)
	assert.Equal(t, uint64(42), idx.OwnerID)
	assert.Equal(t, 1, store.createCalls)
	assert.Equal(t, "idx-new", owners.indexIDs[ownerKey(ScopeThread, 42)])
}

func TestEnsureIndexIsIdempotent(t *testing.T) {
	store := &fakeIndexStore{createID: "idx-once"}
	owners := &fakeOwnerStore{exists: true}
	lifecycle := NewLifecycle(store, owners)

	first := lifecycle.EnsureIndex(context.Background(), ScopeWorkspace, 7)
	second := lifecycle.EnsureIndex(context.Background(), ScopeWorkspace, 7)

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, store.createCalls, "second ensure must not create again")
}

func TestEnsureIndexReturnsExistingWithoutRemoteCall(t *testing.T) {
	store := &fakeIndexStore{}
	owners := &fakeOwnerStore{
		exists:   true,
		indexIDs: map[string]string{ownerKey(ScopeThread, 5): "idx-existing"},
	}
	lifecycle := NewLifecycle(store, owners)

	idx := lifecycle.EnsureIndex(context.Background(), ScopeThread, 5)
	require.NotNil(t, idx)
	assert.Equal(t, "idx-existing", idx.ID)
	assert.Zero(t, store.createCalls)
}

func TestEnsureIndexInvalidInputs(t *testing.T) {
	store := &fakeIndexStore{}
	owners := &fakeOwnerStore{exists: true}
	lifecycle := NewLifecycle(store, owners)

	assert.Nil(t, lifecycle.EnsureIndex(context.Background(), Scope("bogus"), 1))
	assert.Nil(t, lifecycle.EnsureIndex(context.Background(), ScopeThread, 0))
	assert.Zero(t, store.createCalls)
}

func TestEnsureIndexMissingOwner(t *testing.T) {
	store := &fakeIndexStore{}
	owners := &fakeOwnerStore{exists: false}
	lifecycle := NewLifecycle(store, owners)

	assert.Nil(t, lifecycle.EnsureIndex(context.Background(), ScopeThread, 9))
	assert.Zero(t, store.createCalls)
}

func TestEnsureIndexCreateFailure(t *testing.T) {
	store := &fakeIndexStore{createErr: errors.New("service down")}
	owners := &fakeOwnerStore{exists: true}
	lifecycle := NewLifecycle(store, owners)

	assert.Nil(t, lifecycle.EnsureIndex(context.Background(), ScopeWorkspace, 3))
	assert.Equal(t, 1, store.createCalls)
}

func TestEnsureIndexPersistFailure(t *testing.T) {
	store := &fakeIndexStore{createID: "idx-lost"}
	owners := &fakeOwnerStore{exists: true, persistErr: errors.New("db down")}
	lifecycle := NewLifecycle(store, owners)

	assert.Nil(t, lifecycle.EnsureIndex(context.Background(), ScopeThread, 11))
}

func TestEnsureIndexConcurrentPersistWinnerPreferred(t *testing.T) {
	store := &fakeIndexStore{createID: "idx-loser"}
	owners := &fakeOwnerStore{exists: true, persistWinner: "idx-winner"}
	lifecycle := NewLifecycle(store, owners)

	idx := lifecycle.EnsureIndex(context.Background(), ScopeThread, 13)
	require.NotNil(t, idx)
	assert.Equal(t, "idx-winner", idx.ID)
}
