package retrieval

import (
	"context"
	"log"
	"time"
)

// Lifecycle lazily creates knowledge indexes and binds them to their owner
// records. Idempotency is best-effort: once an id is persisted every later
// EnsureIndex call returns it without touching the remote service, but two
// racing first calls may each create a remote index; the first persist wins
// and the loser's index is abandoned (logged, never surfaced).
type Lifecycle struct {
	store  IndexStore
	owners OwnerStore
}

func NewLifecycle(store IndexStore, owners OwnerStore) *Lifecycle {
	return &Lifecycle{store: store, owners: owners}
}

// EnsureIndex returns the owner's knowledge index, creating and persisting
// it on first use. A nil result means no grounding is available for this
// scope; failures are logged and never abort the caller's turn.
func (l *Lifecycle) EnsureIndex(ctx context.Context, scope Scope, ownerID uint64) *Index {
	if l == nil || l.store == nil || l.owners == nil {
		return nil
	}
	if !scope.Valid() || ownerID == 0 {
		log.Printf("retrieval: ensure called with invalid owner (%s, %d)", scope, ownerID)
		return nil
	}

	existing, err := l.owners.IndexID(ctx, scope, ownerID)
	if err != nil {
		log.Printf("retrieval: look up index id for %s %d failed: %v", scope, ownerID, err)
		return nil
	}
	if existing != "" {
		return &Index{ID: existing, Scope: scope, OwnerID: ownerID}
	}

	exists, err := l.owners.OwnerExists(ctx, scope, ownerID)
	if err != nil {
		log.Printf("retrieval: check %s %d failed: %v", scope, ownerID, err)
		return nil
	}
	if !exists {
		log.Printf("retrieval: refusing to create index for missing %s %d", scope, ownerID)
		return nil
	}

	created, err := l.store.Create(ctx, scope.IndexName(ownerID))
	if err != nil {
		log.Printf("retrieval: create index for %s %d failed: %v", scope, ownerID, err)
		return nil
	}

	persisted, err := l.owners.PersistIndexID(ctx, scope, ownerID, created)
	if err != nil {
		// Without a persisted id the next ensure would create another remote
		// index, so the turn proceeds ungrounded instead.
		log.Printf("retrieval: persist index id for %s %d failed: %v", scope, ownerID, err)
		return nil
	}
	if persisted != created {
		log.Printf("retrieval: concurrent ensure won for %s %d; abandoning index %s", scope, ownerID, created)
	}

	return &Index{ID: persisted, Scope: scope, OwnerID: ownerID, CreatedAt: time.Now().UTC()}
}
