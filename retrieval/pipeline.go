package retrieval

import (
	"context"
	"errors"
	"log"

	"gorm.io/gorm"
)

// Pipeline is the per-turn grounding path handed to the chat module:
// resolve the scope, repair a missing thread index if documents exist for
// it, query, and inject. Every failure degrades to an unaugmented message.
type Pipeline struct {
	owners    OwnerStore
	lifecycle *Lifecycle
	injector  *Injector
	db        *gorm.DB
}

// Grounding is what a chat turn gets back: the model-facing message plus
// the excerpts that were injected into it.
type Grounding struct {
	IndexID         string
	MessageForModel string
	Excerpts        []Excerpt
}

// GroundTurn resolves the thread's scopes and augments the outgoing message.
// userMessage doubles as the search query. The returned MessageForModel is
// always usable; on any failure it is simply the original message.
func (p *Pipeline) GroundTurn(ctx context.Context, threadID uint64, userMessage string) Grounding {
	fallback := Grounding{MessageForModel: userMessage}
	if p == nil || p.owners == nil {
		return fallback
	}

	refs, err := p.owners.ThreadRefs(ctx, threadID)
	if err != nil {
		if !errors.Is(err, ErrOwnerNotFound) {
			log.Printf("retrieval: load refs for thread %d failed: %v", threadID, err)
		}
		return fallback
	}

	rc := refs.RetrievalContext(userMessage, nil)
	indexID := ResolveIndex(rc)

	// A thread can have attached documents but no persisted index id, e.g.
	// when the persist after upload failed. Re-ensure before giving up.
	if indexID == "" && p.lifecycle != nil && p.hasDocuments(ctx, ScopeThread, threadID) {
		if idx := p.lifecycle.EnsureIndex(ctx, ScopeThread, threadID); idx != nil {
			indexID = idx.ID
		}
	}
	if indexID == "" {
		return fallback
	}

	augmented := p.injector.Augment(ctx, userMessage, indexID, rc.Query)
	return Grounding{
		IndexID:         indexID,
		MessageForModel: augmented.MessageForModel,
		Excerpts:        augmented.Excerpts,
	}
}

// Lifecycle exposes index ensure to flows outside the chat turn (uploads).
func (p *Pipeline) Lifecycle() *Lifecycle {
	if p == nil {
		return nil
	}
	return p.lifecycle
}

func (p *Pipeline) hasDocuments(ctx context.Context, scope Scope, ownerID uint64) bool {
	if p.db == nil {
		return false
	}
	var count int64
	err := p.db.WithContext(ctx).
		Model(&IndexDocument{}).
		Where("scope = ? AND owner_id = ?", string(scope), ownerID).
		Count(&count).Error
	if err != nil {
		log.Printf("retrieval: count documents for %s %d failed: %v", scope, ownerID, err)
		return false
	}
	return count > 0
}
