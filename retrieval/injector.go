package retrieval

import (
	"context"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
)

const (
	defaultMaxInjectChars = 4000

	excerptBlockHeader = "Relevant excerpts from the user's knowledge:"
)

// Injector turns index hits into a bounded excerpt block appended to the
// model-facing copy of a message. The user-visible text is never touched;
// callers keep the original and send Augmented.MessageForModel to the model.
type Injector struct {
	store    IndexStore
	maxChars int
}

// Augmented is the result of a retrieval pass over one message.
type Augmented struct {
	MessageForModel string
	Excerpts        []Excerpt
}

// NewInjectorFromEnv builds an Injector. RETRIEVAL_MAX_INJECT_CHARS bounds
// the combined size of injected excerpt text.
func NewInjectorFromEnv(store IndexStore) *Injector {
	maxChars := defaultMaxInjectChars
	if raw := strings.TrimSpace(os.Getenv("RETRIEVAL_MAX_INJECT_CHARS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxChars = parsed
		}
	}
	return &Injector{store: store, maxChars: maxChars}
}

// Augment queries the index and appends the capped excerpt block to the
// outgoing message. A blank index id, an empty result, or a query failure
// all yield the original message unchanged; retrieval never blocks a send.
func (i *Injector) Augment(ctx context.Context, userMessage string, indexID string, query string) Augmented {
	unaugmented := Augmented{MessageForModel: userMessage}
	if i == nil || i.store == nil {
		return unaugmented
	}
	indexID = strings.TrimSpace(indexID)
	if indexID == "" {
		return unaugmented
	}

	hits, err := i.store.Query(ctx, indexID, query)
	if err != nil {
		log.Printf("retrieval: query index %s failed, sending unaugmented: %v", indexID, err)
		return unaugmented
	}
	if len(hits) == 0 {
		return unaugmented
	}

	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })

	used := make([]Excerpt, 0, len(hits))
	var block strings.Builder
	budget := i.maxChars
	if budget <= 0 {
		budget = defaultMaxInjectChars
	}

	for _, hit := range hits {
		if block.Len()+len(hit.Text) > budget {
			break
		}
		block.WriteString("\n- ")
		if hit.SourceRef != "" {
			block.WriteString("[")
			block.WriteString(hit.SourceRef)
			block.WriteString("] ")
		}
		block.WriteString(hit.Text)
		used = append(used, hit)
	}
	if len(used) == 0 {
		return unaugmented
	}

	var out strings.Builder
	out.WriteString(userMessage)
	out.WriteString("\n\n---\n")
	out.WriteString(excerptBlockHeader)
	out.WriteString(block.String())

	return Augmented{MessageForModel: out.String(), Excerpts: used}
}
