package resilience

import (
	"context"

	"github.com/voicewire/voicewire/pkg/rag"
)

// GuardedRetriever wraps a [rag.Retriever] with a circuit breaker so that a
// failing knowledge backend degrades to context-free replies instead of
// charging the retrieval budget on every turn.
type GuardedRetriever struct {
	inner   rag.Retriever
	breaker *Breaker
}

var _ rag.Retriever = (*GuardedRetriever)(nil)

// GuardRetriever wraps inner with a breaker built from cfg. An empty
// cfg.Name defaults to "rag".
func GuardRetriever(inner rag.Retriever, cfg BreakerConfig) *GuardedRetriever {
	if cfg.Name == "" {
		cfg.Name = "rag"
	}
	return &GuardedRetriever{inner: inner, breaker: NewBreaker(cfg)}
}

// Retrieve forwards to the inner retriever. While the breaker is open it
// fails immediately with [ErrOpen]; the caller already treats retrieval
// errors as "proceed without context".
func (g *GuardedRetriever) Retrieve(ctx context.Context, query string, topK int) ([]rag.Snippet, error) {
	var snippets []rag.Snippet
	err := g.breaker.Do(func() error {
		var err error
		snippets, err = g.inner.Retrieve(ctx, query, topK)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snippets, nil
}

// State exposes the breaker state for health reporting.
func (g *GuardedRetriever) State() State {
	return g.breaker.State()
}
