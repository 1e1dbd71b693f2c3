// Package mock provides a test double for the rag.Retriever interface.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voicewire/voicewire/pkg/rag"
)

// RetrieveCall records a single invocation of Retrieve.
type RetrieveCall struct {
	// Query is the query string passed to Retrieve.
	Query string
	// TopK is the limit passed to Retrieve.
	TopK int
}

// Retriever is a mock implementation of rag.Retriever.
type Retriever struct {
	mu sync.Mutex

	// Snippets is returned by Retrieve.
	Snippets []rag.Snippet

	// Err, if non-nil, is returned as the error from Retrieve.
	Err error

	// Delay, when positive, makes Retrieve sleep before returning — useful
	// for exercising the retrieval timeout. Retrieve still honours ctx
	// cancellation during the delay.
	Delay time.Duration

	// RetrieveCalls records every call in order.
	RetrieveCalls []RetrieveCall
}

// Retrieve records the call and returns Snippets, Err after Delay.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]rag.Snippet, error) {
	r.mu.Lock()
	r.RetrieveCalls = append(r.RetrieveCalls, RetrieveCall{Query: query, TopK: topK})
	snippets := make([]rag.Snippet, len(r.Snippets))
	copy(snippets, r.Snippets)
	err := r.Err
	delay := r.Delay
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return snippets, nil
}

// CallCount returns the number of Retrieve invocations. Thread-safe.
func (r *Retriever) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.RetrieveCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (r *Retriever) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RetrieveCalls = nil
}

// Ensure Retriever implements rag.Retriever at compile time.
var _ rag.Retriever = (*Retriever)(nil)
