// Package rag defines the retrieval interface used to ground agent replies
// in a knowledge base.
//
// Retrieval runs speculatively during the silence debounce window and is
// strictly budgeted: the turn controller wraps Retrieve in a short timeout
// and proceeds without context when the budget is exceeded. Implementations
// must honour ctx cancellation promptly.
package rag

import (
	"context"
	"fmt"
	"strings"
)

// Snippet is a single retrieved knowledge-base fragment.
type Snippet struct {
	// ID identifies the snippet in the underlying index.
	ID string

	// Content is the snippet text injected into the prompt.
	Content string

	// Similarity is the cosine similarity of the snippet to the query,
	// in [0,1] (1 = identical direction).
	Similarity float64
}

// Retriever finds the snippets most relevant to a query.
type Retriever interface {
	// Retrieve returns up to topK snippets ordered by descending similarity.
	// An empty result is not an error.
	Retrieve(ctx context.Context, query string, topK int) ([]Snippet, error)
}

// FormatContext renders snippets into the prompt block appended to the
// system prompt. Returns "" when there are no snippets.
func FormatContext(snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant context:\n")
	for i, s := range snippets {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(s.Content))
	}
	return b.String()
}
