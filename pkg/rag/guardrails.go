package rag

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Guardrail defaults.
const (
	// DefaultMinSimilarity drops snippets whose cosine similarity to the
	// query falls below this floor.
	DefaultMinSimilarity = 0.65

	// DefaultMaxContextChars caps the combined snippet length injected into
	// the prompt. Retrieval context competes with conversation history for
	// the model's attention in a latency-bound reply.
	DefaultMaxContextChars = 2000

	// duplicateRatio is the normalised edit-distance similarity above which
	// two snippets are considered near-duplicates.
	duplicateRatio = 0.9
)

// Guardrails filters retrieved snippets before they reach the prompt.
type Guardrails struct {
	// MinSimilarity is the similarity floor. Zero means DefaultMinSimilarity.
	MinSimilarity float64

	// MaxContextChars caps the combined content length of the kept snippets.
	// Zero means DefaultMaxContextChars.
	MaxContextChars int
}

// Apply returns the snippets that pass the similarity floor, are not
// near-duplicates of an already-kept snippet, and fit the context budget.
// Input order (descending similarity) is preserved.
func (g Guardrails) Apply(snippets []Snippet) []Snippet {
	minSim := g.MinSimilarity
	if minSim == 0 {
		minSim = DefaultMinSimilarity
	}
	budget := g.MaxContextChars
	if budget == 0 {
		budget = DefaultMaxContextChars
	}

	kept := make([]Snippet, 0, len(snippets))
	used := 0
	for _, s := range snippets {
		if s.Similarity < minSim {
			continue
		}
		content := strings.TrimSpace(s.Content)
		if content == "" {
			continue
		}
		if used+len(content) > budget {
			continue
		}
		if isNearDuplicate(content, kept) {
			continue
		}
		s.Content = content
		kept = append(kept, s)
		used += len(content)
	}
	return kept
}

// isNearDuplicate reports whether content is almost identical to any
// already-kept snippet, by normalised Levenshtein similarity.
func isNearDuplicate(content string, kept []Snippet) bool {
	for _, k := range kept {
		if editSimilarity(content, k.Content) >= duplicateRatio {
			return true
		}
	}
	return false
}

// editSimilarity returns 1 - dist/maxLen, where dist is the Levenshtein
// distance between the lowercased inputs. Identical strings score 1.0.
func editSimilarity(a, b string) float64 {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if a == b {
		return 1.0
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1.0
	}
	dist := matchr.Levenshtein(a, b)
	return 1.0 - float64(dist)/float64(longest)
}
