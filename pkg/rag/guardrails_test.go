package rag

import (
	"strings"
	"testing"
)

func TestGuardrailsSimilarityFloor(t *testing.T) {
	t.Parallel()

	g := Guardrails{MinSimilarity: 0.7}
	out := g.Apply([]Snippet{
		{ID: "a", Content: "above the floor", Similarity: 0.9},
		{ID: "b", Content: "below the floor", Similarity: 0.5},
	})
	if len(out) != 1 {
		t.Fatalf("want 1 snippet, got %d", len(out))
	}
	if out[0].ID != "a" {
		t.Errorf("want snippet a, got %q", out[0].ID)
	}
}

func TestGuardrailsDropsNearDuplicates(t *testing.T) {
	t.Parallel()

	g := Guardrails{MinSimilarity: 0.1}
	out := g.Apply([]Snippet{
		{ID: "a", Content: "The store opens at nine in the morning.", Similarity: 0.95},
		{ID: "b", Content: "The store opens at nine in the morning!", Similarity: 0.90},
		{ID: "c", Content: "Returns are accepted within thirty days.", Similarity: 0.85},
	})
	if len(out) != 2 {
		t.Fatalf("want 2 snippets, got %d: %+v", len(out), out)
	}
	if out[0].ID != "a" || out[1].ID != "c" {
		t.Errorf("want [a c], got [%s %s]", out[0].ID, out[1].ID)
	}
}

func TestGuardrailsContextBudget(t *testing.T) {
	t.Parallel()

	g := Guardrails{MinSimilarity: 0.1, MaxContextChars: 20}
	out := g.Apply([]Snippet{
		{ID: "a", Content: "short one", Similarity: 0.9},                     // 9 chars, kept
		{ID: "b", Content: "this one is far too long to fit", Similarity: 0.8}, // over budget
		{ID: "c", Content: "tiny", Similarity: 0.7},                          // 4 chars, still fits
	})
	ids := make([]string, len(out))
	for i, s := range out {
		ids[i] = s.ID
	}
	if strings.Join(ids, " ") != "a c" {
		t.Errorf("want [a c], got %v", ids)
	}
}

func TestGuardrailsSkipsEmptyContent(t *testing.T) {
	t.Parallel()

	g := Guardrails{MinSimilarity: 0.1}
	out := g.Apply([]Snippet{
		{ID: "a", Content: "   ", Similarity: 0.9},
		{ID: "b", Content: "real content", Similarity: 0.8},
	})
	if len(out) != 1 || out[0].ID != "b" {
		t.Errorf("want only b, got %+v", out)
	}
}

func TestEditSimilarity(t *testing.T) {
	t.Parallel()

	if got := editSimilarity("same", "same"); got != 1.0 {
		t.Errorf("identical: want 1.0, got %v", got)
	}
	if got := editSimilarity("Same", "same"); got != 1.0 {
		t.Errorf("case-insensitive: want 1.0, got %v", got)
	}
	if got := editSimilarity("abcd", "wxyz"); got != 0.0 {
		t.Errorf("fully different: want 0.0, got %v", got)
	}
	got := editSimilarity("kitten", "sitten")
	want := 1.0 - 1.0/6.0
	if got < want-0.001 || got > want+0.001 {
		t.Errorf("one edit in six: want %v, got %v", want, got)
	}
}

func TestFormatContext(t *testing.T) {
	t.Parallel()

	if got := FormatContext(nil); got != "" {
		t.Errorf("empty snippets: want empty string, got %q", got)
	}

	got := FormatContext([]Snippet{
		{Content: "First fact."},
		{Content: "Second fact."},
	})
	if !strings.Contains(got, "1. First fact.") || !strings.Contains(got, "2. Second fact.") {
		t.Errorf("context block malformed: %q", got)
	}
	if !strings.HasPrefix(got, "Relevant context:") {
		t.Errorf("missing header: %q", got)
	}
}
