package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/rag"
)

// flakyRetriever fails a scripted number of calls, then succeeds.
type flakyRetriever struct {
	failures int
	calls    int
}

func (f *flakyRetriever) Retrieve(_ context.Context, _ string, _ int) ([]rag.Snippet, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("backend down")
	}
	return []rag.Snippet{{ID: "s1", Content: "opening hours", Similarity: 0.9}}, nil
}

func TestGuardedRetrieverPassesThrough(t *testing.T) {
	t.Parallel()

	g := GuardRetriever(&flakyRetriever{}, BreakerConfig{Threshold: 2})
	snips, err := g.Retrieve(context.Background(), "hours", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(snips) != 1 || snips[0].ID != "s1" {
		t.Fatalf("unexpected snippets: %+v", snips)
	}
}

func TestGuardedRetrieverSkipsWhileOpen(t *testing.T) {
	t.Parallel()

	inner := &flakyRetriever{failures: 100}
	g := GuardRetriever(inner, BreakerConfig{Threshold: 2, Cooldown: time.Hour})

	for i := 0; i < 2; i++ {
		if _, err := g.Retrieve(context.Background(), "q", 3); err == nil {
			t.Fatal("want error from failing backend")
		}
	}
	if got := g.State(); got != Open {
		t.Fatalf("want open breaker, got %v", got)
	}

	before := inner.calls
	if _, err := g.Retrieve(context.Background(), "q", 3); !errors.Is(err, ErrOpen) {
		t.Fatalf("want ErrOpen, got %v", err)
	}
	if inner.calls != before {
		t.Error("open breaker must not reach the backend")
	}
}

func TestGuardedRetrieverRecovers(t *testing.T) {
	t.Parallel()

	inner := &flakyRetriever{failures: 2}
	g := GuardRetriever(inner, BreakerConfig{Threshold: 2, Cooldown: 5 * time.Millisecond, Probes: 1})

	for i := 0; i < 2; i++ {
		_, _ = g.Retrieve(context.Background(), "q", 3)
	}
	time.Sleep(10 * time.Millisecond)

	snips, err := g.Retrieve(context.Background(), "q", 3)
	if err != nil {
		t.Fatalf("Retrieve after cooldown: %v", err)
	}
	if len(snips) != 1 {
		t.Fatalf("want recovered snippets, got %+v", snips)
	}
	if got := g.State(); got != Closed {
		t.Fatalf("want closed after probe success, got %v", got)
	}
}
