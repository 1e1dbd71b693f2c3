package turn

import (
	"testing"
	"time"
)

func TestTelemetrySnapshot(t *testing.T) {
	t.Parallel()

	var tel Telemetry
	tel.RecordTurn(300, 400*time.Millisecond)
	tel.RecordTurn(500, 600*time.Millisecond)
	tel.RecordCancel()
	tel.RecordInterruption()
	tel.AddWastedTokens(42)
	tel.AddWastedTokens(-5) // ignored

	s := tel.Snapshot()
	if s.TotalTurns != 2 {
		t.Errorf("want 2 total turns, got %d", s.TotalTurns)
	}
	// 1 cancel over 3 attempts.
	if s.CancellationRate < 0.33 || s.CancellationRate > 0.34 {
		t.Errorf("want cancellation rate ~0.333, got %v", s.CancellationRate)
	}
	if s.TurnLatencyMS != 400 {
		t.Errorf("want avg latency 400ms, got %d", s.TurnLatencyMS)
	}
	if s.AvgDebounceMS != 500 {
		t.Errorf("want avg debounce 500ms, got %v", s.AvgDebounceMS)
	}
	if s.TokensWasted != 42 {
		t.Errorf("want 42 wasted tokens, got %d", s.TokensWasted)
	}
	if s.InterruptionCount != 1 {
		t.Errorf("want 1 interruption, got %d", s.InterruptionCount)
	}
}

func TestTelemetryFailuresDoNotCountAsCompleted(t *testing.T) {
	t.Parallel()

	var tel Telemetry
	tel.RecordTurn(300, 400*time.Millisecond)
	tel.RecordFailure() // barge-in
	tel.RecordFailure() // provider failure
	tel.RecordCancel()

	s := tel.Snapshot()
	if s.TotalTurns != 1 {
		t.Errorf("want 1 completed turn, got %d", s.TotalTurns)
	}
	// 1 cancel over 4 attempts: failures widen the denominator.
	if s.CancellationRate != 0.25 {
		t.Errorf("want cancellation rate 0.25, got %v", s.CancellationRate)
	}
}

func TestTelemetryEmptySnapshot(t *testing.T) {
	t.Parallel()

	var tel Telemetry
	s := tel.Snapshot()
	if s.CancellationRate != 0 || s.TurnLatencyMS != 0 || s.TotalTurns != 0 {
		t.Errorf("want zero snapshot, got %+v", s)
	}
}

func TestConversationHistoryBounded(t *testing.T) {
	t.Parallel()

	var h ConversationHistory
	for i := 0; i < 15; i++ {
		h.Add("user", "question")
		h.Add("assistant", "answer")
	}
	if h.Len() != historyMaxMessages {
		t.Errorf("want history capped at %d, got %d", historyMaxMessages, h.Len())
	}
	msgs := h.Messages()
	if msgs[len(msgs)-1].Role != "assistant" {
		t.Errorf("want most recent message last, got role %q", msgs[len(msgs)-1].Role)
	}
}
