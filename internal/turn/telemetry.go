package turn

import "time"

// latencyWindowSize bounds the rolling average of turn latencies.
const latencyWindowSize = 20

// Snapshot is a point-in-time view of the session's telemetry, shaped like
// the telemetry wire message.
type Snapshot struct {
	CancellationRate  float64
	AvgDebounceMS     float64
	TurnLatencyMS     int64
	TotalTurns        int
	TokensWasted      int
	InterruptionCount int
}

// Telemetry accumulates per-session counters. Not safe for concurrent use;
// owned by the controller's event loop.
type Telemetry struct {
	completedTurns      int
	speculationAttempts int
	speculativeCancels  int
	interruptions       int
	tokensWasted        int

	latencies       []int64
	debounceSamples []time.Duration
}

// RecordTurn records a turn that ran to completion, with its commit latency
// and the debounce that was in effect. Interrupted and failed turns go
// through RecordFailure instead so total_turns means finished replies.
func (t *Telemetry) RecordTurn(latencyMS int64, debounce time.Duration) {
	t.completedTurns++
	t.speculationAttempts++
	if latencyMS > 0 {
		t.latencies = append(t.latencies, latencyMS)
		if len(t.latencies) > latencyWindowSize {
			t.latencies = t.latencies[len(t.latencies)-latencyWindowSize:]
		}
	}
	t.debounceSamples = append(t.debounceSamples, debounce)
	if len(t.debounceSamples) > latencyWindowSize {
		t.debounceSamples = t.debounceSamples[len(t.debounceSamples)-latencyWindowSize:]
	}
}

// RecordCancel records a speculation attempt that was silently canceled.
func (t *Telemetry) RecordCancel() {
	t.speculationAttempts++
	t.speculativeCancels++
}

// RecordFailure records a turn that committed but did not complete: a
// barge-in or a provider failure. It counts toward the cancellation-rate
// denominator without inflating completed-turn figures.
func (t *Telemetry) RecordFailure() {
	t.speculationAttempts++
}

// RecordInterruption records a user barge-in.
func (t *Telemetry) RecordInterruption() { t.interruptions++ }

// AddWastedTokens adds n to the wasted-token estimate.
func (t *Telemetry) AddWastedTokens(n int) {
	if n > 0 {
		t.tokensWasted += n
	}
}

// CompletedTurns returns the number of turns that ran to completion.
func (t *Telemetry) CompletedTurns() int { return t.completedTurns }

// Snapshot returns the current telemetry view.
func (t *Telemetry) Snapshot() Snapshot {
	attempts := t.speculationAttempts
	if attempts < 1 {
		attempts = 1
	}

	var avgLatency int64
	if len(t.latencies) > 0 {
		var sum int64
		for _, l := range t.latencies {
			sum += l
		}
		avgLatency = sum / int64(len(t.latencies))
	}

	var avgDebounce float64
	if len(t.debounceSamples) > 0 {
		var sum time.Duration
		for _, d := range t.debounceSamples {
			sum += d
		}
		avgDebounce = float64(sum.Milliseconds()) / float64(len(t.debounceSamples))
	}

	return Snapshot{
		CancellationRate:  float64(t.speculativeCancels) / float64(attempts),
		AvgDebounceMS:     avgDebounce,
		TurnLatencyMS:     avgLatency,
		TotalTurns:        t.completedTurns,
		TokensWasted:      t.tokensWasted,
		InterruptionCount: t.interruptions,
	}
}
