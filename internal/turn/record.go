package turn

import "time"

// Outcome classifies how a turn ended.
type Outcome string

// Turn outcomes as persisted.
const (
	OutcomeCompleted             Outcome = "completed"
	OutcomeInterrupted           Outcome = "interrupted"
	OutcomeSpeculativelyCanceled Outcome = "speculatively_canceled"
	OutcomeLLMFailed             Outcome = "llm_failed"
	OutcomeTTSFailed             Outcome = "tts_failed"
	OutcomeSTTFailed             Outcome = "stt_failed"
)

// Record is the persisted view of one turn (or speculation attempt).
type Record struct {
	ID        string
	SessionID string
	StartedAt time.Time
	EndedAt   time.Time

	UserText  string
	AgentText string

	Outcome        Outcome
	WasInterrupted bool

	DebounceMS int
	LatencyMS  int64

	TokensPrompt     int
	TokensCompletion int
	TokensWasted     int

	Transitions []Change
}

// Recorder accepts turn records for persistence. Implementations must not
// block: the voice pipeline calls Record from its event loop.
type Recorder interface {
	Record(rec Record)
}
