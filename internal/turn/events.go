package turn

import "github.com/voicewire/voicewire/pkg/provider/llm"

// TurnCompletion is the payload of the turn_complete client message.
type TurnCompletion struct {
	TurnID         string
	UserText       string
	AgentText      string
	DurationMS     int64
	WasInterrupted bool
}

// Emitter is the controller's outbound surface. The server session
// implements it by framing each call as a client message; tests use a
// recording implementation.
//
// Every method except AgentAudioChunk is called on the controller's event
// loop and must not block for long: implementations queue and let their own
// write loop drain. AgentAudioChunk is called from the TTS worker goroutine
// and may block until the client drains — that backpressure is how a slow
// client suspends synthesis instead of losing speech.
type Emitter interface {
	StateChange(from, to State)
	TranscriptPartial(text string, confidence float64)
	TranscriptFinal(text string, confidence float64)
	AgentAudioChunk(audio []byte, chunkIndex int, isFinal bool)
	AgentTextFallback(text, reason string)
	TurnComplete(tc TurnCompletion)
	Telemetry(s Snapshot)
	Error(code, message string, recoverable bool)
}

// Settings carries an update_settings payload; nil fields were absent.
type Settings struct {
	SilenceDebounceMS     *int
	CancellationThreshold *float64
	AdaptiveDebounce      *bool
	VoiceID               *string
	LLMModel              *string
}

// eventKind discriminates controller events.
type eventKind int

const (
	evAudioActivity eventKind = iota
	evTextInput
	evPartial
	evFinal
	evEndpoint
	evSTTError
	evSilenceFire
	evSentence
	evLLMDone
	evTTSFirst
	evTTSDone
	evWatchdog
	evInterrupt
	evPlaybackComplete
	evSettings
	evTelemetryRequest
)

// watchdogKind discriminates watchdog fires.
type watchdogKind int

const (
	wdFirstChunk watchdogKind = iota
	wdSpeaking
	wdPlayback
)

// event is the single message type consumed by the controller loop. Fields
// are populated per kind; seq ties worker events to the speculation attempt
// that spawned them so stale events can be dropped.
type event struct {
	kind eventKind
	seq  uint64

	text        string
	confidence  float64
	speechFinal bool

	// ready is closed by the loop once the SPEAKING transition has been
	// emitted, releasing the TTS worker to stream audio.
	ready chan struct{}

	err         error
	recoverable bool

	usage  llm.Usage
	wasted int

	watchdog watchdogKind
	settings Settings
}
