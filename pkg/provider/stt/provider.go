// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// An STT provider wraps a remote transcription API (e.g., Deepgram) and
// exposes a duplex session: audio goes in, transcription events come out.
// The turn controller consumes partial transcripts for display and silent
// cancellation, final transcripts for prompt assembly, and endpoint events
// to shorten the silence debounce.
//
// Implementors must be safe for concurrent use. The Events channel must be
// closed by the implementation when the session ends.
package stt

import "context"

// EventKind discriminates transcription events.
type EventKind string

const (
	// EventPartial is an interim hypothesis that may still change.
	EventPartial EventKind = "partial"

	// EventFinal is a finalized transcript segment that will not change.
	EventFinal EventKind = "final"

	// EventEndpoint signals that the provider's endpointer detected the end
	// of an utterance. Carries no text.
	EventEndpoint EventKind = "endpoint"

	// EventError reports a session-level failure. Err is set; Recoverable
	// indicates whether the session may still produce further events.
	EventError EventKind = "error"
)

// Event is a single transcription event emitted by a Session.
type Event struct {
	// Kind discriminates the event payload.
	Kind EventKind

	// Text is the transcript text for partial and final events.
	Text string

	// Confidence is the provider's confidence score in [0,1], when available.
	Confidence float64

	// SpeechFinal is set on final events when the provider's endpointer is
	// confident the utterance has ended (Deepgram speech_final).
	SpeechFinal bool

	// Err is set for error events.
	Err error

	// Recoverable indicates whether an error event is transient.
	Recoverable bool
}

// StreamConfig carries per-session transcription parameters.
type StreamConfig struct {
	// Language is the BCP-47 language code (e.g., "en"). Empty means the
	// provider default.
	Language string

	// SampleRate is the input audio sample rate in Hz. Zero means the
	// provider default (16000).
	SampleRate int

	// Encoding is the raw audio encoding (e.g., "linear16"). Empty means the
	// provider default.
	Encoding string

	// Channels is the channel count. Zero means mono.
	Channels int
}

// Session is a live streaming transcription session.
type Session interface {
	// SendAudio queues a raw audio chunk for transcription. Returns an error
	// once the session is closed.
	SendAudio(chunk []byte) error

	// Events returns the channel of transcription events. The channel is
	// closed when the session ends.
	Events() <-chan Event

	// Finalize asks the provider to immediately finalize any buffered audio
	// into a final transcript, without closing the session. Used on barge-in
	// so the interrupted utterance is flushed before new speech arrives.
	Finalize() error

	// Close terminates the session and releases resources. Safe to call
	// multiple times.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new transcription session. The session lives until
	// Close is called or ctx is cancelled.
	StartStream(ctx context.Context, cfg StreamConfig) (Session, error)
}
