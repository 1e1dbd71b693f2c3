// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and
// presents a uniform streaming interface. The primary entry point is
// SynthesizeStream, which accepts a channel of text fragments and returns a
// channel of raw PCM audio bytes as they become available — enabling
// low-latency pipelining between streaming LLM output and audio delivery.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice describes a synthesis voice configuration.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use; multiple synthesis
// streams may run in parallel across sessions.
type Provider interface {
	// SynthesizeStream consumes text fragments (typically whole sentences)
	// from the text channel and returns a channel that emits raw PCM audio
	// byte slices as they are synthesised. The caller pipes segmented LLM
	// output directly into synthesis without waiting for the full reply.
	//
	// The returned audio channel is closed by the implementation when the
	// text channel is closed and all audio has been delivered, or when ctx
	// is cancelled. The caller must drain the audio channel.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)

	// Prewarm establishes and tears down a throwaway synthesis stream so
	// that DNS, TLS, and provider-side session setup are paid at session
	// start instead of on the first agent reply.
	Prewarm(ctx context.Context, voice Voice) error

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]Voice, error)
}
