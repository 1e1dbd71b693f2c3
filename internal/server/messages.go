// Package server exposes the voice pipeline over a WebSocket endpoint that
// speaks framed JSON: every frame is an envelope {type, data}. One Session
// owns one connection and one turn controller.
package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// maxAudioChunkBytes bounds one decoded inbound audio chunk.
const maxAudioChunkBytes = 100 * 1024

// Envelope frames every message in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client → server message types.
const (
	TypeConnect          = "connect"
	TypeAudioChunk       = "audio_chunk"
	TypeTextInput        = "text_input"
	TypeInterrupt        = "interrupt"
	TypePlaybackComplete = "playback_complete"
	TypeUpdateSettings   = "update_settings"
	TypeDisconnect       = "disconnect"
	TypePong             = "pong"
)

// Server → client message types.
const (
	TypeSessionReady      = "session_ready"
	TypeStateChange       = "state_change"
	TypeTranscriptPartial = "transcript_partial"
	TypeTranscriptFinal   = "transcript_final"
	TypeAgentAudioChunk   = "agent_audio_chunk"
	TypeAgentTextFallback = "agent_text_fallback"
	TypeTurnComplete      = "turn_complete"
	TypeTelemetry         = "telemetry"
	TypeError             = "error"
	TypePing              = "ping"
)

// Wire error codes.
const (
	CodeInvalidMessage         = "WS_INVALID_MESSAGE"
	CodeUnknownType            = "WS_UNKNOWN_TYPE"
	CodeAudioBufferOverflow    = "AUDIO_BUFFER_OVERFLOW"
	CodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	CodeSessionExpired         = "SESSION_EXPIRED"
	CodeUnknown                = "UNKNOWN_ERROR"
)

// ─── Client payloads ────────────────────────────────────────────────────────

// AudioChunkIn is the audio_chunk payload.
type AudioChunkIn struct {
	Audio      string `json:"audio"` // base64
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

// allowedFormats whitelists inbound audio container formats.
var allowedFormats = map[string]struct{}{
	"pcm":  {},
	"wav":  {},
	"webm": {},
}

// Decode validates the chunk and returns the raw audio bytes.
func (a AudioChunkIn) Decode() ([]byte, error) {
	if _, ok := allowedFormats[a.Format]; !ok {
		return nil, fmt.Errorf("server: unsupported audio format %q", a.Format)
	}
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return nil, fmt.Errorf("server: sample rate %d outside [8000, 48000]", a.SampleRate)
	}
	raw, err := base64.StdEncoding.DecodeString(a.Audio)
	if err != nil {
		return nil, fmt.Errorf("server: decode audio: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("server: empty audio chunk")
	}
	if len(raw) > maxAudioChunkBytes {
		return nil, fmt.Errorf("server: audio chunk of %d bytes exceeds %d", len(raw), maxAudioChunkBytes)
	}
	return raw, nil
}

// TextInputIn is the text_input payload.
type TextInputIn struct {
	Text string `json:"text"`
}

// TimestampIn covers interrupt and playback_complete.
type TimestampIn struct {
	Timestamp int64 `json:"timestamp"`
}

// UpdateSettingsIn is the update_settings payload; absent fields stay nil.
type UpdateSettingsIn struct {
	SilenceDebounceMS       *int     `json:"silence_debounce_ms,omitempty"`
	CancellationThreshold   *float64 `json:"cancellation_threshold,omitempty"`
	AdaptiveDebounceEnabled *bool    `json:"adaptive_debounce_enabled,omitempty"`
	VoiceID                 *string  `json:"voice_id,omitempty"`
	LLMModel                *string  `json:"llm_model,omitempty"`
}

// ─── Server payloads ────────────────────────────────────────────────────────

// SessionReadyOut is the session_ready payload.
type SessionReadyOut struct {
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

// StateChangeOut is the state_change payload.
type StateChangeOut struct {
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Timestamp int64  `json:"timestamp"`
}

// TranscriptOut covers transcript_partial and transcript_final.
type TranscriptOut struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
}

// AgentAudioChunkOut is the agent_audio_chunk payload.
type AgentAudioChunkOut struct {
	Audio      string `json:"audio"` // base64
	ChunkIndex int    `json:"chunk_index"`
	IsFinal    bool   `json:"is_final"`
}

// AgentTextFallbackOut is the agent_text_fallback payload.
type AgentTextFallbackOut struct {
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

// TurnCompleteOut is the turn_complete payload.
type TurnCompleteOut struct {
	TurnID         string `json:"turn_id"`
	UserText       string `json:"user_text"`
	AgentText      string `json:"agent_text"`
	DurationMS     int64  `json:"duration_ms"`
	WasInterrupted bool   `json:"was_interrupted"`
	Timestamp      int64  `json:"timestamp"`
}

// TelemetryOut is the telemetry payload.
type TelemetryOut struct {
	CancellationRate  float64 `json:"cancellation_rate"`
	AvgDebounceMS     float64 `json:"avg_debounce_ms"`
	TurnLatencyMS     int64   `json:"turn_latency_ms"`
	TotalTurns        int     `json:"total_turns"`
	TokensWasted      int     `json:"tokens_wasted"`
	InterruptionCount int     `json:"interruption_count"`
}

// ErrorOut is the error payload.
type ErrorOut struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Timestamp   int64  `json:"timestamp"`
}

// marshalEnvelope frames a payload; marshal failures are programming errors
// and yield an UNKNOWN_ERROR frame instead.
func marshalEnvelope(msgType string, payload any) []byte {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return marshalEnvelope(TypeError, ErrorOut{
				Code:      CodeUnknown,
				Message:   "internal encoding failure",
				Timestamp: nowMillis(),
			})
		}
		data = b
	}
	out, _ := json.Marshal(Envelope{Type: msgType, Data: data})
	return out
}

func nowMillis() int64 { return time.Now().UnixMilli() }
