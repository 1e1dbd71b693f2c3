package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/voicewire/voicewire/internal/audio"
	"github.com/voicewire/voicewire/internal/turn"
)

const (
	// outboundQueueSize bounds the per-session outbound frame queue.
	outboundQueueSize = 64

	// pingInterval is how often the server pings an idle connection.
	pingInterval = 30 * time.Second

	// pongDeadline is the longest the client may go without answering a ping.
	pongDeadline = 60 * time.Second

	// inactivityTimeout expires sessions with no inbound traffic at all.
	inactivityTimeout = 5 * time.Minute

	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second
)

// Controller is the slice of the turn controller the session drives. Tests
// substitute a recording implementation.
type Controller interface {
	Start(ctx context.Context)
	Close() error
	HandleAudioFrame(frame []byte)
	HandleTextInput(text string)
	HandleInterrupt()
	HandlePlaybackComplete()
	HandleSettings(s turn.Settings)
}

// outbound is one queued frame. Audio frames are marked: they block their
// producer when the queue is full, and a barge-in flushes the ones the client
// has not received yet.
type outbound struct {
	payload []byte
	audio   bool
}

// Session binds one WebSocket connection to one turn controller. It
// implements turn.Emitter by framing controller callbacks as JSON envelopes
// on a bounded queue drained by the write loop.
type Session struct {
	id      string
	conn    *websocket.Conn
	ctrl    Controller
	log     *slog.Logger
	sttRate int

	out  chan outbound
	done chan struct{}

	lastInbound atomic.Int64 // unix millis
	lastPong    atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// Ensure Session carries controller output to the wire.
var _ turn.Emitter = (*Session)(nil)

func newSession(id string, conn *websocket.Conn, sttRate int, log *slog.Logger) *Session {
	if sttRate <= 0 {
		sttRate = 16000
	}
	s := &Session{
		id:      id,
		conn:    conn,
		sttRate: sttRate,
		log:     log.With("session_id", id),
		out:     make(chan outbound, outboundQueueSize),
		done:    make(chan struct{}),
	}
	now := nowMillis()
	s.lastInbound.Store(now)
	s.lastPong.Store(now)
	return s
}

// bind attaches the turn controller. Separate from construction because the
// controller needs the session as its emitter.
func (s *Session) bind(ctrl Controller) { s.ctrl = ctrl }

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Run starts the controller and services the connection until the client
// disconnects, the context is canceled, or the session expires. It always
// tears down the controller and the connection before returning.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.ctrl.Start(ctx)
	s.enqueue(marshalEnvelope(TypeSessionReady, SessionReadyOut{
		SessionID: s.id,
		Timestamp: nowMillis(),
	}), false)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.heartbeat(gctx) })

	err := g.Wait()
	s.close(err)
	return s.closeErr
}

// Close tears the session down from outside (server shutdown).
func (s *Session) close(err error) {
	s.closeOnce.Do(func() {
		if err != nil && !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
			s.closeErr = err
		}
		close(s.done)
		if cerr := s.ctrl.Close(); cerr != nil {
			s.log.Warn("controller close", "error", cerr)
		}
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
}

// ─── Inbound ────────────────────────────────────────────────────────────────

func (s *Session) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("server: read: %w", err)
		}
		s.lastInbound.Store(nowMillis())

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(CodeInvalidMessage, "malformed envelope", true)
			continue
		}
		s.dispatch(env)
		if env.Type == TypeDisconnect {
			return nil
		}
	}
}

func (s *Session) dispatch(env Envelope) {
	switch env.Type {
	case TypeConnect:
		// Idempotent: a late connect just re-announces readiness.
		s.enqueue(marshalEnvelope(TypeSessionReady, SessionReadyOut{
			SessionID: s.id,
			Timestamp: nowMillis(),
		}), false)

	case TypeAudioChunk:
		var in AudioChunkIn
		if err := json.Unmarshal(env.Data, &in); err != nil {
			s.sendError(CodeInvalidMessage, "malformed audio_chunk", true)
			return
		}
		raw, err := in.Decode()
		if err != nil {
			s.sendError(CodeInvalidMessage, err.Error(), true)
			return
		}
		// Raw PCM is converted to the transcription stream's rate here;
		// container formats pass through for the provider to decode.
		if in.Format == "pcm" && in.SampleRate != s.sttRate {
			raw = audio.Resample16(raw, in.SampleRate, s.sttRate)
		}
		s.ctrl.HandleAudioFrame(raw)

	case TypeTextInput:
		var in TextInputIn
		if err := json.Unmarshal(env.Data, &in); err != nil {
			s.sendError(CodeInvalidMessage, "malformed text_input", true)
			return
		}
		s.ctrl.HandleTextInput(in.Text)

	case TypeInterrupt:
		s.ctrl.HandleInterrupt()

	case TypePlaybackComplete:
		s.ctrl.HandlePlaybackComplete()

	case TypeUpdateSettings:
		var in UpdateSettingsIn
		if err := json.Unmarshal(env.Data, &in); err != nil {
			s.sendError(CodeInvalidMessage, "malformed update_settings", true)
			return
		}
		s.ctrl.HandleSettings(turn.Settings{
			SilenceDebounceMS:     in.SilenceDebounceMS,
			CancellationThreshold: in.CancellationThreshold,
			AdaptiveDebounce:      in.AdaptiveDebounceEnabled,
			VoiceID:               in.VoiceID,
			LLMModel:              in.LLMModel,
		})

	case TypePong:
		s.lastPong.Store(nowMillis())

	case TypeDisconnect:
		// readLoop exits after dispatch.

	default:
		s.sendError(CodeUnknownType, fmt.Sprintf("unknown message type %q", env.Type), true)
	}
}

// ─── Outbound ───────────────────────────────────────────────────────────────

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-s.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Write(wctx, websocket.MessageText, m.payload)
			cancel()
			if err != nil {
				return fmt.Errorf("server: write: %w", err)
			}
		}
	}
}

// heartbeat pings the client and expires sessions that stop answering or go
// silent entirely.
func (s *Session) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := nowMillis()
			if now-s.lastPong.Load() > pongDeadline.Milliseconds() {
				return fmt.Errorf("server: pong deadline exceeded")
			}
			if now-s.lastInbound.Load() > inactivityTimeout.Milliseconds() {
				s.sendError(CodeSessionExpired, "session expired after inactivity", false)
				return fmt.Errorf("server: session expired")
			}
			s.enqueue(marshalEnvelope(TypePing, nil), false)
		}
	}
}

// enqueue queues one frame for the write loop. Audio frames exert
// backpressure: the caller suspends until the write loop frees a slot, so a
// slow client stalls synthesis instead of silently losing speech. Control
// frames never block; when the queue is saturated with audio, one audio frame
// is shed to admit them.
func (s *Session) enqueue(payload []byte, audio bool) {
	m := outbound{payload: payload, audio: audio}
	if audio {
		select {
		case <-s.done:
		case s.out <- m:
		}
		return
	}
	for {
		select {
		case <-s.done:
			return
		case s.out <- m:
			return
		default:
		}
		if !s.shedOneAudioFrame() {
			s.log.Warn("outbound queue full, dropping control frame")
			return
		}
	}
}

// shedOneAudioFrame removes the oldest queued audio frame, preserving the
// order of everything else. Returns false when no audio frame is queued.
func (s *Session) shedOneAudioFrame() bool {
	n := len(s.out)
	shed := false
	for i := 0; i < n; i++ {
		select {
		case m := <-s.out:
			if m.audio && !shed {
				shed = true
				continue
			}
			select {
			case s.out <- m:
			default:
				// Queue refilled concurrently; the frame is lost.
			}
		default:
			return shed
		}
	}
	return shed
}

// flushPendingAudio discards queued agent audio after a barge-in so the
// client never plays stale speech.
func (s *Session) flushPendingAudio() {
	n := len(s.out)
	for i := 0; i < n; i++ {
		select {
		case m := <-s.out:
			if m.audio {
				continue
			}
			select {
			case s.out <- m:
			default:
			}
		default:
			return
		}
	}
}

func (s *Session) sendError(code, message string, recoverable bool) {
	s.enqueue(marshalEnvelope(TypeError, ErrorOut{
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
		Timestamp:   nowMillis(),
	}), false)
}

// ─── turn.Emitter ───────────────────────────────────────────────────────────

// StateChange frames a state transition. Leaving COMMITTED or SPEAKING for
// LISTENING is a barge-in: queued agent audio is flushed before the change
// goes out.
func (s *Session) StateChange(from, to turn.State) {
	if to == turn.StateListening && (from == turn.StateCommitted || from == turn.StateSpeaking) {
		s.flushPendingAudio()
	}
	s.enqueue(marshalEnvelope(TypeStateChange, StateChangeOut{
		FromState: from.String(),
		ToState:   to.String(),
		Timestamp: nowMillis(),
	}), false)
}

func (s *Session) TranscriptPartial(text string, confidence float64) {
	s.enqueue(marshalEnvelope(TypeTranscriptPartial, TranscriptOut{
		Text:       text,
		Confidence: confidence,
		Timestamp:  nowMillis(),
	}), false)
}

func (s *Session) TranscriptFinal(text string, confidence float64) {
	s.enqueue(marshalEnvelope(TypeTranscriptFinal, TranscriptOut{
		Text:       text,
		Confidence: confidence,
		Timestamp:  nowMillis(),
	}), false)
}

func (s *Session) AgentAudioChunk(audio []byte, chunkIndex int, isFinal bool) {
	s.enqueue(marshalEnvelope(TypeAgentAudioChunk, AgentAudioChunkOut{
		Audio:      base64.StdEncoding.EncodeToString(audio),
		ChunkIndex: chunkIndex,
		IsFinal:    isFinal,
	}), true)
}

func (s *Session) AgentTextFallback(text, reason string) {
	s.enqueue(marshalEnvelope(TypeAgentTextFallback, AgentTextFallbackOut{
		Text:   text,
		Reason: reason,
	}), false)
}

func (s *Session) TurnComplete(tc turn.TurnCompletion) {
	s.enqueue(marshalEnvelope(TypeTurnComplete, TurnCompleteOut{
		TurnID:         tc.TurnID,
		UserText:       tc.UserText,
		AgentText:      tc.AgentText,
		DurationMS:     tc.DurationMS,
		WasInterrupted: tc.WasInterrupted,
		Timestamp:      nowMillis(),
	}), false)
}

func (s *Session) Telemetry(snap turn.Snapshot) {
	s.enqueue(marshalEnvelope(TypeTelemetry, TelemetryOut{
		CancellationRate:  snap.CancellationRate,
		AvgDebounceMS:     snap.AvgDebounceMS,
		TurnLatencyMS:     snap.TurnLatencyMS,
		TotalTurns:        snap.TotalTurns,
		TokensWasted:      snap.TokensWasted,
		InterruptionCount: snap.InterruptionCount,
	}), false)
}

func (s *Session) Error(code, message string, recoverable bool) {
	s.sendError(code, message, recoverable)
}
