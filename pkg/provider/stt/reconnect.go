package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
var defaultBackoff = []time.Duration{
	0,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

const (
	// defaultReplayWindow is how much audio is retained during an outage for
	// replay after reconnecting.
	defaultReplayWindow = 5 * time.Second

	// defaultMaxStaleness is the longest outage after which buffered audio is
	// discarded instead of replayed. Stale audio would produce transcripts
	// for speech the user has already moved past.
	defaultMaxStaleness = 3 * time.Second

	// bytesPerSecond16k is the data rate of 16 kHz 16-bit mono PCM.
	bytesPerSecond16k = 32000
)

// ReconnectConfig tunes a reconnecting session wrapper.
type ReconnectConfig struct {
	// Backoff is the wait before each reconnect attempt. The length of the
	// slice is the attempt budget. Defaults to {0s, 1s, 2s, 4s, 8s}.
	Backoff []time.Duration

	// ReplayWindow is how much audio (by duration) is buffered during an
	// outage. Defaults to 5s.
	ReplayWindow time.Duration

	// MaxStaleness is the longest outage for which buffered audio is still
	// replayed after reconnecting. Defaults to 3s.
	MaxStaleness time.Duration

	// SampleRate converts the replay window into a byte budget. Defaults to
	// 16000 (16-bit mono).
	SampleRate int
}

// Reconnecting wraps an inner Session and transparently re-establishes it
// when the provider connection drops. It implements Session.
//
// Audio sent during an outage is buffered up to ReplayWindow and replayed
// after a successful reconnect if the outage was shorter than MaxStaleness.
// When all attempts are exhausted, a non-recoverable error event is emitted
// and the events channel is closed. A session that ends with its own
// non-recoverable error (an auth rejection, say) is not redialed at all.
type Reconnecting struct {
	provider  Provider
	streamCfg StreamConfig
	backoff   []time.Duration
	staleness time.Duration
	byteCap   int

	out  chan Event
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	inner     Session
	connected bool
	pending   [][]byte
	pendingSz int
}

// Ensure Reconnecting implements Session at compile time.
var _ Session = (*Reconnecting)(nil)

// NewReconnecting dials an initial session through provider and returns a
// wrapper that survives connection drops. The wrapper owns the inner session.
func NewReconnecting(ctx context.Context, provider Provider, streamCfg StreamConfig, cfg ReconnectConfig) (*Reconnecting, error) {
	backoff := cfg.Backoff
	if len(backoff) == 0 {
		backoff = defaultBackoff
	}
	replay := cfg.ReplayWindow
	if replay <= 0 {
		replay = defaultReplayWindow
	}
	staleness := cfg.MaxStaleness
	if staleness <= 0 {
		staleness = defaultMaxStaleness
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	byteCap := int(replay.Seconds() * float64(rate) * 2) // 16-bit samples
	if byteCap <= 0 {
		byteCap = int(defaultReplayWindow.Seconds()) * bytesPerSecond16k
	}

	inner, err := provider.StartStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("stt: initial connect: %w", err)
	}

	r := &Reconnecting{
		provider:  provider,
		streamCfg: streamCfg,
		backoff:   backoff,
		staleness: staleness,
		byteCap:   byteCap,
		out:       make(chan Event, 64),
		done:      make(chan struct{}),
		inner:     inner,
		connected: true,
	}
	go r.run(ctx)
	return r, nil
}

// SendAudio forwards chunk to the live session, or buffers it during an
// outage (oldest chunks are dropped once the replay window is exceeded).
func (r *Reconnecting) SendAudio(chunk []byte) error {
	select {
	case <-r.done:
		return errors.New("stt: session is closed")
	default:
	}

	r.mu.Lock()
	if r.connected && r.inner != nil {
		inner := r.inner
		r.mu.Unlock()
		// Write failures surface through the read loop; the chunk is lost
		// either way, so the error is not propagated here.
		_ = inner.SendAudio(chunk)
		return nil
	}

	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	r.pending = append(r.pending, buf)
	r.pendingSz += len(buf)
	for r.pendingSz > r.byteCap && len(r.pending) > 0 {
		r.pendingSz -= len(r.pending[0])
		r.pending = r.pending[1:]
	}
	r.mu.Unlock()
	return nil
}

// Events returns the channel of transcription events.
func (r *Reconnecting) Events() <-chan Event { return r.out }

// Finalize flushes buffered audio on the live session. During an outage it
// is a no-op: there is nothing upstream to finalize.
func (r *Reconnecting) Finalize() error {
	r.mu.Lock()
	inner, connected := r.inner, r.connected
	r.mu.Unlock()
	if !connected || inner == nil {
		return nil
	}
	return inner.Finalize()
}

// Close terminates the wrapper and the inner session. Safe to call multiple
// times.
func (r *Reconnecting) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		r.mu.Lock()
		inner := r.inner
		r.inner = nil
		r.connected = false
		r.mu.Unlock()
		if inner != nil {
			err = inner.Close()
		}
	})
	return err
}

// run forwards inner events and supervises reconnection when the inner
// session's event channel closes.
func (r *Reconnecting) run(ctx context.Context) {
	defer close(r.out)

	for {
		r.mu.Lock()
		inner := r.inner
		r.mu.Unlock()
		if inner == nil {
			return
		}

		fatal := false
		for ev := range inner.Events() {
			if ev.Kind == EventError && ev.Recoverable {
				// The inner session is about to close its channel; the
				// reconnect path below owns the recovery.
				slog.Warn("stt session dropped", "error", ev.Err)
				continue
			}
			if ev.Kind == EventError && !ev.Recoverable {
				fatal = true
			}
			select {
			case r.out <- ev:
			case <-r.done:
				return
			}
		}

		if fatal {
			// Auth rejections and the like: redialing would fail the same
			// way, and the terminal event is already downstream.
			slog.Error("stt session ended with a non-recoverable error")
			return
		}

		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		r.mu.Lock()
		r.connected = false
		r.mu.Unlock()

		droppedAt := time.Now()
		if !r.reconnect(ctx) {
			r.emit(Event{
				Kind:        EventError,
				Err:         errors.New("stt: reconnect attempts exhausted"),
				Recoverable: false,
			})
			return
		}

		r.flushPending(time.Since(droppedAt))
	}
}

// reconnect walks the backoff schedule until a dial succeeds. Returns false
// when the schedule is exhausted or the wrapper is closed.
func (r *Reconnecting) reconnect(ctx context.Context) bool {
	for attempt, delay := range r.backoff {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.done:
				return false
			case <-ctx.Done():
				return false
			}
		}

		sess, err := r.provider.StartStream(ctx, r.streamCfg)
		if err != nil {
			slog.Warn("stt reconnection attempt failed",
				"attempt", attempt+1,
				"max_attempts", len(r.backoff),
				"error", err,
			)
			continue
		}

		r.mu.Lock()
		r.inner = sess
		r.connected = true
		r.mu.Unlock()

		slog.Info("stt reconnected", "attempt", attempt+1)
		return true
	}
	return false
}

// flushPending replays audio buffered during the outage, or discards it when
// the outage lasted longer than the staleness limit.
func (r *Reconnecting) flushPending(outage time.Duration) {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.pendingSz = 0
	inner := r.inner
	r.mu.Unlock()

	if outage >= r.staleness {
		if len(pending) > 0 {
			slog.Info("discarding stale buffered audio",
				"outage", outage,
				"chunks", len(pending),
			)
		}
		return
	}
	for _, chunk := range pending {
		_ = inner.SendAudio(chunk)
	}
}

// emit delivers ev unless the wrapper has been closed.
func (r *Reconnecting) emit(ev Event) {
	select {
	case r.out <- ev:
	case <-r.done:
	}
}
