// Package mock provides test doubles for the stt.Provider and stt.Session
// interfaces.
//
// Tests push scripted events through Session.Emit and inspect the audio the
// code under test sent via Session.SentAudio.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voicewire/voicewire/pkg/provider/stt"
)

// Session is a scriptable stt.Session.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// FinalizeErr, if non-nil, is returned by Finalize.
	FinalizeErr error

	events chan stt.Event
	closed bool

	sentAudio     [][]byte
	finalizeCalls int
}

// NewSession creates a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan stt.Event, 64)}
}

// Emit pushes a scripted event to the session's consumers.
func (s *Session) Emit(ev stt.Event) {
	s.events <- ev
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock stt: session is closed")
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.sentAudio = append(s.sentAudio, buf)
	return nil
}

// Events returns the scripted event channel.
func (s *Session) Events() <-chan stt.Event { return s.events }

// Finalize records the call.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeCalls++
	return s.FinalizeErr
}

// Close closes the event channel. Safe to call multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// SentAudio returns a copy of all audio chunks passed to SendAudio.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sentAudio))
	copy(out, s.sentAudio)
	return out
}

// FinalizeCalls returns the number of Finalize invocations.
func (s *Session) FinalizeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizeCalls
}

// Provider is a mock implementation of stt.Provider. Each StartStream call
// pops the next scripted session (or error).
type Provider struct {
	mu sync.Mutex

	// Sessions are returned by successive StartStream calls. When exhausted,
	// StartStream returns StartErr or a fresh NewSession().
	Sessions []*Session

	// StartErrs are returned by successive StartStream calls before any
	// Sessions are consumed; a nil entry means success.
	StartErrs []error

	startCalls []stt.StreamConfig
}

// StartStream records the call and returns the next scripted result.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startCalls = append(p.startCalls, cfg)

	if len(p.StartErrs) > 0 {
		err := p.StartErrs[0]
		p.StartErrs = p.StartErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(p.Sessions) > 0 {
		s := p.Sessions[0]
		p.Sessions = p.Sessions[1:]
		return s, nil
	}
	return NewSession(), nil
}

// StartCalls returns the StreamConfig of every StartStream invocation.
func (p *Provider) StartCalls() []stt.StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]stt.StreamConfig, len(p.startCalls))
	copy(out, p.startCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startCalls = nil
}

// Compile-time interface checks.
var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Session  = (*Session)(nil)
)
