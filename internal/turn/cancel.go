package turn

import "sync"

// Signal is a one-shot cancellation flag. Once set it stays set for the life
// of the turn; setting it again is a no-op. Safe for concurrent use.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal returns an unset signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set trips the signal. Idempotent.
func (s *Signal) Set() {
	s.once.Do(func() { close(s.ch) })
}

// IsSet reports whether the signal has been tripped.
func (s *Signal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed once the signal is set.
func (s *Signal) Done() <-chan struct{} { return s.ch }
