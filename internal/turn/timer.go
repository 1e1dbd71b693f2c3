package turn

import (
	"sync"
	"time"
)

// SilenceTimer is a restartable one-shot timer. Start replaces any pending
// timer, so only the most recent deadline can fire. Safe for concurrent use.
//
// Stale fires are possible when Start and an in-flight fire race; callers
// must tag fires with a sequence number and discard stale ones.
type SilenceTimer struct {
	mu    sync.Mutex
	timer *time.Timer
}

// Start schedules fire after d, replacing any pending timer.
func (t *SilenceTimer) Start(d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, fire)
}

// Cancel stops any pending timer. Idempotent.
func (t *SilenceTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
