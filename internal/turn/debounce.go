package turn

import "time"

// Debounce bounds and adaptation constants.
const (
	// MinDebounce and MaxDebounce clamp the silence debounce at all times.
	MinDebounce = 400 * time.Millisecond
	MaxDebounce = 1200 * time.Millisecond

	// DefaultDebounce is the initial silence debounce.
	DefaultDebounce = 400 * time.Millisecond

	// debounceWindowSize is the number of recent speculation attempts the
	// cancellation rate is computed over.
	debounceWindowSize = 10

	// raiseRate / lowerRate bracket the cancellation rate: above raiseRate
	// the debounce grows, below lowerRate it shrinks.
	raiseRate = 0.30
	lowerRate = 0.15

	raiseStep = 50 * time.Millisecond
	lowerStep = 25 * time.Millisecond
)

// DebounceController holds the current silence debounce and adapts it from a
// rolling window of speculation outcomes. Too many cancellations mean the
// user pauses mid-sentence, so the debounce grows; very few mean the agent
// could answer faster, so it shrinks.
//
// Not safe for concurrent use; owned by the controller's event loop.
type DebounceController struct {
	current time.Duration

	window [debounceWindowSize]bool // true = speculation was canceled
	next   int
	count  int
}

// NewDebounceController returns a controller starting at initial, clamped to
// the allowed bounds. A zero initial selects DefaultDebounce.
func NewDebounceController(initial time.Duration) *DebounceController {
	if initial == 0 {
		initial = DefaultDebounce
	}
	return &DebounceController{current: clampDebounce(initial)}
}

// Current returns the debounce to use for the next silence timer.
func (d *DebounceController) Current() time.Duration { return d.current }

// Set overrides the debounce, clamped to [MinDebounce, MaxDebounce].
func (d *DebounceController) Set(v time.Duration) {
	d.current = clampDebounce(v)
}

// Observe records the outcome of one speculation attempt.
func (d *DebounceController) Observe(canceled bool) {
	d.window[d.next] = canceled
	d.next = (d.next + 1) % debounceWindowSize
	if d.count < debounceWindowSize {
		d.count++
	}
}

// Rate returns the cancellation rate over the window.
func (d *DebounceController) Rate() float64 {
	canceled := 0
	for i := 0; i < d.count; i++ {
		if d.window[i] {
			canceled++
		}
	}
	total := d.count
	if total < 1 {
		total = 1
	}
	return float64(canceled) / float64(total)
}

// Adapt applies the adaptation rule and returns the new debounce.
func (d *DebounceController) Adapt() time.Duration {
	switch r := d.Rate(); {
	case r > raiseRate:
		d.current = clampDebounce(d.current + raiseStep)
	case r < lowerRate:
		d.current = clampDebounce(d.current - lowerStep)
	}
	return d.current
}

func clampDebounce(v time.Duration) time.Duration {
	if v < MinDebounce {
		return MinDebounce
	}
	if v > MaxDebounce {
		return MaxDebounce
	}
	return v
}
