package supervisor

import (
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultMaxRestarts   = 10
	DefaultRestartWindow = 20 * time.Second
)

// RestartBudget counts restarts inside a rolling window. A restart stops
// counting once the window has elapsed since it was recorded.
// Not safe for concurrent use; the supervisor loop owns it.
type RestartBudget struct {
	max      int
	window   time.Duration
	clock    clockwork.Clock
	restarts []time.Time
}

func NewRestartBudget(max int, window time.Duration, clock clockwork.Clock) *RestartBudget {
	if max <= 0 {
		max = DefaultMaxRestarts
	}
	if window <= 0 {
		window = DefaultRestartWindow
	}
	return &RestartBudget{
		max:    max,
		window: window,
		clock:  clock,
	}
}

// Record registers a restart. It returns false without recording when the
// budget is already exhausted.
func (b *RestartBudget) Record() bool {
	b.prune()
	if len(b.restarts) >= b.max {
		return false
	}
	b.restarts = append(b.restarts, b.clock.Now())
	return true
}

// Count returns the restarts still inside the window
func (b *RestartBudget) Count() int {
	b.prune()
	return len(b.restarts)
}

func (b *RestartBudget) Max() int {
	return b.max
}

func (b *RestartBudget) prune() {
	cutoff := b.clock.Now().Add(-b.window)
	keep := 0
	for keep < len(b.restarts) && !b.restarts[keep].After(cutoff) {
		keep++
	}
	b.restarts = b.restarts[keep:]
}
