package clock

import (
	"sync"
	"time"
)

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a settable clock used by lifecycle and silence tests.
// Params: initial instant set via NewManual.
// Returns: clock that only moves when Set/Advance is called.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates manual clock pinned to the given instant.
// Params: initial time.
// Returns: manual clock.
func NewManual(at time.Time) *Manual {
	return &Manual{now: at.UTC()}
}

// Now returns pinned time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves clock to an absolute instant.
func (m *Manual) Set(at time.Time) {
	m.mu.Lock()
	m.now = at.UTC()
	m.mu.Unlock()
}

// Advance moves clock forward by delta.
func (m *Manual) Advance(delta time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(delta)
	m.mu.Unlock()
}
