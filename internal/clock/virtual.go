// Package clock provides a manually advanced time source for scenarios and tests.
package clock

import (
	"sync"
	"time"
)

// Virtual is a clock that only moves when told to.
type Virtual struct {
	mu  sync.Mutex
	now time.Time
}

// NewVirtual returns a clock stopped at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

// Now returns the current virtual time.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (v *Virtual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = v.now.Add(d)
}
