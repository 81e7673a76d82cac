// Package adapters provides infrastructure implementations for the release promotion domain.
package adapters

import (
	"sync"
	"time"

	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
)

// RealClock implements ports.Clock using the system time.
type RealClock struct{}

// Ensure RealClock implements the interface.
var _ ports.Clock = (*RealClock)(nil)

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// NewRealClock creates a new RealClock instance.
func NewRealClock() *RealClock {
	return &RealClock{}
}

// FixedClock is a manually advanced clock for tests and dry runs.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock creates a clock stopped at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t}
}

// Now returns the current fixed time.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
