package backtest

import (
	"slices"
	"sync"
	"time"
)

// VirtualClock is simulated time driven by the replayed events. It satisfies clock.Clock.
type VirtualClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []virtualWaiter
}

type virtualWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewVirtualClock starts simulated time at start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{current: start}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After fires once simulated time has moved d past now.
func (c *VirtualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.waiters = append(c.waiters, virtualWaiter{at: c.current.Add(d), ch: ch})
	return ch
}

// Advance is AdvanceTo(Now()+d).
func (c *VirtualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.AdvanceTo(c.Now().Add(d))
}

// AdvanceTo jumps to ts and fires every timer that is now due. Moving backwards is a no-op.
func (c *VirtualClock) AdvanceTo(ts time.Time) {
	c.mu.Lock()
	if !ts.After(c.current) {
		c.mu.Unlock()
		return
	}
	c.current = ts
	var fired []chan time.Time
	c.waiters = slices.DeleteFunc(c.waiters, func(w virtualWaiter) bool {
		if w.at.After(ts) {
			return false
		}
		fired = append(fired, w.ch)
		return true
	})
	c.mu.Unlock()
	for _, ch := range fired {
		ch <- ts
	}
}
