// Package deadline implements the per-attempt countdown.
//
// Every Arm starts a new epoch. Ticks and expiries belonging to an older epoch
// are ignored, so a disarmed or re-armed clock can never fire for a previous
// attempt.
package deadline

import (
	"sync"
	"time"
)

// ExpireFunc is called once per epoch when the countdown reaches zero. It runs
// without the clock's lock held.
type ExpireFunc func(epoch uint64)

// Clock counts down whole seconds.
type Clock struct {
	onExpire ExpireFunc
	interval time.Duration
	manual   bool

	mu        sync.Mutex
	epoch     uint64
	armed     bool
	limit     int
	remaining int
	stop      chan struct{}
}

// Option configures a Clock.
type Option func(*Clock)

// WithInterval changes the tick period. Defaults to one second.
func WithInterval(d time.Duration) Option {
	return func(c *Clock) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithManualTicks disables the internal ticker; the caller drives the clock
// with Tick.
func WithManualTicks() Option {
	return func(c *Clock) { c.manual = true }
}

// New creates a disarmed clock.
func New(onExpire ExpireFunc, opts ...Option) *Clock {
	c := &Clock{onExpire: onExpire, interval: time.Second}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Arm disarms any previous countdown and starts a new one of limit ticks. It
// returns the new epoch. A limit of zero expires on the first tick.
func (c *Clock) Arm(limit int) uint64 {
	if limit < 0 {
		limit = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.disarmLocked()
	c.epoch++
	c.armed = true
	c.limit = limit
	c.remaining = limit
	if !c.manual {
		stop := make(chan struct{})
		c.stop = stop
		go c.run(c.epoch, stop)
	}
	return c.epoch
}

// Disarm cancels the countdown. It does not wait for the ticker goroutine, so
// it is safe to call from an ExpireFunc.
func (c *Clock) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disarmLocked()
}

// Tick advances the current countdown by one step.
func (c *Clock) Tick() {
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()
	c.tick(epoch)
}

// Remaining returns the seconds left and whether the clock is armed.
func (c *Clock) Remaining() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining, c.armed
}

// Limit returns the limit of the most recent Arm.
func (c *Clock) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// Epoch returns the epoch of the most recent Arm.
func (c *Clock) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *Clock) run(epoch uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.tick(epoch) {
				return
			}
		}
	}
}

// tick reports whether the countdown for epoch is still running.
func (c *Clock) tick(epoch uint64) bool {
	c.mu.Lock()
	if !c.armed || epoch != c.epoch {
		c.mu.Unlock()
		return false
	}
	if c.remaining > 0 {
		c.remaining--
	}
	if c.remaining > 0 {
		c.mu.Unlock()
		return true
	}

	c.disarmLocked()
	c.mu.Unlock()

	if c.onExpire != nil {
		c.onExpire(epoch)
	}
	return false
}

func (c *Clock) disarmLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.armed = false
}
