package lifecycle

import (
	"sync"
	"time"
)

// governor is the idle timer of a run. It is armed when the run starts and
// pushed back every time a frame is decoded; nothing else resets it. When it
// expires onExpire runs once, on its own goroutine.
type governor struct {
	mu       sync.Mutex
	timeout  time.Duration
	timer    *time.Timer
	gen      uint64
	fired    bool
	stopped  bool
	onExpire func()
}

func newGovernor(timeout time.Duration, onExpire func()) *governor {
	g := &governor{timeout: timeout, onExpire: onExpire}
	g.mu.Lock()
	g.arm()
	g.mu.Unlock()
	return g
}

// arm must be called with mu held.
func (g *governor) arm() {
	gen := g.gen
	g.timer = time.AfterFunc(g.timeout, func() { g.expire(gen) })
}

func (g *governor) expire(gen uint64) {
	g.mu.Lock()
	if g.stopped || g.fired || gen != g.gen {
		g.mu.Unlock()
		return
	}
	g.fired = true
	g.mu.Unlock()
	g.onExpire()
}

// Reset restarts the full timeout. It reports false once the governor has
// fired or been stopped.
func (g *governor) Reset() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped || g.fired {
		return false
	}
	g.gen++
	g.timer.Stop()
	g.arm()
	return true
}

// Stop disarms the governor for good.
func (g *governor) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	g.timer.Stop()
}

// Expired reports whether the timeout fired.
func (g *governor) Expired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fired
}

// effectiveTimeout picks the workspace override when set, never going below
// floor.
func effectiveTimeout(override, fallback, floor time.Duration) time.Duration {
	d := fallback
	if override > 0 {
		d = override
	}
	if d < floor {
		d = floor
	}
	return d
}
