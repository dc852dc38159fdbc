// Package clock tracks remaining thinking time per side. Elapsed time is
// computed from monotonic timestamp deltas, never from tick counts, so event
// loop jitter cannot drift the clock.
package clock

import (
	"sync"
	"time"

	"github.com/tbuczek/boardpilot/internal/domain"
)

// Snapshot is a consistent view of both clocks.
type Snapshot struct {
	WhiteRemaining time.Duration
	BlackRemaining time.Duration
	Running        domain.Side
	Paused         bool
	LastUpdate     time.Time
}

// Controller maintains the two clocks and fires exactly one expiry event
// when a running side reaches zero.
type Controller struct {
	mu        sync.Mutex
	white     time.Duration
	black     time.Duration
	increment time.Duration
	running   domain.Side
	active    bool
	fired     bool
	last      time.Time
	timer     *time.Timer
	expired   chan domain.Side
}

// New builds a controller with base time per side and a Fischer increment
// credited after each completed move.
func New(base, increment time.Duration) *Controller {
	return &Controller{
		white:     base,
		black:     base,
		increment: increment,
		expired:   make(chan domain.Side, 1),
	}
}

// Expiry delivers the flagged side, at most once per Set/reset.
func (c *Controller) Expiry() <-chan domain.Side { return c.expired }

// Set replaces both remaining times and re-arms expiry detection.
func (c *Controller) Set(white, black time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleLocked()
	c.white = white
	c.black = black
	c.fired = false
	select {
	case <-c.expired: // drop a stale expiry
	default:
	}
	c.armLocked()
}

// SetIncrement replaces the Fischer increment credited on each side switch
// from now on. Already-credited time is untouched.
func (c *Controller) SetIncrement(increment time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if increment < 0 {
		increment = 0
	}
	c.increment = increment
}

// Start begins counting down for side.
func (c *Controller) Start(side domain.Side) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleLocked()
	c.running = side
	c.active = true
	c.last = time.Now()
	c.armLocked()
}

// Pause stops the countdown, keeping the running side.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleLocked()
	c.active = false
	c.disarmLocked()
}

// Resume continues the countdown for the previously running side.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running == "" || c.active {
		return
	}
	c.active = true
	c.last = time.Now()
	c.armLocked()
}

// SwitchSide settles the mover's clock, credits its increment and starts
// the opponent's countdown.
func (c *Controller) SwitchSide() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleLocked()
	if c.running == "" {
		return
	}
	if c.increment > 0 && !c.fired {
		switch c.running {
		case domain.SideWhite:
			c.white += c.increment
		case domain.SideBlack:
			c.black += c.increment
		}
	}
	c.running = c.running.Other()
	c.active = true
	c.last = time.Now()
	c.armLocked()
}

// Stop halts the controller entirely.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleLocked()
	c.active = false
	c.running = ""
	c.disarmLocked()
}

// Snapshot reports the current state without mutating it.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	white, black := c.white, c.black
	if c.active {
		elapsed := time.Since(c.last)
		switch c.running {
		case domain.SideWhite:
			white -= elapsed
		case domain.SideBlack:
			black -= elapsed
		}
	}
	if white < 0 {
		white = 0
	}
	if black < 0 {
		black = 0
	}
	return Snapshot{
		WhiteRemaining: white,
		BlackRemaining: black,
		Running:        c.running,
		Paused:         !c.active,
		LastUpdate:     c.last,
	}
}

// settleLocked charges elapsed time to the running side and fires expiry
// when it crosses zero.
func (c *Controller) settleLocked() {
	if !c.active {
		return
	}
	now := time.Now()
	elapsed := now.Sub(c.last)
	c.last = now
	var remaining *time.Duration
	switch c.running {
	case domain.SideWhite:
		remaining = &c.white
	case domain.SideBlack:
		remaining = &c.black
	default:
		return
	}
	*remaining -= elapsed
	if *remaining <= 0 {
		*remaining = 0
		c.active = false
		if !c.fired {
			c.fired = true
			select {
			case c.expired <- c.running:
			default:
			}
		}
	}
}

func (c *Controller) armLocked() {
	c.disarmLocked()
	if !c.active || c.fired {
		return
	}
	var remaining time.Duration
	switch c.running {
	case domain.SideWhite:
		remaining = c.white
	case domain.SideBlack:
		remaining = c.black
	default:
		return
	}
	c.timer = time.AfterFunc(remaining+time.Millisecond, func() {
		c.mu.Lock()
		c.settleLocked()
		c.mu.Unlock()
	})
}

func (c *Controller) disarmLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
