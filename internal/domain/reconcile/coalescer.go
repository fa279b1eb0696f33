package reconcile

import (
	"strings"
	"sync"
	"time"
)

// DefaultFrameInterval approximates one display frame.
const DefaultFrameInterval = 16 * time.Millisecond

// Timer is the subset of *time.Timer used by the engine.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Coalescer batches stream deltas so the render callback runs at most once per frame
// instead of once per token.
type Coalescer struct {
	// flushMu keeps renders in push order when the timer and an explicit Flush race.
	flushMu  sync.Mutex
	mu       sync.Mutex
	interval time.Duration
	after    AfterFunc
	pending  strings.Builder
	armed    Timer
	render   func(batch string)
}

// NewCoalescer creates a coalescer that hands accumulated text to render.
func NewCoalescer(interval time.Duration, render func(batch string), after AfterFunc) *Coalescer {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	if after == nil {
		after = realAfterFunc
	}
	return &Coalescer{interval: interval, after: after, render: render}
}

// Push queues a delta and arms a single frame timer if none is pending.
func (c *Coalescer) Push(delta string) {
	if delta == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending.WriteString(delta)
	if c.armed == nil {
		c.armed = c.after(c.interval, c.Flush)
	}
}

// Flush renders anything pending immediately and disarms the frame timer.
func (c *Coalescer) Flush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if c.armed != nil {
		c.armed.Stop()
		c.armed = nil
	}
	batch := c.pending.String()
	c.pending.Reset()
	c.mu.Unlock()

	if batch != "" {
		c.render(batch)
	}
}
