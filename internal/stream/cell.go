package stream

import (
	"sync"
	"time"

	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/types"
)

// Cell is a single-slot latest-frame exchange: one writer (the pipeline
// callback), any number of readers, replace-on-write. Staleness is the
// enemy, not throughput, so frames are never queued.
type Cell struct {
	mu         sync.RWMutex
	frame      types.Frame
	hasFrame   bool
	overwrites uint64
}

// Put stores the newest frame, overwriting any unconsumed one.
func (c *Cell) Put(f types.Frame) {
	c.mu.Lock()
	if c.hasFrame {
		c.overwrites++
	}
	c.frame = f
	c.hasFrame = true
	c.mu.Unlock()
}

// Latest returns the most recently stored frame. The bool is false when no
// frame has ever been stored or the slot has been invalidated.
func (c *Cell) Latest() (types.Frame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frame, c.hasFrame
}

// LatestWithin returns the most recent frame only if it was captured within
// maxAge of now; otherwise reports unavailable.
func (c *Cell) LatestWithin(maxAge time.Duration, now time.Time) (types.Frame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasFrame || now.Sub(c.frame.Timestamp) > maxAge {
		return types.Frame{}, false
	}
	return c.frame, true
}

// Invalidate drops the stored frame, used on source shutdown so consumers
// stop seeing a frozen image as live.
func (c *Cell) Invalidate() {
	c.mu.Lock()
	c.hasFrame = false
	c.frame = types.Frame{}
	c.mu.Unlock()
}

// Overwrites returns how many frames were replaced before being read at
// least once. Diagnostic only.
func (c *Cell) Overwrites() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.overwrites
}
