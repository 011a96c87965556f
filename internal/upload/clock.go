package upload

import (
	"sync"
	"time"

	"github.com/lherron/bibupload/internal/id"
)

// Clock hands out revision markers. Markers have a resolution of one
// second, so two commits within the same second would collide; Next waits
// for the following second instead.
type Clock struct {
	mu    sync.Mutex
	last  time.Time
	now   func() time.Time
	sleep func(time.Duration)
}

// NewClock returns a Clock over the wall clock.
func NewClock() *Clock {
	return &Clock{now: time.Now, sleep: time.Sleep}
}

// Next returns a marker strictly greater than the last one it handed out
// and than stored, the marker of the record being committed ("" if none).
func (c *Clock) Next(stored string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	floor := c.last
	if t, err := id.ParseRevision(stored); err == nil && t.After(floor) {
		floor = t
	}

	now := c.now().UTC().Truncate(time.Second)
	if !now.After(floor) {
		next := floor.Add(time.Second)
		// A stored marker far ahead of the local clock is stepped over
		// rather than waited for.
		if wait := next.Sub(c.now().UTC()); wait > 0 && wait <= time.Second {
			c.sleep(wait)
		}
		now = next
	}
	c.last = now
	return id.FormatRevision(now)
}
