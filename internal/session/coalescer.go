package session

import (
	"time"

	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/route"
)

// Coalescer batches route suffixes offered on every tick into at most one publish per
// interval, and suppresses publishes whose endpoints match the last one sent. It holds
// no timer; the caller arms one from Deadline.
type Coalescer struct {
	interval time.Duration

	pending  []models.Point
	deadline time.Time
	armed    bool

	sent    []models.Point
	hasSent bool
}

func NewCoalescer(interval time.Duration) *Coalescer {
	return &Coalescer{interval: interval}
}

// Offer replaces the pending route with points. The first offer after a flush opens the
// window; later offers inside it do not extend it.
func (c *Coalescer) Offer(points []models.Point, now time.Time) {
	c.pending = append(c.pending[:0:0], points...)
	if !c.armed {
		c.deadline = now.Add(c.interval)
		c.armed = true
	}
}

// Deadline reports when the pending route is due.
func (c *Coalescer) Deadline() (time.Time, bool) {
	return c.deadline, c.armed
}

// Flush returns the latest pending route once the window has elapsed. ok is false when
// nothing is due or the route matches what was last sent.
func (c *Coalescer) Flush(now time.Time) (points []models.Point, ok bool) {
	if !c.armed || now.Before(c.deadline) {
		return nil, false
	}
	points = c.pending
	c.pending = nil
	c.armed = false
	if len(points) == 0 || (c.hasSent && sameEnds(points, c.sent)) {
		return nil, false
	}
	c.sent = points
	c.hasSent = true
	return points, true
}

// Forget clears the record of the last publish so the next flush goes out even if
// unchanged. Called when that publish failed.
func (c *Coalescer) Forget() {
	c.sent = nil
	c.hasSent = false
}

// Reset drops pending work and history, e.g. on a phase change.
func (c *Coalescer) Reset() {
	c.pending = nil
	c.armed = false
	c.Forget()
}

func sameEnds(a, b []models.Point) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	return route.SamePoint(a[0], b[0]) && route.SamePoint(a[len(a)-1], b[len(b)-1])
}

// flushTimer keeps one timer in step with the coalescer's window: it is restarted when
// the deadline moves and stopped when nothing is pending.
type flushTimer struct {
	timer *time.Timer
	at    time.Time
}

// C is nil while nothing is armed, so selecting on it blocks.
func (f *flushTimer) C() <-chan time.Time {
	if f.timer == nil {
		return nil
	}
	return f.timer.C
}

func (f *flushTimer) arm(deadline time.Time, ok bool) {
	if !ok {
		f.stop()
		return
	}
	if f.timer != nil && f.at.Equal(deadline) {
		return
	}
	f.stop()
	f.timer = time.NewTimer(time.Until(deadline))
	f.at = deadline
}

func (f *flushTimer) fired() { f.timer = nil }

func (f *flushTimer) stop() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}
