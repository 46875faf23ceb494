package statistics

import (
	"fmt"
	"sync"
	"time"
)

// Counter is a monotonically increasing value with an interval part that
// Apply can close or clear.
type Counter struct {
	name string

	mu       sync.Mutex
	value    int64
	interval int64
	previous int64
}

// NewCounter returns a zeroed counter.
func NewCounter(name string) *Counter {
	return &Counter{name: name}
}

// Name returns the counter name.
func (c *Counter) Name() string { return c.name }

// Inc adds one.
func (c *Counter) Inc() { c.Add(1) }

// Add adds n.
func (c *Counter) Add(n int64) {
	c.mu.Lock()
	c.value += n
	c.interval += n
	c.mu.Unlock()
}

// Value returns the lifetime total.
func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// IntervalValue returns the count since the last mark or reset.
func (c *Counter) IntervalValue() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// PreviousValue returns the interval count closed by the last mark.
func (c *Counter) PreviousValue() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previous
}

// Apply performs the interval part of action.
func (c *Counter) Apply(action Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyLocked(action)
}

func (c *Counter) applyLocked(action Action) {
	switch action {
	case ActionMark:
		c.previous = c.interval
		c.interval = 0
	case ActionReset:
		c.interval = 0
	}
}

// Report hands the counter to h as two scalars, the lifetime value under
// its name and the interval value under "<name> (interval)". The values
// are read and action is applied under one lock.
func (c *Counter) Report(h Handler, action Action) error {
	c.mu.Lock()
	value, interval := c.value, c.interval
	c.applyLocked(action)
	c.mu.Unlock()
	if err := h.HandleScalar(c.name, value); err != nil {
		return err
	}
	return h.HandleScalar(c.name+" (interval)", interval)
}

// Hourly counts events per hour of day. When a new hour is seen, every
// bucket between the previous hour and the new one is cleared first so the
// histogram always describes the last 24 hours. Hourly is not safe for
// concurrent use; owners guard it with their own lock.
type Hourly struct {
	counts [24]int64
	last   time.Time
}

// Record counts one event at t.
func (h *Hourly) Record(t time.Time) {
	hour := t.Hour()
	if !h.last.IsZero() && t.After(h.last) {
		switch {
		case t.Sub(h.last) >= 24*time.Hour:
			h.counts = [24]int64{}
		case hour != h.last.Hour() || t.Sub(h.last) >= time.Hour:
			for i := (h.last.Hour() + 1) % 24; ; i = (i + 1) % 24 {
				h.counts[i] = 0
				if i == hour {
					break
				}
			}
		}
	}
	h.counts[hour]++
	if t.After(h.last) {
		h.last = t
	}
}

// Counts returns a copy of the buckets indexed by hour.
func (h *Hourly) Counts() [24]int64 { return h.counts }

// HourKey returns the scalar name used for bucket i.
func HourKey(i int) string { return fmt.Sprintf("%02d:00", i) }
