package guard

import "sync"

type AlertPolicy int

const (
	// AlertEveryEvent fires on every violation once the threshold is reached.
	AlertEveryEvent AlertPolicy = iota
	// AlertOnMultiples fires at max, 2*max, 3*max and so on.
	AlertOnMultiples
)

// Counter is the per-mount violation tally. It never resets.
type Counter struct {
	mu     sync.Mutex
	count  int
	max    int
	policy AlertPolicy
}

func NewCounter(max int, policy AlertPolicy) *Counter {
	if max <= 0 {
		max = 5
	}
	return &Counter{max: max, policy: policy}
}

// Record counts one violation and reports whether the alert callback is due.
func (c *Counter) Record() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	if c.count < c.max {
		return c.count, false
	}
	if c.policy == AlertOnMultiples {
		return c.count, c.count%c.max == 0
	}
	return c.count, true
}

func (c *Counter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
