package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/koios/adb-invocation-server/internal/metrics"
)

// JobCounter counts template generation requests in flight. It is a status
// figure only and never limits concurrency.
type JobCounter struct {
	active atomic.Int64
}

// NewJobCounter returns a counter at zero.
func NewJobCounter() *JobCounter {
	return &JobCounter{}
}

// Acquire increments the counter and returns the matching release. Calling
// release more than once has no further effect.
func (c *JobCounter) Acquire() (release func()) {
	c.active.Add(1)
	metrics.ActiveJobs.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.active.Add(-1)
			metrics.ActiveJobs.Dec()
		})
	}
}

// Active returns the number of requests currently in flight.
func (c *JobCounter) Active() int64 {
	return c.active.Load()
}
