package remoting

import (
	"fmt"
	"sync/atomic"
)

// ConnStats tracks both the lifetime and currently-open count of a class of
// connection (primary channels, reverse channels) for status reporting.
type ConnStats struct {
	total int32
	open  int32
}

// New records a newly established connection, returning its ordinal.
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.total, 1)
}

// Opened increments the currently-open count.
func (c *ConnStats) Opened() {
	atomic.AddInt32(&c.open, 1)
}

// Closed decrements the currently-open count.
func (c *ConnStats) Closed() {
	atomic.AddInt32(&c.open, -1)
}

// Snapshot returns (currently open, lifetime total).
func (c *ConnStats) Snapshot() (open, total int32) {
	return atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.total)
}

func (c *ConnStats) String() string {
	open, total := c.Snapshot()
	return fmt.Sprintf("[%d/%d]", open, total)
}
