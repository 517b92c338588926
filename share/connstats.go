package htshare

import (
	"fmt"
	"sync/atomic"
)

// ConnStats keeps track of both currently open and total relay counts for an
// entity. The String form, "[open/total]", is used as a tag in relay log
// lines.
type ConnStats struct {
	count int32
	open  int32
}

// New adds one to the total relay count and returns the new total.
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open adds one to the current open relay count.
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the current open relay count.
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count))
}
