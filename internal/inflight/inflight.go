package inflight

import (
	"context"
	"sync"
)

// Counter tracks in-flight upstream POSTs so a closing session can wait for them.
// The zero value is ready to use.
type Counter struct {
	mu     sync.Mutex
	count  int64
	zeroCh chan struct{}
}

// Inc records the start of an operation.
func (c *Counter) Inc() {
	c.mu.Lock()
	if c.count == 0 {
		c.zeroCh = make(chan struct{})
	}
	c.count++
	c.mu.Unlock()
}

// Dec records the end of an operation.
func (c *Counter) Dec() {
	c.mu.Lock()
	if c.count > 0 {
		c.count--
		if c.count == 0 && c.zeroCh != nil {
			close(c.zeroCh)
			c.zeroCh = nil
		}
	}
	c.mu.Unlock()
}

// Load returns the current in-flight count.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// WaitForZero blocks until the count is zero or the context is done.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	ch := c.zeroCh
	c.mu.Unlock()
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}
