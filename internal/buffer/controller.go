// Package buffer implements the backpressure controller that sits between a
// session's pipe reader and its record pump. It bounds buffered-but-unconsumed
// bytes with high/low watermark hysteresis and an absolute ceiling.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrOverflow is returned when a write would push buffered bytes past the
// configured absolute maximum. The session owning the buffer is expected to
// fail rather than grow without bound.
var ErrOverflow = errors.New("buffer overflow")

// ErrClosed is returned for writes after Close.
var ErrClosed = errors.New("buffer closed")

// Controller is a single-producer/single-consumer byte queue with watermark
// based pacing. The producer is the session's pipe read loop; the consumer is
// its framing pump. Nothing in a Controller is shared across sessions.
type Controller struct {
	high int
	low  int
	max  int

	mu      sync.Mutex
	data    []byte
	paused  bool
	closed  bool
	resumed chan struct{} // closed while unpaused; swapped for a fresh channel on pause
	notify  chan struct{} // wakes the consumer when data or close arrives
}

// New creates a controller with the given watermarks. Callers are expected to
// have validated 0 < low < high <= max (config.Validate enforces this).
func New(high, low, max int) *Controller {
	resumed := make(chan struct{})
	close(resumed)
	return &Controller{
		high:    high,
		low:     low,
		max:     max,
		resumed: resumed,
		notify:  make(chan struct{}, 1),
	}
}

// Write appends a chunk from the pipe. Crossing the high watermark flips the
// controller into the paused state; exceeding the absolute maximum returns
// ErrOverflow without appending.
func (c *Controller) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if len(c.data)+len(p) > c.max {
		have := len(c.data)
		c.mu.Unlock()
		return fmt.Errorf("%w: %d buffered + %d incoming exceeds max %d", ErrOverflow, have, len(p), c.max)
	}

	c.data = append(c.data, p...)
	if !c.paused && len(c.data) >= c.high {
		c.paused = true
		c.resumed = make(chan struct{})
	}
	c.mu.Unlock()

	c.wakeConsumer()
	return nil
}

// WaitWritable blocks while the controller is paused. The read loop calls
// this before every pipe read so no further bytes arrive past the high
// watermark until the consumer drains to the low watermark.
func (c *Controller) WaitWritable(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	ch := c.resumed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}

	select {
	case <-ch:
		c.mu.Lock()
		closed = c.closed
		c.mu.Unlock()
		if closed {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next blocks until buffered bytes are available and returns up to maxChunk
// of them. It returns io.EOF once the buffer is closed and fully drained.
// Draining to the low watermark resumes a paused producer.
func (c *Controller) Next(ctx context.Context, maxChunk int) ([]byte, error) {
	for {
		c.mu.Lock()
		if len(c.data) > 0 {
			n := len(c.data)
			if maxChunk > 0 && n > maxChunk {
				n = maxChunk
			}
			chunk := append([]byte(nil), c.data[:n]...)
			rest := len(c.data) - n
			if rest == 0 {
				c.data = nil
			} else {
				c.data = append(c.data[:0:0], c.data[n:]...)
			}
			if c.paused && len(c.data) <= c.low {
				c.paused = false
				close(c.resumed)
			}
			c.mu.Unlock()
			return chunk, nil
		}
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return nil, io.EOF
		}

		select {
		case <-c.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Peek returns up to n buffered bytes without consuming them.
func (c *Controller) Peek(n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > len(c.data) {
		n = len(c.data)
	}
	return append([]byte(nil), c.data[:n]...)
}

// Len returns the number of buffered, unconsumed bytes.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Paused reports whether pipe reads are currently suspended.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Close marks the producer side finished. Buffered bytes remain readable;
// Next returns io.EOF after the last byte is drained. Close also releases a
// paused producer so a shutting-down read loop cannot hang on WaitWritable.
func (c *Controller) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		if c.paused {
			c.paused = false
			close(c.resumed)
		}
	}
	c.mu.Unlock()

	c.wakeConsumer()
}

func (c *Controller) wakeConsumer() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
