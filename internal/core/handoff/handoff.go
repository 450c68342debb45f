// Package handoff buffers decoded broker deliveries between the consumer
// goroutine and the batch writer.
//
// The buffer is unbounded. Enqueue never blocks, so the broker delivery loop
// is never stalled by a slow durable store. Under sustained overload the
// backlog, and the process memory, grow until the broker prefetch limit stops
// new deliveries. The prefetch credit is therefore the effective bound.
package handoff

import (
	"context"
	"errors"
	"sync"

	"github.com/rl1809/stock-sync/internal/core/domain"
)

var ErrClosed = errors.New("handoff channel closed")

type Channel struct {
	mu     sync.Mutex
	items  []domain.DeductionRequest
	notify chan struct{}
	closed bool
}

func New() *Channel {
	return &Channel{notify: make(chan struct{}, 1)}
}

func (c *Channel) Enqueue(req domain.DeductionRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.items = append(c.items, req)

	select {
	case c.notify <- struct{}{}:
	default:
	}

	return nil
}

// Wait blocks until at least one item is buffered. It returns the context
// error on cancellation and ErrClosed once the channel is closed and empty.
func (c *Channel) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		n, closed := len(c.items), c.closed
		c.mu.Unlock()

		if n > 0 {
			return nil
		}
		if closed {
			return ErrClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.notify:
		}
	}
}

// Drain removes up to max items in FIFO order without blocking.
func (c *Channel) Drain(max int) []domain.DeductionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.items)
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]domain.DeductionRequest, n)
	copy(out, c.items[:n])

	rest := copy(c.items, c.items[n:])
	clear(c.items[rest:])
	c.items = c.items[:rest]

	return out
}

func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items)
}

// Close stops accepting items. Buffered items can still be drained.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.notify)
}
