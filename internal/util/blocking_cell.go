package util

import (
	"context"
	"errors"
	"sync"
)

// BlockingCell is a one-shot container: one goroutine sets the value, any
// number of goroutines wait for it. Used for awaiting performative echoes
// (attach, detach, end, close replies).
type BlockingCell[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
}

// NewBlockingCell creates an empty cell.
func NewBlockingCell[T any]() *BlockingCell[T] {
	return &BlockingCell[T]{done: make(chan struct{})}
}

// Set stores the value and wakes all waiters. Only the first Set wins.
func (c *BlockingCell[T]) Set(value T) error {
	var err error = errors.New("cell already set")
	c.once.Do(func() {
		c.value = value
		close(c.done)
		err = nil
	})
	return err
}

// Get blocks until the value is set.
func (c *BlockingCell[T]) Get() T {
	<-c.done
	return c.value
}

// GetWithContext blocks until the value is set or the context ends.
func (c *BlockingCell[T]) GetWithContext(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done exposes the completion channel for use in select statements.
func (c *BlockingCell[T]) Done() <-chan struct{} {
	return c.done
}

// IsSet reports whether the value has been stored.
func (c *BlockingCell[T]) IsSet() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
