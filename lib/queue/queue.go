// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue provides a bounded FIFO queue with an explicit
// overflow policy. Every outbox and inbox in the transport is one of
// these, so memory per peer is fixed no matter how fast a peer sends
// or how slowly it drains.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop once the queue is closed and empty.
var ErrClosed = errors.New("queue closed")

// Policy chooses what Push discards when the queue is full.
type Policy int

const (
	// DropOldest evicts the item at the head to make room for the new
	// one. Used where newer items supersede older ones (adverts).
	DropOldest Policy = iota

	// DropNewest rejects the incoming item and leaves the queue as it
	// is. Used where the caller must learn about the rejection (rpc
	// requests).
	DropNewest
)

func (policy Policy) String() string {
	switch policy {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	default:
		return "unknown"
	}
}

// Queue is a fixed-capacity circular FIFO. All methods are safe for
// concurrent use. Any number of goroutines may Push; Pop is normally
// called from a single worker but multiple consumers are allowed.
type Queue[T any] struct {
	mutex    sync.Mutex
	items    []T
	head     int
	count    int
	policy   Policy
	closed   bool
	dropped  uint64
	notEmpty chan struct{}
	done     chan struct{}
}

// New creates a queue holding at most capacity items. Panics if
// capacity is not positive.
func New[T any](capacity int, policy Policy) *Queue[T] {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	return &Queue[T]{
		items:    make([]T, capacity),
		policy:   policy,
		notEmpty: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push appends item. When the queue is full one item is discarded per
// the queue's policy and returned with overflow set: under DropOldest
// that is the evicted head, under DropNewest it is item itself, which
// was not enqueued. Pushing to a closed queue discards item the same
// way a DropNewest overflow does.
func (queue *Queue[T]) Push(item T) (discarded T, overflow bool) {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()

	if queue.closed {
		queue.dropped++
		return item, true
	}

	capacity := len(queue.items)
	if queue.count == capacity {
		queue.dropped++
		if queue.policy == DropNewest {
			return item, true
		}
		discarded = queue.items[queue.head]
		queue.items[queue.head] = item
		queue.head = (queue.head + 1) % capacity
		return discarded, true
	}

	queue.items[(queue.head+queue.count)%capacity] = item
	queue.count++
	queue.signal()
	return discarded, false
}

// Pop removes and returns the head item, blocking until one is
// available, ctx is done, or the queue is closed and drained.
func (queue *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if item, ok, closed := queue.take(); ok {
			return item, nil
		} else if closed {
			var zero T
			return zero, ErrClosed
		}

		select {
		case <-queue.notEmpty:
		case <-queue.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryPop removes and returns the head item without blocking.
func (queue *Queue[T]) TryPop() (T, bool) {
	item, ok, _ := queue.take()
	return item, ok
}

func (queue *Queue[T]) take() (item T, ok bool, closed bool) {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()

	if queue.count == 0 {
		return item, false, queue.closed
	}
	var zero T
	item = queue.items[queue.head]
	queue.items[queue.head] = zero
	queue.head = (queue.head + 1) % len(queue.items)
	queue.count--
	if queue.count > 0 {
		queue.signal()
	}
	return item, true, false
}

// signal wakes one waiting Pop. Caller holds the mutex.
func (queue *Queue[T]) signal() {
	select {
	case queue.notEmpty <- struct{}{}:
	default:
	}
}

// Ready returns a channel that receives a value when items may be
// available. A consumer serving several queues selects on their Ready
// channels and then drains each with TryPop; a wakeup is a hint, so
// TryPop may still come back empty.
func (queue *Queue[T]) Ready() <-chan struct{} {
	return queue.notEmpty
}

// RemoveIf deletes every queued item for which match returns true,
// preserving the order of the rest. Returns the number removed.
func (queue *Queue[T]) RemoveIf(match func(T) bool) int {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()

	capacity := len(queue.items)
	kept := 0
	for index := range queue.count {
		item := queue.items[(queue.head+index)%capacity]
		if match(item) {
			continue
		}
		queue.items[(queue.head+kept)%capacity] = item
		kept++
	}
	removed := queue.count - kept
	var zero T
	for index := kept; index < queue.count; index++ {
		queue.items[(queue.head+index)%capacity] = zero
	}
	queue.count = kept
	return removed
}

// Drain removes and returns every queued item in FIFO order.
func (queue *Queue[T]) Drain() []T {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()

	capacity := len(queue.items)
	result := make([]T, queue.count)
	var zero T
	for index := range queue.count {
		position := (queue.head + index) % capacity
		result[index] = queue.items[position]
		queue.items[position] = zero
	}
	queue.head = 0
	queue.count = 0
	return result
}

// Close stops the queue accepting items and wakes blocked consumers.
// Items already queued can still be popped. Close is idempotent.
func (queue *Queue[T]) Close() {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	if queue.closed {
		return
	}
	queue.closed = true
	close(queue.done)
}

// Len returns the number of queued items.
func (queue *Queue[T]) Len() int {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	return queue.count
}

// Cap returns the queue's capacity.
func (queue *Queue[T]) Cap() int {
	return len(queue.items)
}

// Dropped returns how many items Push has discarded over the queue's
// lifetime.
func (queue *Queue[T]) Dropped() uint64 {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	return queue.dropped
}
