// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package artifactpool

import (
	"context"
	"sync"

	"github.com/bureau-foundation/artifactp2p/lib/artifact"
	"github.com/bureau-foundation/artifactp2p/lib/queue"
)

// EventKind distinguishes pool events.
type EventKind uint8

const (
	// EventAdded reports a newly stored artifact.
	EventAdded EventKind = iota + 1

	// EventPurged reports that everything at or below Watermark is
	// gone.
	EventPurged
)

func (kind EventKind) String() string {
	switch kind {
	case EventAdded:
		return "added"
	case EventPurged:
		return "purged"
	default:
		return "unknown"
	}
}

// Event is one pool change.
type Event struct {
	Kind EventKind

	// ID and Attribute describe the artifact for EventAdded.
	ID        artifact.ID
	Attribute artifact.Attribute

	// Watermark is the highest purged height for EventPurged.
	Watermark artifact.Height
}

// Subscription buffers pool events for one consumer. A consumer
// serving other sources as well selects on Ready and drains with
// Next; a dedicated consumer loops on Wait.
type Subscription struct {
	events *queue.Queue[Event]
	broker *broker
}

// Ready receives a value when events may be available.
func (s *Subscription) Ready() <-chan struct{} { return s.events.Ready() }

// Next returns the oldest buffered event without blocking.
func (s *Subscription) Next() (Event, bool) { return s.events.TryPop() }

// Wait blocks until an event is available, ctx ends, or the
// subscription is closed (queue.ErrClosed).
func (s *Subscription) Wait(ctx context.Context) (Event, error) { return s.events.Pop(ctx) }

// Dropped returns how many events were discarded because the consumer
// fell behind.
func (s *Subscription) Dropped() uint64 { return s.events.Dropped() }

// Close stops delivery to this subscription.
func (s *Subscription) Close() {
	s.broker.remove(s)
	s.events.Close()
}

// broker fans events out to subscriptions.
type broker struct {
	capacity int

	mu            sync.Mutex
	subscriptions map[*Subscription]struct{}
}

func newBroker(capacity int) *broker {
	return &broker{capacity: capacity, subscriptions: make(map[*Subscription]struct{})}
}

func (b *broker) subscribe() *Subscription {
	subscription := &Subscription{events: queue.New[Event](b.capacity, queue.DropOldest), broker: b}
	b.mu.Lock()
	b.subscriptions[subscription] = struct{}{}
	b.mu.Unlock()
	return subscription
}

func (b *broker) remove(subscription *Subscription) {
	b.mu.Lock()
	delete(b.subscriptions, subscription)
	b.mu.Unlock()
}

func (b *broker) publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for subscription := range b.subscriptions {
		subscription.events.Push(event)
	}
}

// close ends every subscription.
func (b *broker) close() {
	b.mu.Lock()
	subscriptions := b.subscriptions
	b.subscriptions = make(map[*Subscription]struct{})
	b.mu.Unlock()
	for subscription := range subscriptions {
		subscription.events.Close()
	}
}
