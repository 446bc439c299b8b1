// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package artifactpool

import (
	"context"
	"sync"

	"github.com/bureau-foundation/artifactp2p/lib/artifact"
)

// Compile-time interface check.
var _ Pool = (*Memory)(nil)

// Memory is a Pool held entirely in process memory.
type Memory struct {
	validator Validator
	broker    *broker

	mu        sync.RWMutex
	artifacts map[artifact.ID][]byte
	below     artifact.Height
	closed    bool
}

// NewMemory creates an empty in-memory pool.
func NewMemory(options Options) *Memory {
	options = options.withDefaults()
	return &Memory{
		validator: options.Validator,
		broker:    newBroker(options.SubscriptionCapacity),
		artifacts: make(map[artifact.ID][]byte),
	}
}

func (m *Memory) Get(_ context.Context, id artifact.ID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	payload, ok := m.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return payload, nil
}

func (m *Memory) Contains(_ context.Context, id artifact.ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.artifacts[id]
	return ok, nil
}

func (m *Memory) Put(_ context.Context, id artifact.ID, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.artifacts[id]; ok {
		m.mu.Unlock()
		return nil
	}
	stored, err := admit(id, payload, m.below, m.validator)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.artifacts[id] = append([]byte(nil), payload...)
	m.mu.Unlock()

	m.broker.publish(Event{Kind: EventAdded, ID: stored.ID, Attribute: stored.Attribute})
	return nil
}

func (m *Memory) PurgeBelow(_ context.Context, height artifact.Height) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	if height <= m.below {
		m.mu.Unlock()
		return 0, nil
	}
	m.below = height
	removed := 0
	for id := range m.artifacts {
		if artifact.Expired(id, height-1) {
			delete(m.artifacts, id)
			removed++
		}
	}
	m.mu.Unlock()

	m.broker.publish(Event{Kind: EventPurged, Watermark: height - 1})
	return removed, nil
}

func (m *Memory) PurgeHeight() artifact.Height {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.below
}

func (m *Memory) IDs(_ context.Context) ([]artifact.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	ids := make([]artifact.ID, 0, len(m.artifacts))
	for id := range m.artifacts {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) Subscribe() *Subscription {
	return m.broker.subscribe()
}

// Close discards the contents and ends every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.artifacts = nil
	m.mu.Unlock()
	m.broker.close()
	return nil
}
