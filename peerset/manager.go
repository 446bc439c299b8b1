// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peerset

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/artifactp2p/lib/clock"
	"github.com/bureau-foundation/artifactp2p/transport"
)

// Transport is the part of *transport.Transport the manager drives.
type Transport interface {
	AddPeer(info transport.PeerInfo) error
	RemovePeer(id transport.PeerID) error
}

// EventKind says what happened to a member.
type EventKind uint8

const (
	Added EventKind = iota + 1
	Removed
)

func (kind EventKind) String() string {
	switch kind {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is a membership change delivered to subscribers.
type Event struct {
	Kind EventKind
	Peer transport.PeerInfo
}

// Config configures a Manager.
type Config struct {
	// Self is this node's ID. It is never added as a peer, even when
	// the membership lists it (it normally does).
	Self transport.PeerID

	Transport Transport

	// Clock drives Run's polling. Defaults to the real clock.
	Clock clock.Clock

	Logger *slog.Logger

	// SubscriberBuffer is the channel capacity of each subscription.
	// Defaults to 64.
	SubscriberBuffer int
}

// Manager mirrors the subnet membership into the transport's peer set
// and tells subscribers who joined and who left. It is the single
// owner of the membership registry.
type Manager struct {
	self      transport.PeerID
	transport Transport
	clock     clock.Clock
	logger    *slog.Logger
	buffer    int

	// update serializes UpdatePeers so subscribers see events in the
	// order changes were applied.
	update sync.Mutex

	mu          sync.RWMutex
	members     map[transport.PeerID]transport.PeerInfo
	subscribers []chan Event
	closed      bool
}

// New creates a manager with an empty membership.
func New(config Config) (*Manager, error) {
	if config.Self == "" {
		return nil, errors.New("peerset: Self is required")
	}
	if config.Transport == nil {
		return nil, errors.New("peerset: Transport is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = 64
	}
	return &Manager{
		self:      config.Self,
		transport: config.Transport,
		clock:     config.Clock,
		logger:    config.Logger,
		buffer:    config.SubscriberBuffer,
		members:   make(map[transport.PeerID]transport.PeerInfo),
	}, nil
}

// UpdatePeers makes set the membership. Peers new to the set are added
// to the transport, which starts connecting; peers missing from it are
// removed, which tears down their connection and fails their pending
// rpcs; peers whose address or key changed are removed and added
// again. Applying the same set twice does nothing.
//
// A peer the transport refuses is left out of the membership and
// reported in the returned error; the rest of the set is still
// applied. Events are delivered before UpdatePeers returns, blocking
// on slow subscribers until ctx ends.
func (m *Manager) UpdatePeers(ctx context.Context, set map[transport.PeerID]transport.PeerInfo) error {
	m.update.Lock()
	defer m.update.Unlock()

	m.mu.RLock()
	current := make(map[transport.PeerID]transport.PeerInfo, len(m.members))
	for id, info := range m.members {
		current[id] = info
	}
	m.mu.RUnlock()

	wanted := make(map[transport.PeerID]transport.PeerInfo, len(set))
	for id, info := range set {
		if id == m.self {
			continue
		}
		info.ID = id
		wanted[id] = info
	}

	var removals, additions []transport.PeerInfo
	for id, info := range current {
		want, ok := wanted[id]
		if !ok || !want.Equal(info) {
			removals = append(removals, info)
		}
	}
	for id, info := range wanted {
		if existing, ok := current[id]; !ok || !existing.Equal(info) {
			additions = append(additions, info)
		}
	}
	slices.SortFunc(removals, byID)
	slices.SortFunc(additions, byID)

	var events []Event
	var errs []error
	for _, info := range removals {
		if err := m.transport.RemovePeer(info.ID); err != nil && !errors.Is(err, transport.ErrUnknownPeer) {
			errs = append(errs, fmt.Errorf("removing %s: %w", info.ID, err))
		}
		m.mu.Lock()
		delete(m.members, info.ID)
		m.mu.Unlock()
		events = append(events, Event{Kind: Removed, Peer: info})
		m.logger.Info("peer left membership", "peer", info.ID)
	}
	for _, info := range additions {
		if err := m.transport.AddPeer(info); err != nil {
			m.logger.Warn("transport refused peer", "peer", info.ID, "error", err)
			errs = append(errs, fmt.Errorf("adding %s: %w", info.ID, err))
			continue
		}
		m.mu.Lock()
		m.members[info.ID] = info
		m.mu.Unlock()
		events = append(events, Event{Kind: Added, Peer: info})
		m.logger.Info("peer joined membership", "peer", info.ID, "address", info.Address)
	}

	if err := m.emit(ctx, events); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) emit(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil
	}
	for index, event := range events {
		for _, subscriber := range m.subscribers {
			select {
			case subscriber <- event:
			case <-ctx.Done():
				m.logger.Warn("membership events not delivered", "undelivered", len(events)-index, "error", ctx.Err())
				return fmt.Errorf("delivering membership events: %w", ctx.Err())
			}
		}
	}
	return nil
}

// Members returns the current membership sorted by ID.
func (m *Manager) Members() []transport.PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := make([]transport.PeerInfo, 0, len(m.members))
	for _, info := range m.members {
		members = append(members, info)
	}
	slices.SortFunc(members, byID)
	return members
}

func byID(a, b transport.PeerInfo) int {
	return cmp.Compare(a.ID, b.ID)
}

// Member returns the info of one member.
func (m *Manager) Member(id transport.PeerID) (transport.PeerInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.members[id]
	return info, ok
}

// Subscribe returns a channel receiving every membership change made
// after the call. The channel is closed by Close. Subscribers must
// keep reading: UpdatePeers waits for them.
func (m *Manager) Subscribe() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make(chan Event, m.buffer)
	if m.closed {
		close(events)
		return events
	}
	m.subscribers = append(m.subscribers, events)
	return events
}

// Close closes every subscription. The membership and the transport
// are left as they are.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, subscriber := range m.subscribers {
		close(subscriber)
	}
	m.subscribers = nil
}

// Run polls source every interval and applies what it returns, until
// ctx ends. The first poll happens immediately. A failed poll keeps
// the previous membership.
func (m *Manager) Run(ctx context.Context, source Source, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("peerset: poll interval must be positive, got %s", interval)
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.poll(ctx, source)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) poll(ctx context.Context, source Source) {
	set, err := source.Poll(ctx)
	if errors.Is(err, ErrNoMembership) {
		m.logger.Debug("membership source has no membership yet")
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("polling membership failed", "error", err)
		}
		return
	}
	if err := m.UpdatePeers(ctx, set); err != nil && ctx.Err() == nil {
		m.logger.Warn("applying membership incomplete", "error", err)
	}
}
