// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "sync"

// ConnectionWatch reports peers whose connection came up. Notifications
// for one peer coalesce: Take returns each peer once with the
// generation of its newest connection, so a slow reader never blocks
// the transport and never misses that a peer reconnected.
//
// Generations count connections to one peer from 1. A generation above
// 1 means an earlier connection existed, and anything written to it
// may have been lost in flight.
type ConnectionWatch struct {
	mu      sync.Mutex
	pending map[PeerID]uint64
	closed  bool
	ready   chan struct{}

	release func()
}

// NewConnectionWatch returns a watch fed only by Notify. The transport
// hands out watches from WatchConnections; this constructor is for
// code that stands in for a transport.
func NewConnectionWatch() *ConnectionWatch {
	return &ConnectionWatch{
		pending: make(map[PeerID]uint64),
		ready:   make(chan struct{}, 1),
	}
}

// Notify records that connection generation to peer came up.
func (w *ConnectionWatch) Notify(peer PeerID, generation uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if generation > w.pending[peer] {
		w.pending[peer] = generation
	}
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled when Take has something to return.
func (w *ConnectionWatch) Ready() <-chan struct{} {
	return w.ready
}

// Take returns and clears the pending notifications.
func (w *ConnectionWatch) Take() map[PeerID]uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	taken := w.pending
	w.pending = make(map[PeerID]uint64)
	return taken
}

// Close stops the watch. Later connections are not recorded.
func (w *ConnectionWatch) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.pending = nil
	release := w.release
	w.mu.Unlock()
	if release != nil {
		release()
	}
}

// WatchConnections returns a watch notified every time an
// authenticated connection to a peer comes up. Close it when done.
func (t *Transport) WatchConnections() *ConnectionWatch {
	watch := NewConnectionWatch()
	watch.release = func() {
		t.watchersMu.Lock()
		delete(t.watchers, watch)
		t.watchersMu.Unlock()
	}
	t.watchersMu.Lock()
	t.watchers[watch] = struct{}{}
	t.watchersMu.Unlock()
	return watch
}

func (t *Transport) notifyConnected(peer PeerID, generation uint64) {
	t.watchersMu.Lock()
	defer t.watchersMu.Unlock()
	for watch := range t.watchers {
		watch.Notify(peer, generation)
	}
}
