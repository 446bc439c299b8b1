// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/artifactp2p/lib/clock"
	"github.com/bureau-foundation/artifactp2p/lib/metrics"
)

// Transport keeps one authenticated connection to every peer in its
// peer set and multiplexes pushes and rpcs over it. See the package
// documentation for the connection model.
type Transport struct {
	config  Config
	self    PeerID
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	handlersMu sync.RWMutex
	handlers   map[Endpoint]Handler
	sealed     bool

	mu     sync.Mutex
	peers  map[PeerID]*peer
	closed bool

	correlation atomic.Uint64

	watchersMu sync.Mutex
	watchers   map[*ConnectionWatch]struct{}

	// supervisors tracks per-peer connection goroutines so Close can
	// wait for them.
	supervisors sync.WaitGroup
	done        chan struct{}
}

// New creates a transport. It neither listens nor dials until Serve
// is called and peers are added.
func New(config Config) (*Transport, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}
	config = config.withDefaults()
	return &Transport{
		config:   config,
		self:     config.Self,
		clock:    config.Clock,
		logger:   config.Logger,
		metrics:  config.Metrics,
		handlers: make(map[Endpoint]Handler),
		peers:    make(map[PeerID]*peer),
		watchers: make(map[*ConnectionWatch]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Self returns this node's peer ID.
func (t *Transport) Self() PeerID { return t.self }

// RegisterHandler installs the handler for endpoint. Handlers must be
// registered before Serve.
func (t *Transport) RegisterHandler(endpoint Endpoint, handler Handler) error {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()

	if t.sealed {
		return fmt.Errorf("registering %s: %w", endpoint, ErrHandlersSealed)
	}
	if _, exists := t.handlers[endpoint]; exists {
		return fmt.Errorf("registering %s: %w", endpoint, ErrDuplicateHandler)
	}
	t.handlers[endpoint] = handler
	return nil
}

func (t *Transport) handler(endpoint Endpoint) Handler {
	t.handlersMu.RLock()
	defer t.handlersMu.RUnlock()
	return t.handlers[endpoint]
}

// Serve seals the handler table and accepts inbound connections until
// ctx is cancelled or the transport is closed. Returns nil on clean
// shutdown.
func (t *Transport) Serve(ctx context.Context) error {
	t.handlersMu.Lock()
	t.sealed = true
	t.handlersMu.Unlock()

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-t.done:
		case <-stopped:
			return
		}
		t.config.Listener.Close()
	}()

	t.logger.Info("transport serving", "self", t.self, "address", t.config.Listener.Address())

	for {
		conn, err := t.config.Listener.Accept()
		if err != nil {
			if ctx.Err() != nil || t.isClosed() {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go t.accept(conn)
	}
}

// Close tears down every peer and stops Serve. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	peers := make([]*peer, 0, len(t.peers))
	for id, p := range t.peers {
		peers = append(peers, p)
		delete(t.peers, id)
	}
	t.mu.Unlock()

	for _, p := range peers {
		t.shutdownPeer(p, ErrClosed)
	}
	err := t.config.Listener.Close()
	t.supervisors.Wait()
	return err
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// AddPeer admits a peer and starts maintaining a connection to it.
// Adding a peer that is already present with identical info is a
// no-op; with different info it is an error (remove it first).
func (t *Transport) AddPeer(info PeerInfo) error {
	if info.ID == "" {
		return errors.New("peer ID is required")
	}
	if info.ID == t.self {
		return fmt.Errorf("cannot add self (%s) as a peer", info.ID)
	}
	if len(info.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("peer %s: public key must be %d bytes, got %d", info.ID, ed25519.PublicKeySize, len(info.PublicKey))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if existing, ok := t.peers[info.ID]; ok {
		if existing.info.Equal(info) {
			return nil
		}
		return fmt.Errorf("peer %s already present with different address or key", info.ID)
	}

	p := newPeer(info, t.config)
	t.peers[info.ID] = p

	t.supervisors.Add(1)
	if t.dials(info.ID) {
		go t.superviseDial(p)
	} else {
		go t.superviseAccept(p)
	}

	t.logger.Info("peer added", "peer", info.ID, "address", info.Address, "dials", t.dials(info.ID))
	return nil
}

// dials reports whether this node is the dialing side for peer.
func (t *Transport) dials(peer PeerID) bool {
	return t.self < peer
}

// RemovePeer drops a peer: its connection is closed, rpcs waiting on
// it fail with [ErrPeerRemoved], its handlers' contexts are cancelled
// and its queues are discarded.
func (t *Transport) RemovePeer(id PeerID) error {
	t.mu.Lock()
	p, ok := t.peers[id]
	if ok {
		delete(t.peers, id)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("removing %s: %w", id, ErrUnknownPeer)
	}
	t.shutdownPeer(p, ErrPeerRemoved)
	t.logger.Info("peer removed", "peer", id)
	return nil
}

func (t *Transport) shutdownPeer(p *peer, reason error) {
	unsent, undelivered := p.shutdown(reason)
	if unsent > 0 || undelivered > 0 {
		t.logger.Debug("discarded queued messages of departing peer",
			"peer", p.info.ID, "unsent_pushes", unsent, "undelivered", undelivered)
	}
	t.metrics.QueueDropped.WithLabelValues(metrics.QueuePush).Add(float64(unsent))
	t.metrics.QueueDropped.WithLabelValues(metrics.QueueInbound).Add(float64(undelivered))
	t.metrics.ForgetPeer(string(p.info.ID))
}

func (t *Transport) lookup(id PeerID) (*peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	p, ok := t.peers[id]
	if !ok {
		return nil, fmt.Errorf("peer %s: %w", id, ErrUnknownPeer)
	}
	return p, nil
}

// Peers returns the IDs of all peers in the set, sorted.
func (t *Transport) Peers() []PeerID {
	t.mu.Lock()
	ids := make([]PeerID, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Connected reports whether an authenticated connection to peer is
// currently up.
func (t *Transport) Connected(id PeerID) bool {
	p, err := t.lookup(id)
	if err != nil {
		return false
	}
	return p.connected()
}

// Excluded reports whether peer failed a handshake on a connection
// this node dialed. Excluded peers are not redialed until removed and
// added again.
func (t *Transport) Excluded(id PeerID) bool {
	p, err := t.lookup(id)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.excluded
}

// Push enqueues payload for delivery to peer's endpoint and returns
// immediately. When the peer's push queue is full the oldest queued
// message is dropped. Undeliverable pushes are counted in metrics and
// logged at debug level; the caller is never told.
func (t *Transport) Push(id PeerID, endpoint Endpoint, payload []byte) {
	p, err := t.lookup(id)
	if err != nil {
		t.logger.Debug("push dropped", "peer", id, "endpoint", endpoint, "error", err)
		t.metrics.QueueDropped.WithLabelValues(metrics.QueuePush).Inc()
		return
	}
	if len(payload) > t.config.MaxFrameSize {
		t.logger.Debug("push dropped", "peer", id, "endpoint", endpoint, "error", ErrPayloadTooLarge)
		t.metrics.QueueDropped.WithLabelValues(metrics.QueuePush).Inc()
		return
	}

	_, overflow := p.push.Push(outbound{frame: frame{Kind: framePush, Endpoint: endpoint, Payload: payload}})
	if overflow {
		t.logger.Debug("push queue full, dropped oldest", "peer", id, "endpoint", endpoint)
		t.metrics.QueueDropped.WithLabelValues(metrics.QueuePush).Inc()
	}
	t.metrics.QueueOccupancy.WithLabelValues(string(id), metrics.QueuePush).Set(float64(p.push.Len()))
}

// Discard removes queued pushes to peer for which match returns true
// and returns how many were removed. Pushes already written to the
// connection are unaffected.
func (t *Transport) Discard(id PeerID, match func(endpoint Endpoint, payload []byte) bool) int {
	p, err := t.lookup(id)
	if err != nil {
		return 0
	}
	removed := p.push.RemoveIf(func(item outbound) bool {
		return match(item.frame.Endpoint, item.frame.Payload)
	})
	t.metrics.QueueOccupancy.WithLabelValues(string(id), metrics.QueuePush).Set(float64(p.push.Len()))
	return removed
}

// RPC sends payload to peer's endpoint and waits for the response.
// A zero timeout uses the configured default. Exactly one outcome is
// returned: the response, [ErrRPCTimeout], [ErrConnectionLost],
// [ErrPeerRemoved], [ErrUnknownPeer], [ErrQueueOverflow],
// [ErrHandshakeFailure] for an excluded peer, a [*RemoteError], or the
// context's error.
func (t *Transport) RPC(ctx context.Context, id PeerID, endpoint Endpoint, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = t.config.RPCTimeout
	}
	if len(payload) > t.config.MaxFrameSize {
		return nil, fmt.Errorf("rpc %s to %s: %w", endpoint, id, ErrPayloadTooLarge)
	}
	p, err := t.lookup(id)
	if err != nil {
		return nil, err
	}

	correlation := t.correlation.Add(1)
	pending := &call{result: make(chan callResult, 1)}
	request := outbound{frame: frame{
		Kind:        frameRequest,
		Endpoint:    endpoint,
		Correlation: correlation,
		Payload:     payload,
	}}

	p.mu.Lock()
	switch {
	case p.removed != nil:
		p.mu.Unlock()
		return nil, fmt.Errorf("rpc %s to %s: %w", endpoint, id, p.removed)
	case p.excluded:
		p.mu.Unlock()
		return nil, fmt.Errorf("rpc %s to %s: %w", endpoint, id, ErrHandshakeFailure)
	}
	if _, overflow := p.control.Push(request); overflow {
		p.mu.Unlock()
		t.metrics.QueueDropped.WithLabelValues(metrics.QueueRequest).Inc()
		return nil, fmt.Errorf("rpc %s to %s: %w", endpoint, id, ErrQueueOverflow)
	}
	p.pending[correlation] = pending
	p.mu.Unlock()
	t.metrics.QueueOccupancy.WithLabelValues(string(id), metrics.QueueRequest).Set(float64(p.control.Len()))

	timer := t.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-pending.result:
		return result.payload, result.err
	case <-timer.C:
		p.abandon(correlation)
		return nil, fmt.Errorf("rpc %s to %s after %s: %w", endpoint, id, timeout, ErrRPCTimeout)
	case <-ctx.Done():
		p.abandon(correlation)
		return nil, ctx.Err()
	}
}
