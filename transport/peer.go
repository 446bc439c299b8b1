// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/artifactp2p/lib/metrics"
	"github.com/bureau-foundation/artifactp2p/lib/queue"
)

// outbound is one queued frame. Responses carry the connection
// generation their request arrived on; a response for an older
// generation is dropped because the requester already failed the call.
type outbound struct {
	frame      frame
	generation uint64
}

type call struct {
	result chan callResult
}

type callResult struct {
	payload []byte
	err     error
}

// peer is the transport's state for one member of the peer set. It
// outlives individual connections: queues and the rate limiter persist
// across reconnects until the peer is removed.
type peer struct {
	info PeerInfo

	ctx    context.Context
	cancel context.CancelFunc

	push    *queue.Queue[outbound]
	control *queue.Queue[outbound]
	limiter *rate.Limiter

	// incoming hands accepted, authenticated connections to the accept
	// supervisor. Capacity one: a newer connection replaces a queued
	// older one.
	incoming chan net.Conn

	inboxCapacity int

	mu         sync.Mutex
	conn       net.Conn
	generation uint64
	excluded   bool
	removed    error
	pending    map[uint64]*call
	inboxes    map[Endpoint]*queue.Queue[inbound]
}

func newPeer(info PeerInfo, config Config) *peer {
	ctx, cancel := context.WithCancel(context.Background())
	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	return &peer{
		info:          info,
		ctx:           ctx,
		cancel:        cancel,
		push:          queue.New[outbound](config.PushQueueCapacity, queue.DropOldest),
		control:       queue.New[outbound](config.RequestQueueCapacity, queue.DropNewest),
		limiter:       rate.NewLimiter(limit, config.RateBurst),
		incoming:      make(chan net.Conn, 1),
		inboxCapacity: config.InboundQueueCapacity,
		pending:       make(map[uint64]*call),
		inboxes:       make(map[Endpoint]*queue.Queue[inbound]),
	}
}

func (p *peer) connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// failPendingLocked resolves every waiting rpc with err and drops
// queued requests and responses. Caller holds p.mu.
func (p *peer) failPendingLocked(err error) {
	for correlation, pending := range p.pending {
		pending.result <- callResult{err: err}
		delete(p.pending, correlation)
	}
	p.control.RemoveIf(func(outbound) bool { return true })
}

// abandon forgets a call whose caller stopped waiting, and pulls its
// request out of the queue if it has not been written yet.
func (p *peer) abandon(correlation uint64) {
	p.mu.Lock()
	delete(p.pending, correlation)
	p.mu.Unlock()
	p.control.RemoveIf(func(item outbound) bool {
		return item.frame.Kind == frameRequest && item.frame.Correlation == correlation
	})
}

// resolve completes the call a response frame answers. Responses to
// abandoned calls are dropped.
func (p *peer) resolve(response frame) bool {
	p.mu.Lock()
	pending, ok := p.pending[response.Correlation]
	delete(p.pending, response.Correlation)
	p.mu.Unlock()
	if !ok {
		return false
	}
	if response.Error != "" {
		pending.result <- callResult{err: &RemoteError{
			Peer:     p.info.ID,
			Endpoint: response.Endpoint,
			Message:  response.Error,
		}}
		return true
	}
	pending.result <- callResult{payload: response.Payload}
	return true
}

// exclude marks the peer as failing authentication. Waiting rpcs fail
// with ErrHandshakeFailure.
func (p *peer) exclude() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.excluded = true
	p.failPendingLocked(ErrHandshakeFailure)
}

// shutdown closes the peer for good and returns how many queued
// pushes and inbound messages were discarded unprocessed.
func (p *peer) shutdown(reason error) (unsent, undelivered int) {
	p.mu.Lock()
	if p.removed != nil {
		p.mu.Unlock()
		return 0, 0
	}
	p.removed = reason
	p.failPendingLocked(reason)
	if p.conn != nil {
		p.conn.Close()
	}
	inboxes := make([]*queue.Queue[inbound], 0, len(p.inboxes))
	for _, inbox := range p.inboxes {
		inboxes = append(inboxes, inbox)
	}
	p.mu.Unlock()

	p.cancel()
	p.push.Close()
	p.control.Close()
	unsent = len(p.push.Drain())
	for _, inbox := range inboxes {
		inbox.Close()
		undelivered += len(inbox.Drain())
	}
	return unsent, undelivered
}

// offer hands an accepted connection to the accept supervisor,
// superseding whatever connection it is running.
func (p *peer) offer(conn net.Conn) {
	p.mu.Lock()
	if p.removed != nil {
		p.mu.Unlock()
		conn.Close()
		return
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.mu.Unlock()

	select {
	case stale := <-p.incoming:
		stale.Close()
	default:
	}
	select {
	case p.incoming <- conn:
	default:
		conn.Close()
	}
}

// stableConnection is how long a connection must last before the
// redial backoff starts over from its initial interval.
const stableConnection = 30 * time.Second

// superviseDial keeps a connection to a peer this node dials. Dial and
// I/O failures retry with exponential backoff; a handshake failure
// excludes the peer and ends supervision.
func (t *Transport) superviseDial(p *peer) {
	defer t.supervisors.Done()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = t.config.DialBackoffInitial
	retry.MaxInterval = t.config.DialBackoffMax
	retry.MaxElapsedTime = 0
	retry.Clock = t.clock
	retry.Reset()

	connections := 0
	for p.ctx.Err() == nil {
		conn, err := t.dial(p)
		switch {
		case err == nil:
			if connections > 0 {
				t.metrics.Reconnects.WithLabelValues(string(p.info.ID)).Inc()
			}
			connections++
			started := t.clock.Now()
			t.runConnection(p, conn)
			// A connection that dies right after the handshake (the
			// peer rejected us, or the path is flapping) backs off
			// like a failed dial.
			if t.clock.Now().Sub(started) >= stableConnection {
				retry.Reset()
			}
		case p.ctx.Err() != nil:
			return
		case errors.Is(err, ErrHandshakeFailure):
			t.metrics.HandshakeFailures.WithLabelValues(string(p.info.ID)).Inc()
			t.logger.Warn("peer failed handshake, excluding", "peer", p.info.ID, "error", err)
			p.exclude()
			return
		default:
			t.logger.Debug("dial failed", "peer", p.info.ID, "error", err)
		}

		wait := retry.NextBackOff()
		select {
		case <-t.clock.After(wait):
		case <-p.ctx.Done():
			return
		}
	}
}

// superviseAccept runs connections the peer dials to us, one at a
// time.
func (t *Transport) superviseAccept(p *peer) {
	defer t.supervisors.Done()

	accepted := 0
	for {
		select {
		case conn := <-p.incoming:
			if accepted > 0 {
				t.metrics.Reconnects.WithLabelValues(string(p.info.ID)).Inc()
			}
			accepted++
			t.runConnection(p, conn)
		case <-p.ctx.Done():
			return
		}
	}
}

// runConnection serves one authenticated connection until either
// direction fails or the peer is removed.
func (t *Transport) runConnection(p *peer, conn net.Conn) {
	p.mu.Lock()
	if p.removed != nil {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.generation++
	generation := p.generation
	p.conn = conn
	p.mu.Unlock()

	t.metrics.ConnectedPeers.Inc()
	t.logger.Info("peer connected", "peer", p.info.ID, "remote", conn.RemoteAddr().String(), "generation", generation)
	t.notifyConnected(p.info.ID, generation)

	ctx, cancel := context.WithCancel(p.ctx)
	errs := make(chan error, 2)
	go func() { errs <- t.writeLoop(ctx, p, conn, generation) }()
	go func() { errs <- t.readLoop(ctx, p, conn, generation) }()

	err := <-errs
	cancel()
	conn.Close()
	<-errs

	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	if p.removed == nil {
		p.failPendingLocked(fmt.Errorf("peer %s: %w", p.info.ID, ErrConnectionLost))
	}
	p.mu.Unlock()

	t.metrics.ConnectedPeers.Dec()
	if p.ctx.Err() == nil {
		t.logger.Info("peer disconnected", "peer", p.info.ID, "error", err)
	}
}

// writeLoop drains the peer's queues onto conn. Requests and responses
// go before pushes so control traffic is not stuck behind a burst of
// adverts.
func (t *Transport) writeLoop(ctx context.Context, p *peer, conn net.Conn, generation uint64) error {
	for {
		item, ok := p.control.TryPop()
		label := metrics.QueueRequest
		if !ok {
			item, ok = p.push.TryPop()
			label = metrics.QueuePush
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.control.Ready():
			case <-p.push.Ready():
			}
			continue
		}
		if label == metrics.QueuePush {
			t.metrics.QueueOccupancy.WithLabelValues(string(p.info.ID), label).Set(float64(p.push.Len()))
		}
		if item.generation != 0 && item.generation != generation {
			continue
		}

		f := item.frame
		if err := compressPayload(&f, t.config.Compression, t.config.CompressionThreshold); err != nil {
			t.logger.Warn("compressing frame failed, sending uncompressed", "peer", p.info.ID, "error", err)
			f = item.frame
		}
		if err := writeFrame(conn, f); err != nil {
			return err
		}
	}
}

// readLoop reads frames from conn and routes them. Any malformed or
// unexpected frame ends the connection.
func (t *Transport) readLoop(ctx context.Context, p *peer, conn net.Conn, generation uint64) error {
	for {
		f, err := readFrame(conn, t.config.MaxFrameSize)
		if err != nil {
			return err
		}
		if err := t.throttle(ctx, p); err != nil {
			return err
		}
		if err := decompressPayload(&f, t.config.MaxFrameSize); err != nil {
			t.violation(p, "bad_compression", err)
			return err
		}

		switch f.Kind {
		case framePush, frameRequest:
			t.deliver(p, f, generation)
		case frameResponse:
			if !p.resolve(f) {
				t.logger.Debug("response for unknown or abandoned call", "peer", p.info.ID, "correlation", f.Correlation)
			}
		default:
			err := fmt.Errorf("unexpected %s frame", f.Kind)
			t.violation(p, "unexpected_frame", err)
			return err
		}
	}
}

// throttle charges one frame to the peer's token bucket and waits out
// any debt. A flooding peer slows only its own reader.
func (t *Transport) throttle(ctx context.Context, p *peer) error {
	now := t.clock.Now()
	reservation := p.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return nil
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	select {
	case <-t.clock.After(delay):
		return nil
	case <-ctx.Done():
		reservation.CancelAt(t.clock.Now())
		return ctx.Err()
	}
}

func (t *Transport) violation(p *peer, reason string, err error) {
	t.metrics.Violations.WithLabelValues(reason).Inc()
	t.logger.Warn("protocol violation", "peer", p.info.ID, "reason", reason, "error", err)
}

// handshakeDeadline bounds the hello and authentication exchange on a
// fresh connection. Network deadlines are wall-clock.
func (t *Transport) handshakeDeadline() time.Time {
	return time.Now().Add(t.config.HandshakeTimeout) //nolint:realclock // kernel I/O deadline
}
