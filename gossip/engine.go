// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gossip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bureau-foundation/artifactp2p/artifactpool"
	"github.com/bureau-foundation/artifactp2p/lib/artifact"
	"github.com/bureau-foundation/artifactp2p/lib/clock"
	"github.com/bureau-foundation/artifactp2p/lib/metrics"
	"github.com/bureau-foundation/artifactp2p/peerset"
	"github.com/bureau-foundation/artifactp2p/transport"
)

// Transport is the part of *transport.Transport the engine uses.
type Transport interface {
	RegisterHandler(endpoint transport.Endpoint, handler transport.Handler) error
	Push(peer transport.PeerID, endpoint transport.Endpoint, payload []byte)
	RPC(ctx context.Context, peer transport.PeerID, endpoint transport.Endpoint, payload []byte, timeout time.Duration) ([]byte, error)
	Discard(peer transport.PeerID, match func(endpoint transport.Endpoint, payload []byte) bool) int
	WatchConnections() *transport.ConnectionWatch
}

// Membership is the part of *peerset.Manager the engine uses.
type Membership interface {
	Members() []transport.PeerInfo
	Subscribe() <-chan peerset.Event
}

// Reputation receives protocol violations attributed to a peer. How
// they affect the peer's standing is up to the implementation.
type Reputation interface {
	Penalize(peer transport.PeerID, reason string)
}

// Compile-time interface checks.
var (
	_ Transport  = (*transport.Transport)(nil)
	_ Membership = (*peerset.Manager)(nil)
)

// Config configures an Engine.
type Config struct {
	Transport  Transport
	Pool       artifactpool.Pool
	Membership Membership

	// Reputation is optional.
	Reputation Reputation

	// MaxPullAttempts bounds the distinct advertisers one artifact is
	// pulled from before it is abandoned. Defaults to 5.
	MaxPullAttempts int

	// PullTimeout is the rpc timeout of one pull attempt. Zero uses
	// the transport's default.
	PullTimeout time.Duration

	// FinishedCacheSize bounds the memory of recently validated IDs
	// and of abandoned IDs waiting to be retried. Defaults to 65536.
	FinishedCacheSize int

	// SentCacheSize bounds, per peer, the IDs remembered as advertised
	// to or held by that peer. Defaults to 16384.
	SentCacheSize int

	// MaxTrackedPerPeer bounds the artifacts one peer can have the
	// engine pulling at once. Adverts beyond it are ignored. Defaults
	// to 1024.
	MaxTrackedPerPeer int

	// RetryInitial and RetryMax bound the exponential backoff before an
	// abandoned artifact is pulled again from the peers that advertised
	// it. Default to 1s and 1m.
	RetryInitial time.Duration
	RetryMax     time.Duration

	// Clock defaults to the real clock.
	Clock clock.Clock

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

const (
	defaultMaxPullAttempts   = 5
	defaultFinishedCacheSize = 1 << 16
	defaultSentCacheSize     = 1 << 14
	defaultMaxTrackedPerPeer = 1024
	defaultRetryInitial      = time.Second
	defaultRetryMax          = time.Minute

	// advertBuffer is the capacity of the channel carrying adverts
	// from transport handlers to the event loop. Handlers block when
	// it is full, which backs up into the per-peer inbound queues.
	advertBuffer = 256

	// maxMaintenanceInterval caps the period of the loop's upkeep tick,
	// which starts due retries and drops expired ingress work.
	maxMaintenanceInterval = time.Second

	// sweepInterval is how often the per-peer sent sets and the
	// finished cache are scanned for expired ingress IDs.
	sweepInterval = time.Minute
)

// Engine disseminates artifacts between the local pool and peers:
// pool additions are advertised to every peer, and adverts from peers
// are turned into pulls whose validated payloads go into the pool.
//
// All gossip state is owned by the event loop started by Run. Pulls
// run in their own goroutines and report back to the loop, so a slow
// peer delays only its own pulls.
type Engine struct {
	transport    Transport
	pool         artifactpool.Pool
	membership   Membership
	reputation   Reputation
	maxAttempts  int
	pullTimeout  time.Duration
	sentSize     int
	maxTracked   int
	retryInitial time.Duration
	retryMax     time.Duration
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics

	watermark watermark

	adverts  chan receivedAdvert
	results  chan pullResult
	commands chan func(ctx context.Context)

	running atomic.Bool
	stopped chan struct{}

	// Owned by the event loop.
	peers     map[transport.PeerID]*peerState
	tracked   map[artifact.ID]*trackState
	finished  *lru.Cache[artifact.ID, struct{}]
	retries   *lru.Cache[artifact.ID, *retryState]
	attempt   uint64
	lastSweep time.Time
	pulls     sync.WaitGroup
}

// peerState is what the engine knows about one peer.
type peerState struct {
	id transport.PeerID

	// advertised holds the tracked IDs this peer has advertised. Its
	// size is capped by MaxTrackedPerPeer.
	advertised map[artifact.ID]struct{}

	// sent holds the IDs advertised to this peer, or which the peer
	// is known to hold. Least recently used entries are forgotten,
	// which at worst repeats an advert.
	sent *lru.Cache[artifact.ID, struct{}]

	// inflight counts pulls currently addressed to this peer.
	inflight int
}

// newPeerState panics on a non-positive sentSize; New validates it.
func newPeerState(id transport.PeerID, sentSize int) *peerState {
	sent, err := lru.New[artifact.ID, struct{}](sentSize)
	if err != nil {
		panic(fmt.Sprintf("gossip: sent cache for %s: %v", id, err))
	}
	return &peerState{
		id:         id,
		advertised: make(map[artifact.ID]struct{}),
		sent:       sent,
	}
}

// trackState follows one artifact from its first advert until it is
// validated or abandoned. A tracked artifact always has a pull in
// flight.
type trackState struct {
	id          artifact.ID
	advertisers map[transport.PeerID]struct{}
	tried       map[transport.PeerID]struct{}

	// retry carries the backoff of earlier abandoned rounds. Nil on
	// the first round.
	retry *retryState

	// The current pull.
	peer    transport.PeerID
	attempt uint64
	cancel  context.CancelFunc
}

// retryState is an abandoned artifact waiting for its next round of
// pulls from the peers that advertised it.
type retryState struct {
	advertisers map[transport.PeerID]struct{}
	due         time.Time
	backoff     *backoff.ExponentialBackOff
}

type receivedAdvert struct {
	peer transport.PeerID
	id   artifact.ID
}

// New creates an engine and registers its advert and pull handlers
// for every artifact kind on the transport. It must be called before
// the transport starts serving.
func New(config Config) (*Engine, error) {
	var errs []error
	if config.Transport == nil {
		errs = append(errs, errors.New("Transport is required"))
	}
	if config.Pool == nil {
		errs = append(errs, errors.New("Pool is required"))
	}
	if config.Membership == nil {
		errs = append(errs, errors.New("Membership is required"))
	}
	if config.MaxPullAttempts < 0 {
		errs = append(errs, fmt.Errorf("MaxPullAttempts must not be negative, got %d", config.MaxPullAttempts))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid gossip config: %w", err)
	}

	if config.MaxPullAttempts == 0 {
		config.MaxPullAttempts = defaultMaxPullAttempts
	}
	if config.FinishedCacheSize <= 0 {
		config.FinishedCacheSize = defaultFinishedCacheSize
	}
	if config.SentCacheSize <= 0 {
		config.SentCacheSize = defaultSentCacheSize
	}
	if config.MaxTrackedPerPeer <= 0 {
		config.MaxTrackedPerPeer = defaultMaxTrackedPerPeer
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = defaultRetryInitial
	}
	if config.RetryMax < config.RetryInitial {
		config.RetryMax = max(defaultRetryMax, config.RetryInitial)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.New(nil)
	}

	finished, err := lru.New[artifact.ID, struct{}](config.FinishedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating finished cache: %w", err)
	}
	retries, err := lru.New[artifact.ID, *retryState](config.FinishedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating retry cache: %w", err)
	}

	e := &Engine{
		transport:    config.Transport,
		pool:         config.Pool,
		membership:   config.Membership,
		reputation:   config.Reputation,
		maxAttempts:  config.MaxPullAttempts,
		pullTimeout:  config.PullTimeout,
		sentSize:     config.SentCacheSize,
		maxTracked:   config.MaxTrackedPerPeer,
		retryInitial: config.RetryInitial,
		retryMax:     config.RetryMax,
		clock:        config.Clock,
		logger:       config.Logger,
		metrics:      config.Metrics,
		adverts:      make(chan receivedAdvert, advertBuffer),
		results:      make(chan pullResult),
		commands:     make(chan func(ctx context.Context)),
		stopped:      make(chan struct{}),
		peers:        make(map[transport.PeerID]*peerState),
		tracked:      make(map[artifact.ID]*trackState),
		finished:     finished,
		retries:      retries,
	}

	// A reopened persistent pool already collected everything below
	// its purge height.
	if below := config.Pool.PurgeHeight(); below > 0 {
		e.watermark.raise(below - 1)
	}

	for _, kind := range artifact.Kinds {
		if err := e.transport.RegisterHandler(AdvertEndpoint(kind), e.advertHandler(kind)); err != nil {
			return nil, fmt.Errorf("registering %s advert handler: %w", kind, err)
		}
		if err := e.transport.RegisterHandler(PullEndpoint(kind), e.pullHandler(kind)); err != nil {
			return nil, fmt.Errorf("registering %s pull handler: %w", kind, err)
		}
	}
	return e, nil
}

// Run drives the engine until ctx ends. It may be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("gossip engine already ran")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		close(e.stopped)
		e.pulls.Wait()
	}()

	subscription := e.pool.Subscribe()
	defer subscription.Close()

	connections := e.transport.WatchConnections()
	defer connections.Close()

	maintenance := e.clock.NewTicker(min(e.retryInitial, maxMaintenanceInterval))
	defer maintenance.Stop()
	e.lastSweep = e.clock.Now()

	// Subscribe before reading the membership so no change falls in
	// between. Events repeating the snapshot are harmless.
	membership := e.membership.Subscribe()
	for _, info := range e.membership.Members() {
		e.addPeer(ctx, info.ID)
	}

	var dropped uint64
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-subscription.Ready():
			for {
				event, ok := subscription.Next()
				if !ok {
					break
				}
				e.poolEvent(ctx, event)
			}
			// Additions lost while the loop was behind are recovered
			// by advertising the whole pool again.
			if current := subscription.Dropped(); current != dropped {
				e.logger.Warn("pool events dropped, re-advertising pool", "dropped", current-dropped)
				dropped = current
				e.advertisePool(ctx, e.peerList())
			}

		case advert := <-e.adverts:
			e.receiveAdvert(ctx, advert)

		case result := <-e.results:
			e.pullFinished(ctx, result)

		case event, ok := <-membership:
			if !ok {
				membership = nil
				continue
			}
			switch event.Kind {
			case peerset.Added:
				e.addPeer(ctx, event.Peer.ID)
			case peerset.Removed:
				e.removePeer(ctx, event.Peer.ID)
			}

		case <-connections.Ready():
			for peer, generation := range connections.Take() {
				e.reconnected(ctx, peer, generation)
			}

		case <-maintenance.C:
			// A tick can sit in the channel across several advances.
			e.maintain(ctx, e.clock.Now())

		case command := <-e.commands:
			command(ctx)
		}
	}
}

// do runs command on the event loop and waits for it.
func (e *Engine) do(ctx context.Context, command func(ctx context.Context)) error {
	done := make(chan struct{})
	wrapped := func(loopCtx context.Context) {
		defer close(done)
		command(loopCtx)
	}
	select {
	case e.commands <- wrapped:
	case <-e.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Purge raises the garbage collection watermark to height: pulls for
// artifacts at or below it are cancelled, nothing at or below it is
// advertised or pulled again, and adverts for it still queued in the
// transport are discarded. The pool's own purge notifications call
// this automatically; a lower height than the current watermark does
// nothing.
func (e *Engine) Purge(ctx context.Context, height artifact.Height) error {
	return e.do(ctx, func(ctx context.Context) { e.purge(height) })
}

// Readvertise sends the advert for id again to every peer, including
// those it was already sent to.
func (e *Engine) Readvertise(ctx context.Context, id artifact.ID) error {
	return e.do(ctx, func(ctx context.Context) {
		for _, state := range e.peers {
			state.sent.Remove(id)
		}
		e.advertise(id, e.peerList())
	})
}

func (e *Engine) poolEvent(ctx context.Context, event artifactpool.Event) {
	switch event.Kind {
	case artifactpool.EventAdded:
		e.advertise(event.ID, e.peerList())
	case artifactpool.EventPurged:
		e.purge(event.Watermark)
	}
}

func (e *Engine) addPeer(ctx context.Context, id transport.PeerID) {
	if _, ok := e.peers[id]; ok {
		return
	}
	state := newPeerState(id, e.sentSize)
	e.peers[id] = state
	e.logger.Debug("gossip peer added", "peer", id)
	// A peer joining after an advert wave would otherwise never learn
	// what the pool already holds.
	e.advertisePool(ctx, []*peerState{state})
}

func (e *Engine) removePeer(ctx context.Context, id transport.PeerID) {
	state, ok := e.peers[id]
	if !ok {
		return
	}
	delete(e.peers, id)
	e.logger.Debug("gossip peer removed", "peer", id)

	for artifactID := range state.advertised {
		track, ok := e.tracked[artifactID]
		if !ok {
			continue
		}
		delete(track.advertisers, id)
		if track.peer == id {
			// The transport fails the rpc as well; moving on now
			// keeps the removed peer's result from mattering.
			track.cancel()
			e.next(ctx, track)
		}
	}
}

// reconnected handles a new connection to peer. Adverts written to an
// earlier connection may have died with it, so everything the pool
// holds is advertised again.
func (e *Engine) reconnected(ctx context.Context, id transport.PeerID, generation uint64) {
	if generation <= 1 {
		return
	}
	state, ok := e.peers[id]
	if !ok {
		return
	}
	e.logger.Debug("peer reconnected, re-advertising pool", "peer", id, "generation", generation)
	state.sent.Purge()
	e.advertisePool(ctx, []*peerState{state})
}

// peerList returns the state of every peer.
func (e *Engine) peerList() []*peerState {
	peers := make([]*peerState, 0, len(e.peers))
	for _, state := range e.peers {
		peers = append(peers, state)
	}
	return peers
}

// stale reports whether id is no longer worth advertising or pulling:
// at or below the watermark, or an ingress message past its expiry.
func (e *Engine) stale(id artifact.ID, now time.Time) bool {
	return e.watermark.expired(id) || artifact.PastExpiry(id, now)
}

// purge handles a new garbage collection watermark.
func (e *Engine) purge(height artifact.Height) {
	if !e.watermark.raise(height) {
		return
	}
	expired := func(id artifact.ID) bool { return artifact.Expired(id, height) }

	cancelled := e.cancelTracked(expired)

	discarded := 0
	for _, state := range e.peers {
		removeKeys(state.sent, expired)
		discarded += e.transport.Discard(state.id, func(endpoint transport.Endpoint, payload []byte) bool {
			if _, ok := advertEndpoints[endpoint]; !ok {
				return false
			}
			id, err := artifact.UnmarshalID(payload)
			return err == nil && expired(id)
		})
	}
	removeKeys(e.finished, expired)
	removeKeys(e.retries, expired)

	e.logger.Debug("gossip watermark raised",
		"height", uint64(height), "cancelled_pulls", cancelled, "discarded_adverts", discarded)
}

// maintain runs on the upkeep tick: due retries start, and work on
// ingress messages that expired since the last tick is dropped.
func (e *Engine) maintain(ctx context.Context, now time.Time) {
	pastExpiry := func(id artifact.ID) bool { return artifact.PastExpiry(id, now) }

	if cancelled := e.cancelTracked(pastExpiry); cancelled > 0 {
		e.logger.Debug("expired ingress pulls cancelled", "count", cancelled)
	}
	removeKeys(e.retries, pastExpiry)

	if now.Sub(e.lastSweep) >= sweepInterval {
		e.lastSweep = now
		for _, state := range e.peers {
			removeKeys(state.sent, pastExpiry)
		}
		removeKeys(e.finished, pastExpiry)
	}

	for _, id := range e.retries.Keys() {
		retry, ok := e.retries.Peek(id)
		if !ok || now.Before(retry.due) {
			continue
		}
		e.retries.Remove(id)
		e.retry(ctx, id, retry)
	}
}

// cancelTracked stops tracking every artifact for which drop returns
// true and returns how many pulls it cancelled.
func (e *Engine) cancelTracked(drop func(artifact.ID) bool) int {
	cancelled := 0
	for id, track := range e.tracked {
		if !drop(id) {
			continue
		}
		track.cancel()
		delete(e.tracked, id)
		for peer := range track.advertisers {
			if state, ok := e.peers[peer]; ok {
				delete(state.advertised, id)
			}
		}
		e.metrics.PullsCancelled.WithLabelValues(id.Kind().String()).Inc()
		cancelled++
	}
	return cancelled
}

// removeKeys deletes every key of cache for which drop returns true.
func removeKeys[V any](cache *lru.Cache[artifact.ID, V], drop func(artifact.ID) bool) {
	for _, id := range cache.Keys() {
		if drop(id) {
			cache.Remove(id)
		}
	}
}
