// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gossip

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	prometheustestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/artifactp2p/artifactpool"
	"github.com/bureau-foundation/artifactp2p/lib/artifact"
	"github.com/bureau-foundation/artifactp2p/lib/clock"
	"github.com/bureau-foundation/artifactp2p/lib/metrics"
	"github.com/bureau-foundation/artifactp2p/lib/testutil"
	"github.com/bureau-foundation/artifactp2p/peerset"
	"github.com/bureau-foundation/artifactp2p/transport"
)

const testTimeout = 5 * time.Second

// testEpoch is the fake clock's start. Ingress artifacts sealed by
// sealIngress expire long after it.
var testEpoch = time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

// server answers pulls addressed to one fake peer.
type server func(ctx context.Context, id artifact.ID) ([]byte, error)

type pushed struct {
	peer transport.PeerID
	id   artifact.ID
}

type rpcCall struct {
	peer transport.PeerID
	id   artifact.ID
}

// fakeTransport stands in for the transport and every remote peer.
// Pushes are recorded and held in a per-peer queue; pulls are answered
// by the peer's server.
type fakeTransport struct {
	pushes chan pushed
	calls  chan rpcCall

	mu       sync.Mutex
	handlers map[transport.Endpoint]transport.Handler
	queued   map[transport.PeerID][]pushed
	servers  map[transport.PeerID]server
	watch    *transport.ConnectionWatch
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		pushes:   make(chan pushed, 1024),
		calls:    make(chan rpcCall, 1024),
		handlers: make(map[transport.Endpoint]transport.Handler),
		queued:   make(map[transport.PeerID][]pushed),
		servers:  make(map[transport.PeerID]server),
	}
}

func (f *fakeTransport) RegisterHandler(endpoint transport.Endpoint, handler transport.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[endpoint]; ok {
		return transport.ErrDuplicateHandler
	}
	f.handlers[endpoint] = handler
	return nil
}

func (f *fakeTransport) Push(peer transport.PeerID, endpoint transport.Endpoint, payload []byte) {
	kind, ok := advertEndpoints[endpoint]
	if !ok {
		panic(fmt.Sprintf("push to non-advert endpoint %s", endpoint))
	}
	id, err := decodeID(kind, payload)
	if err != nil {
		panic(fmt.Sprintf("pushed undecodable advert: %v", err))
	}
	message := pushed{peer: peer, id: id}
	f.mu.Lock()
	f.queued[peer] = append(f.queued[peer], message)
	f.mu.Unlock()
	f.pushes <- message
}

func (f *fakeTransport) Discard(peer transport.PeerID, match func(transport.Endpoint, []byte) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	before := len(f.queued[peer])
	f.queued[peer] = slices.DeleteFunc(f.queued[peer], func(message pushed) bool {
		payload, err := artifact.MarshalID(message.id)
		if err != nil {
			panic(err)
		}
		return match(AdvertEndpoint(message.id.Kind()), payload)
	})
	return before - len(f.queued[peer])
}

func (f *fakeTransport) RPC(ctx context.Context, peer transport.PeerID, endpoint transport.Endpoint, payload []byte, _ time.Duration) ([]byte, error) {
	id, err := artifact.UnmarshalID(payload)
	if err != nil {
		return nil, err
	}
	if endpoint != PullEndpoint(id.Kind()) {
		return nil, fmt.Errorf("pull for %s sent to %s", id.Kind(), endpoint)
	}
	f.calls <- rpcCall{peer: peer, id: id}

	f.mu.Lock()
	serve := f.servers[peer]
	f.mu.Unlock()
	if serve == nil {
		return nil, transport.ErrUnknownPeer
	}
	return serve(ctx, id)
}

func (f *fakeTransport) WatchConnections() *transport.ConnectionWatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watch = transport.NewConnectionWatch()
	return f.watch
}

// reconnect reports that connection generation to peer came up.
func (f *fakeTransport) reconnect(peer transport.PeerID, generation uint64) {
	f.mu.Lock()
	watch := f.watch
	f.mu.Unlock()
	watch.Notify(peer, generation)
}

// AddPeer and RemovePeer let the fake back a peerset.Manager.
func (f *fakeTransport) AddPeer(transport.PeerInfo) error  { return nil }
func (f *fakeTransport) RemovePeer(transport.PeerID) error { return nil }

func (f *fakeTransport) serve(peer transport.PeerID, serve server) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servers[peer] = serve
}

func (f *fakeTransport) handler(endpoint transport.Endpoint) transport.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[endpoint]
}

// queuedIDs returns the adverts still queued for peer.
func (f *fakeTransport) queuedIDs(peer transport.PeerID) []artifact.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []artifact.ID
	for _, message := range f.queued[peer] {
		ids = append(ids, message.id)
	}
	return ids
}

// servePayload answers every pull with payload.
func servePayload(payload []byte) server {
	return func(context.Context, artifact.ID) ([]byte, error) {
		return encodePullResponse(pullResponse{Found: true, Payload: payload})
	}
}

func serveNotFound() server {
	return func(context.Context, artifact.ID) ([]byte, error) {
		return encodePullResponse(pullResponse{})
	}
}

func serveTimeout() server {
	return func(context.Context, artifact.ID) ([]byte, error) {
		return nil, fmt.Errorf("rpc to fake peer: %w", transport.ErrRPCTimeout)
	}
}

// serveBlocking holds every pull until its context ends, reporting
// the cancellation on cancelled.
func serveBlocking(cancelled chan<- artifact.ID) server {
	return func(ctx context.Context, id artifact.ID) ([]byte, error) {
		<-ctx.Done()
		if cancelled != nil {
			cancelled <- id
		}
		return nil, ctx.Err()
	}
}

// serveGated answers with payload once release is closed.
func serveGated(release <-chan struct{}, respond server) server {
	return func(ctx context.Context, id artifact.ID) ([]byte, error) {
		select {
		case <-release:
			return respond(ctx, id)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// flakyPool is a memory pool whose first failures reads fail.
type flakyPool struct {
	*artifactpool.Memory
	failures atomic.Int64
}

func newFlakyPool(failures int64) *flakyPool {
	pool := &flakyPool{Memory: artifactpool.NewMemory(artifactpool.Options{})}
	pool.failures.Store(failures)
	return pool
}

func (p *flakyPool) Get(ctx context.Context, id artifact.ID) ([]byte, error) {
	if p.failures.Add(-1) >= 0 {
		return nil, fmt.Errorf("reading %s: disk unavailable", id)
	}
	return p.Memory.Get(ctx, id)
}

type penalty struct {
	peer   transport.PeerID
	reason string
}

type fakeReputation struct {
	mu        sync.Mutex
	penalties []penalty
}

func (r *fakeReputation) Penalize(peer transport.PeerID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.penalties = append(r.penalties, penalty{peer, reason})
}

func (r *fakeReputation) list() []penalty {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.penalties)
}

// harness is one engine under test with a fake transport, a memory
// pool and a peer set manager.
type harness struct {
	engine     *Engine
	transport  *fakeTransport
	pool       *artifactpool.Memory
	membership *peerset.Manager
	reputation *fakeReputation
	metrics    *metrics.Metrics
	clock      *clock.FakeClock
}

// newHarness starts an engine whose membership is peers. configure
// may adjust the config before the engine is built.
func newHarness(t *testing.T, peers []transport.PeerID, configure func(*Config)) *harness {
	t.Helper()
	fake := newFakeTransport()
	pool := artifactpool.NewMemory(artifactpool.Options{})
	t.Cleanup(func() { pool.Close() })

	membership, err := peerset.New(peerset.Config{
		Self:      "node-self",
		Transport: fake,
		Logger:    slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("peerset.New: %v", err)
	}
	t.Cleanup(membership.Close)

	h := &harness{
		transport:  fake,
		pool:       pool,
		membership: membership,
		reputation: &fakeReputation{},
		metrics:    metrics.New(nil),
		clock:      clock.Fake(testEpoch),
	}
	h.setPeers(t, peers...)

	config := Config{
		Transport:  fake,
		Pool:       pool,
		Membership: membership,
		Reputation: h.reputation,
		Clock:      h.clock,
		Logger:     slog.New(slog.DiscardHandler),
		Metrics:    h.metrics,
	}
	if configure != nil {
		configure(&config)
	}
	var memory *artifactpool.Memory
	switch replaced := config.Pool.(type) {
	case *artifactpool.Memory:
		memory = replaced
	case *flakyPool:
		memory = replaced.Memory
	}
	if memory != nil && memory != pool {
		t.Cleanup(func() { memory.Close() })
		h.pool = memory
	}
	h.engine, err = New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, testTimeout, "Run did not return"); err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	h.waitPeers(t, peers...)
	return h
}

func peerInfo(id transport.PeerID) transport.PeerInfo {
	publicKey, _ := testutil.Ed25519Key(string(id))
	return transport.PeerInfo{ID: id, Address: string(id), PublicKey: publicKey}
}

// setPeers replaces the membership.
func (h *harness) setPeers(t *testing.T, peers ...transport.PeerID) {
	t.Helper()
	set := make(map[transport.PeerID]transport.PeerInfo, len(peers))
	for _, id := range peers {
		set[id] = peerInfo(id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := h.membership.UpdatePeers(ctx, set); err != nil {
		t.Fatalf("UpdatePeers: %v", err)
	}
}

// waitPeers waits until the engine's peer set is exactly peers.
func (h *harness) waitPeers(t *testing.T, peers ...transport.PeerID) {
	t.Helper()
	want := slices.Sorted(slices.Values(peers))
	testutil.RequireEventually(t, testTimeout, func() bool {
		return slices.Equal(h.enginePeers(t), want)
	}, "engine peers never became %v", want)
}

func (h *harness) enginePeers(t *testing.T) []transport.PeerID {
	t.Helper()
	var ids []transport.PeerID
	h.inLoop(t, func() {
		for id := range h.engine.peers {
			ids = append(ids, id)
		}
	})
	slices.Sort(ids)
	return ids
}

// inLoop runs inspect on the engine's event loop.
func (h *harness) inLoop(t *testing.T, inspect func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := h.engine.do(ctx, func(context.Context) { inspect() }); err != nil {
		t.Fatalf("engine loop: %v", err)
	}
}

// advertFrom delivers an advert for id from peer, as the transport
// would.
func (h *harness) advertFrom(t *testing.T, peer transport.PeerID, id artifact.ID) {
	t.Helper()
	payload, err := artifact.MarshalID(id)
	if err != nil {
		t.Fatalf("MarshalID: %v", err)
	}
	handler := h.transport.handler(AdvertEndpoint(id.Kind()))
	if _, err := handler.Handle(context.Background(), peer, payload); err != nil {
		t.Fatalf("advert handler: %v", err)
	}
}

// pull calls the engine's pull handler as peer would.
func (h *harness) pull(t *testing.T, peer transport.PeerID, kind artifact.Kind, payload []byte) ([]byte, error) {
	t.Helper()
	return h.transport.handler(PullEndpoint(kind)).Handle(context.Background(), peer, payload)
}

func (h *harness) requireCall(t *testing.T, peer transport.PeerID, id artifact.ID) {
	t.Helper()
	call := testutil.RequireReceive(t, h.transport.calls, testTimeout, "no pull for %s", id)
	if call.peer != peer || !artifact.Equal(call.id, id) {
		t.Fatalf("pulled %s from %s, want %s from %s", call.id, call.peer, id, peer)
	}
}

// waitIgnored waits until n adverts have been ignored for reason, which
// also means the loop has processed them.
func (h *harness) waitIgnored(t *testing.T, reason string, n float64) {
	t.Helper()
	testutil.RequireEventually(t, testTimeout, func() bool {
		return prometheustestutil.ToFloat64(h.metrics.AdvertsIgnored.WithLabelValues(reason)) == n
	}, "adverts ignored as %s never reached %v", reason, n)
}

func (h *harness) requireNoCall(t *testing.T) {
	t.Helper()
	testutil.RequireNoReceive(t, h.transport.calls, 50*time.Millisecond, "unexpected pull")
}

// requirePushes collects the next n adverts and fails on any more.
func (h *harness) requirePushes(t *testing.T, n int) []pushed {
	t.Helper()
	var messages []pushed
	for range n {
		messages = append(messages, testutil.RequireReceive(t, h.transport.pushes, testTimeout, "missing advert"))
	}
	testutil.RequireNoReceive(t, h.transport.pushes, 50*time.Millisecond, "unexpected advert")
	return messages
}

func (h *harness) contains(t *testing.T, id artifact.ID) bool {
	t.Helper()
	present, err := h.pool.Contains(context.Background(), id)
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	return present
}

// seal builds a notarization artifact at height.
func seal(t *testing.T, height artifact.Height, body string) artifact.Artifact {
	t.Helper()
	sealed, err := artifact.Seal(artifact.Envelope{
		Kind:      artifact.KindConsensus,
		SubKind:   uint8(artifact.Notarization),
		Height:    height,
		BlockHash: bytes.Repeat([]byte{0xab}, 32),
		Body:      []byte(body),
	})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return sealed
}

func sealIngress(t *testing.T, body string) artifact.Artifact {
	t.Helper()
	return sealIngressExpiring(t, body, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
}

func sealIngressExpiring(t *testing.T, body string, expiry time.Time) artifact.Artifact {
	t.Helper()
	sealed, err := artifact.Seal(artifact.Envelope{
		Kind:   artifact.KindIngress,
		Expiry: uint64(expiry.UnixNano()),
		Body:   []byte(body),
	})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return sealed
}

func put(t *testing.T, pool artifactpool.Pool, sealed artifact.Artifact) {
	t.Helper()
	if err := pool.Put(context.Background(), sealed.ID, sealed.Payload); err != nil {
		t.Fatalf("Put(%s): %v", sealed.ID, err)
	}
}
