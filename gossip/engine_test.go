// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gossip

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	prometheustestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/artifactp2p/artifactpool"
	"github.com/bureau-foundation/artifactp2p/lib/artifact"
	"github.com/bureau-foundation/artifactp2p/lib/testutil"
	"github.com/bureau-foundation/artifactp2p/peerset"
	"github.com/bureau-foundation/artifactp2p/transport"
)

const consensus = "consensus"

func TestNewValidatesAndRegisters(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New with an empty config succeeded")
	}

	fake := newFakeTransport()
	pool := artifactpool.NewMemory(artifactpool.Options{})
	defer pool.Close()
	membership, err := peerset.New(peerset.Config{Self: "node-self", Transport: fake})
	if err != nil {
		t.Fatalf("peerset.New: %v", err)
	}
	defer membership.Close()

	if _, err := New(Config{Transport: fake, Pool: pool, Membership: membership, Logger: slog.New(slog.DiscardHandler)}); err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, kind := range artifact.Kinds {
		for _, endpoint := range []transport.Endpoint{AdvertEndpoint(kind), PullEndpoint(kind)} {
			if fake.handler(endpoint) == nil {
				t.Errorf("no handler registered for %s", endpoint)
			}
		}
	}

	// A second engine on the same transport collides with the first.
	if _, err := New(Config{Transport: fake, Pool: pool, Membership: membership}); !errors.Is(err, transport.ErrDuplicateHandler) {
		t.Errorf("second New error = %v, want ErrDuplicateHandler", err)
	}
}

func TestEndpoints(t *testing.T) {
	if got := AdvertEndpoint(artifact.KindConsensus); got != "/artifactp2p/advert/consensus/1" {
		t.Errorf("AdvertEndpoint = %s", got)
	}
	if got := PullEndpoint(artifact.KindIngress); got != "/artifactp2p/pull/ingress/1" {
		t.Errorf("PullEndpoint = %s", got)
	}
	if len(advertEndpoints) != len(artifact.Kinds) {
		t.Errorf("advertEndpoints has %d entries, want %d", len(advertEndpoints), len(artifact.Kinds))
	}
}

func TestAdvertisesPoolAdditionsOncePerPeer(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a", "node-b"}, nil)
	first := seal(t, 1, "first")

	put(t, h.pool, first)
	messages := h.requirePushes(t, 2)
	var peers []transport.PeerID
	for _, message := range messages {
		if !artifact.Equal(message.id, first.ID) {
			t.Errorf("advertised %s, want %s", message.id, first.ID)
		}
		peers = append(peers, message.peer)
	}
	slices.Sort(peers)
	if !slices.Equal(peers, []transport.PeerID{"node-a", "node-b"}) {
		t.Errorf("advertised to %v, want both peers", peers)
	}

	// Putting it again changes nothing in the pool, so nothing is sent.
	put(t, h.pool, first)
	h.requirePushes(t, 0)

	// Readvertise sends to everyone again.
	if err := h.engine.Readvertise(context.Background(), first.ID); err != nil {
		t.Fatalf("Readvertise: %v", err)
	}
	h.requirePushes(t, 2)

	if sent := prometheustestutil.ToFloat64(h.metrics.AdvertsSent.WithLabelValues(consensus)); sent != 4 {
		t.Errorf("adverts sent = %v, want 4", sent)
	}
}

func TestPulledArtifactNotAdvertisedBackToAdvertiser(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a", "node-b"}, nil)
	sealed := seal(t, 1, "from a")
	h.transport.serve("node-a", servePayload(sealed.Payload))

	h.advertFrom(t, "node-a", sealed.ID)
	h.requireCall(t, "node-a", sealed.ID)

	// Once stored, only node-b needs to hear about it.
	messages := h.requirePushes(t, 1)
	if messages[0].peer != "node-b" {
		t.Errorf("advertised to %s, want node-b", messages[0].peer)
	}
	if !h.contains(t, sealed.ID) {
		t.Error("pulled artifact not in pool")
	}
}

func TestNewPeerLearnsPoolContents(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a"}, nil)
	put(t, h.pool, seal(t, 1, "one"))
	put(t, h.pool, sealIngress(t, "two"))
	h.requirePushes(t, 2)

	h.setPeers(t, "node-a", "node-c")
	h.waitPeers(t, "node-a", "node-c")
	for _, message := range h.requirePushes(t, 2) {
		if message.peer != "node-c" {
			t.Errorf("advert to %s, want only node-c", message.peer)
		}
	}
}

func TestConcurrentAdvertsPullOnce(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a", "node-b"}, nil)
	sealed := seal(t, 4, "shared")
	release := make(chan struct{})
	h.transport.serve("node-a", serveGated(release, servePayload(sealed.Payload)))
	h.transport.serve("node-b", servePayload(sealed.Payload))

	h.advertFrom(t, "node-a", sealed.ID)
	h.requireCall(t, "node-a", sealed.ID)
	h.advertFrom(t, "node-b", sealed.ID)
	h.waitIgnored(t, ignoredInFlight, 1)
	h.requireNoCall(t)

	close(release)
	testutil.RequireEventually(t, testTimeout, func() bool { return h.contains(t, sealed.ID) }, "artifact never stored")

	// Present now: a late advert starts nothing.
	h.advertFrom(t, "node-b", sealed.ID)
	h.requireNoCall(t)

	ids, err := h.pool.IDs(context.Background())
	if err != nil {
		t.Fatalf("IDs: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("pool holds %d artifacts, want 1", len(ids))
	}
	if succeeded := prometheustestutil.ToFloat64(h.metrics.PullsSucceeded.WithLabelValues(consensus)); succeeded != 1 {
		t.Errorf("pulls succeeded = %v, want 1", succeeded)
	}
}

func TestAdvertAlreadyInPoolIgnored(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a"}, nil)
	sealed := seal(t, 2, "local")
	put(t, h.pool, sealed)
	h.requirePushes(t, 1)

	h.advertFrom(t, "node-a", sealed.ID)
	h.requireNoCall(t)
	h.waitIgnored(t, ignoredInPool, 1)
}

func TestAdvertFromNonMemberIgnored(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a"}, nil)
	sealed := seal(t, 2, "stranger")
	h.transport.serve("node-z", servePayload(sealed.Payload))

	h.advertFrom(t, "node-z", sealed.ID)
	h.requireNoCall(t)
	h.waitIgnored(t, ignoredUnknownPeer, 1)
}

// Peer set {A, B}, empty pool. A advertises a notarization at height
// 10 and serves a payload that does not hash to it; the pull is given
// up and nothing is stored. B then advertises the same identifier and
// serves the right payload, which is stored exactly once.
func TestMismatchThenSuccess(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a", "node-b"}, nil)
	honest := seal(t, 10, "honest")
	forged := seal(t, 10, "forged")
	h.transport.serve("node-a", servePayload(forged.Payload))
	h.transport.serve("node-b", servePayload(honest.Payload))

	h.advertFrom(t, "node-a", honest.ID)
	h.requireCall(t, "node-a", honest.ID)
	testutil.RequireEventually(t, testTimeout, func() bool {
		return prometheustestutil.ToFloat64(h.metrics.PullsAbandoned.WithLabelValues(consensus)) == 1
	}, "pull from node-a never abandoned")

	if h.contains(t, honest.ID) || h.contains(t, forged.ID) {
		t.Fatal("mismatched payload entered the pool")
	}
	if violations := prometheustestutil.ToFloat64(h.metrics.Violations.WithLabelValues(failedMismatch)); violations != 1 {
		t.Errorf("mismatch violations = %v, want 1", violations)
	}
	if penalties := h.reputation.list(); !slices.Equal(penalties, []penalty{{"node-a", failedMismatch}}) {
		t.Errorf("penalties = %v, want node-a for a mismatch", penalties)
	}

	h.advertFrom(t, "node-b", honest.ID)
	h.requireCall(t, "node-b", honest.ID)
	testutil.RequireEventually(t, testTimeout, func() bool { return h.contains(t, honest.ID) }, "honest payload never stored")

	ids, err := h.pool.IDs(context.Background())
	if err != nil {
		t.Fatalf("IDs: %v", err)
	}
	if len(ids) != 1 || !artifact.Equal(ids[0], honest.ID) {
		t.Errorf("pool = %v, want only %s", ids, honest.ID)
	}
	stored, err := h.pool.Get(context.Background(), honest.ID)
	if err != nil || string(stored) != string(honest.Payload) {
		t.Errorf("stored payload differs from the honest one (err %v)", err)
	}
}

func TestPullGivesUpAfterMaxAttempts(t *testing.T) {
	peers := []transport.PeerID{"node-1", "node-2", "node-3", "node-4", "node-5"}
	h := newHarness(t, peers, func(config *Config) { config.MaxPullAttempts = 3 })
	sealed := seal(t, 7, "unreachable")

	release := make(chan struct{})
	for _, peer := range peers {
		h.transport.serve(peer, serveGated(release, serveTimeout()))
	}
	for _, peer := range peers {
		h.advertFrom(t, peer, sealed.ID)
	}
	h.requireCall(t, "node-1", sealed.ID)
	h.waitIgnored(t, ignoredInFlight, 4)

	close(release)
	// All loads are equal, so untried advertisers go in ID order.
	h.requireCall(t, "node-2", sealed.ID)
	h.requireCall(t, "node-3", sealed.ID)
	testutil.RequireEventually(t, testTimeout, func() bool {
		return prometheustestutil.ToFloat64(h.metrics.PullsAbandoned.WithLabelValues(consensus)) == 1
	}, "pull never abandoned")
	h.requireNoCall(t)

	if timedOut := prometheustestutil.ToFloat64(h.metrics.PullsTimedOut.WithLabelValues(consensus)); timedOut != 3 {
		t.Errorf("timed out pulls = %v, want 3", timedOut)
	}
	if inFlight := prometheustestutil.ToFloat64(h.metrics.PullsInFlight); inFlight != 0 {
		t.Errorf("pulls in flight = %v, want 0", inFlight)
	}
	h.inLoop(t, func() {
		if len(h.engine.tracked) != 0 {
			t.Errorf("%d artifacts still tracked", len(h.engine.tracked))
		}
	})

	// A fresh advert starts the waiting retry at once, from every
	// advertiser known so far.
	h.transport.serve("node-1", serveBlocking(nil))
	h.advertFrom(t, "node-4", sealed.ID)
	h.requireCall(t, "node-1", sealed.ID)
	h.inLoop(t, func() {
		if h.engine.retries.Len() != 0 {
			t.Errorf("%d retries still waiting", h.engine.retries.Len())
		}
		if track := h.engine.tracked[sealed.ID]; track == nil || len(track.advertisers) != len(peers) {
			t.Errorf("merged round tracks %v, want all %d advertisers", track, len(peers))
		}
	})
}

func TestNotFoundFallsBackToAnotherAdvertiser(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a", "node-b"}, nil)
	sealed := seal(t, 3, "evicted at a")
	release := make(chan struct{})
	h.transport.serve("node-a", serveGated(release, serveNotFound()))
	h.transport.serve("node-b", servePayload(sealed.Payload))

	h.advertFrom(t, "node-a", sealed.ID)
	h.requireCall(t, "node-a", sealed.ID)
	h.advertFrom(t, "node-b", sealed.ID)
	h.waitIgnored(t, ignoredInFlight, 1)
	close(release)

	h.requireCall(t, "node-b", sealed.ID)
	testutil.RequireEventually(t, testTimeout, func() bool { return h.contains(t, sealed.ID) }, "artifact never stored")
	if failed := prometheustestutil.ToFloat64(h.metrics.PullsFailed.WithLabelValues(failedNotFound)); failed != 1 {
		t.Errorf("not-found failures = %v, want 1", failed)
	}
	if penalties := h.reputation.list(); len(penalties) != 0 {
		t.Errorf("not found was penalized: %v", penalties)
	}
}

func TestLeastLoaded(t *testing.T) {
	state := func(id transport.PeerID, inflight int) *peerState {
		s := newPeerState(id, 16)
		s.inflight = inflight
		return s
	}
	tests := []struct {
		name       string
		candidates []*peerState
		want       transport.PeerID
	}{
		{"single", []*peerState{state("node-b", 3)}, "node-b"},
		{"fewest in flight", []*peerState{state("node-a", 2), state("node-c", 0), state("node-b", 1)}, "node-c"},
		{"tie goes to lower ID", []*peerState{state("node-c", 1), state("node-b", 1), state("node-d", 1)}, "node-b"},
		{"load beats ID", []*peerState{state("node-a", 1), state("node-z", 0)}, "node-z"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := leastLoaded(test.candidates).id; got != test.want {
				t.Errorf("leastLoaded = %s, want %s", got, test.want)
			}
		})
	}
}

func TestRetryPrefersLeastLoadedAdvertiser(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a", "node-b", "node-c"}, nil)
	busy := seal(t, 1, "keeps node-a busy")
	wanted := seal(t, 2, "wanted")

	h.transport.serve("node-a", serveBlocking(nil))
	release := make(chan struct{})
	h.transport.serve("node-c", serveGated(release, serveNotFound()))
	h.transport.serve("node-b", servePayload(wanted.Payload))

	h.advertFrom(t, "node-a", busy.ID)
	h.requireCall(t, "node-a", busy.ID)

	h.advertFrom(t, "node-c", wanted.ID)
	h.requireCall(t, "node-c", wanted.ID)
	h.advertFrom(t, "node-a", wanted.ID)
	h.advertFrom(t, "node-b", wanted.ID)
	h.waitIgnored(t, ignoredInFlight, 2)
	close(release)

	// node-a sorts first but has a pull in flight.
	h.requireCall(t, "node-b", wanted.ID)
	testutil.RequireEventually(t, testTimeout, func() bool { return h.contains(t, wanted.ID) }, "artifact never stored")
}

func TestPurgeCancelsWork(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a"}, nil)
	cancelled := make(chan artifact.ID, 4)
	h.transport.serve("node-a", serveBlocking(cancelled))

	low := seal(t, 5, "low")
	high := seal(t, 10, "high")
	h.advertFrom(t, "node-a", low.ID)
	h.requireCall(t, "node-a", low.ID)
	h.advertFrom(t, "node-a", high.ID)
	h.requireCall(t, "node-a", high.ID)

	if err := h.engine.Purge(context.Background(), 5); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if id := testutil.RequireReceive(t, cancelled, testTimeout, "pull at the watermark not cancelled"); !artifact.Equal(id, low.ID) {
		t.Errorf("cancelled %s, want %s", id, low.ID)
	}
	testutil.RequireNoReceive(t, cancelled, 50*time.Millisecond, "pull above the watermark cancelled")
	if count := prometheustestutil.ToFloat64(h.metrics.PullsCancelled.WithLabelValues(consensus)); count != 1 {
		t.Errorf("cancelled pulls = %v, want 1", count)
	}

	// Nothing at or below the watermark is pulled or advertised.
	h.advertFrom(t, "node-a", low.ID)
	h.requireNoCall(t)
	put(t, h.pool, seal(t, 4, "late local"))
	h.requirePushes(t, 0)

	// A lower purge is a no-op.
	if err := h.engine.Purge(context.Background(), 3); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	testutil.RequireNoReceive(t, cancelled, 50*time.Millisecond, "lower purge cancelled a pull")

	// The pool's own purge drives the engine too.
	if _, err := h.pool.PurgeBelow(context.Background(), 11); err != nil {
		t.Fatalf("PurgeBelow: %v", err)
	}
	if id := testutil.RequireReceive(t, cancelled, testTimeout, "pool purge did not cancel pull"); !artifact.Equal(id, high.ID) {
		t.Errorf("cancelled %s, want %s", id, high.ID)
	}
	h.inLoop(t, func() {
		if len(h.engine.tracked) != 0 {
			t.Errorf("%d artifacts still tracked after purge", len(h.engine.tracked))
		}
	})
}

func TestPurgeDiscardsQueuedAdverts(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a"}, nil)
	one, two, three := seal(t, 1, "one"), seal(t, 2, "two"), seal(t, 3, "three")
	ingress := sealIngress(t, "no height")
	for _, sealed := range []artifact.Artifact{one, two, three, ingress} {
		put(t, h.pool, sealed)
	}
	h.requirePushes(t, 4)

	if err := h.engine.Purge(context.Background(), 2); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	queued := h.transport.queuedIDs("node-a")
	if len(queued) != 2 {
		t.Fatalf("queued adverts = %v, want heights above 2 and the ingress message", queued)
	}
	for _, id := range queued {
		if !artifact.Equal(id, three.ID) && !artifact.Equal(id, ingress.ID) {
			t.Errorf("advert for %s survived the purge", id)
		}
	}

	// Still in this pool, but no longer served.
	request, err := artifact.MarshalID(one.ID)
	if err != nil {
		t.Fatalf("MarshalID: %v", err)
	}
	data, err := h.pull(t, "node-a", artifact.KindConsensus, request)
	if err != nil {
		t.Fatalf("pull handler: %v", err)
	}
	response, err := decodePullResponse(data)
	if err != nil {
		t.Fatalf("decodePullResponse: %v", err)
	}
	if response.Found {
		t.Error("artifact below the watermark was served")
	}
}

func TestPullHandler(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a"}, nil)
	stored := seal(t, 6, "stored")
	put(t, h.pool, stored)
	absent := seal(t, 6, "absent")
	ingress := sealIngress(t, "wrong endpoint")

	encode := func(id artifact.ID) []byte {
		data, err := artifact.MarshalID(id)
		if err != nil {
			t.Fatalf("MarshalID: %v", err)
		}
		return data
	}

	tests := []struct {
		name        string
		payload     []byte
		wantErr     bool
		wantFound   bool
		wantPayload []byte
	}{
		{name: "present", payload: encode(stored.ID), wantFound: true, wantPayload: stored.Payload},
		{name: "absent", payload: encode(absent.ID)},
		{name: "garbage", payload: []byte{0xff, 0x01}, wantErr: true},
		{name: "wrong kind", payload: encode(ingress.ID), wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			data, err := h.pull(t, "node-a", artifact.KindConsensus, test.payload)
			if test.wantErr {
				if err == nil {
					t.Fatal("pull handler accepted a malformed request")
				}
				return
			}
			if err != nil {
				t.Fatalf("pull handler: %v", err)
			}
			response, err := decodePullResponse(data)
			if err != nil {
				t.Fatalf("decodePullResponse: %v", err)
			}
			if response.Found != test.wantFound || string(response.Payload) != string(test.wantPayload) {
				t.Errorf("response = found %v, %d bytes; want found %v, %d bytes",
					response.Found, len(response.Payload), test.wantFound, len(test.wantPayload))
			}
		})
	}
	if violations := prometheustestutil.ToFloat64(h.metrics.Violations.WithLabelValues("malformed_pull_request")); violations != 2 {
		t.Errorf("malformed request violations = %v, want 2", violations)
	}
}

func TestMalformedAdvertPenalized(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a"}, nil)
	handler := h.transport.handler(AdvertEndpoint(artifact.KindConsensus))

	if _, err := handler.Handle(context.Background(), "node-a", []byte("not cbor")); err == nil {
		t.Error("advert handler accepted garbage")
	}
	ingress, err := artifact.MarshalID(sealIngress(t, "misrouted").ID)
	if err != nil {
		t.Fatalf("MarshalID: %v", err)
	}
	if _, err := handler.Handle(context.Background(), "node-a", ingress); err == nil {
		t.Error("consensus advert endpoint accepted an ingress ID")
	}
	h.requireNoCall(t)

	want := []penalty{{"node-a", "malformed_advert"}, {"node-a", "malformed_advert"}}
	if penalties := h.reputation.list(); !slices.Equal(penalties, want) {
		t.Errorf("penalties = %v, want %v", penalties, want)
	}
}

func TestMalformedResponseMovesOn(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a", "node-b"}, nil)
	sealed := seal(t, 8, "payload")
	release := make(chan struct{})
	h.transport.serve("node-a", serveGated(release, func(context.Context, artifact.ID) ([]byte, error) {
		return []byte{0xff}, nil
	}))
	h.transport.serve("node-b", servePayload(sealed.Payload))

	h.advertFrom(t, "node-a", sealed.ID)
	h.requireCall(t, "node-a", sealed.ID)
	h.advertFrom(t, "node-b", sealed.ID)
	h.waitIgnored(t, ignoredInFlight, 1)
	close(release)

	h.requireCall(t, "node-b", sealed.ID)
	testutil.RequireEventually(t, testTimeout, func() bool { return h.contains(t, sealed.ID) }, "artifact never stored")
	if penalties := h.reputation.list(); !slices.Equal(penalties, []penalty{{"node-a", failedMalformed}}) {
		t.Errorf("penalties = %v, want node-a for a malformed response", penalties)
	}
}

func TestPoolRejectionMovesOn(t *testing.T) {
	sealed := seal(t, 9, "payload")
	var validations atomic.Int32
	// The pool's validator refuses the first delivery only.
	pool := artifactpool.NewMemory(artifactpool.Options{Validator: func(artifact.Artifact) error {
		if validations.Add(1) == 1 {
			return errors.New("signature check failed")
		}
		return nil
	}})
	h := newHarness(t, []transport.PeerID{"node-a", "node-b"}, func(config *Config) { config.Pool = pool })

	release := make(chan struct{})
	h.transport.serve("node-a", serveGated(release, servePayload(sealed.Payload)))
	h.transport.serve("node-b", servePayload(sealed.Payload))

	h.advertFrom(t, "node-a", sealed.ID)
	h.requireCall(t, "node-a", sealed.ID)
	h.advertFrom(t, "node-b", sealed.ID)
	h.waitIgnored(t, ignoredInFlight, 1)
	close(release)

	h.requireCall(t, "node-b", sealed.ID)
	testutil.RequireEventually(t, testTimeout, func() bool { return h.contains(t, sealed.ID) }, "artifact never stored after rejection")
	if failed := prometheustestutil.ToFloat64(h.metrics.PullsFailed.WithLabelValues(failedRejected)); failed != 1 {
		t.Errorf("rejected pulls = %v, want 1", failed)
	}
}

func TestPeerRemovalMovesPull(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a", "node-b"}, nil)
	sealed := seal(t, 12, "moving")
	cancelled := make(chan artifact.ID, 1)
	h.transport.serve("node-a", serveBlocking(cancelled))
	h.transport.serve("node-b", servePayload(sealed.Payload))

	h.advertFrom(t, "node-a", sealed.ID)
	h.requireCall(t, "node-a", sealed.ID)
	h.advertFrom(t, "node-b", sealed.ID)
	h.waitIgnored(t, ignoredInFlight, 1)

	h.setPeers(t, "node-b")
	testutil.RequireReceive(t, cancelled, testTimeout, "pull from the removed peer not cancelled")
	h.requireCall(t, "node-b", sealed.ID)
	testutil.RequireEventually(t, testTimeout, func() bool { return h.contains(t, sealed.ID) }, "artifact never stored")
}

func TestRunOnce(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.engine.Run(context.Background()); err == nil {
		t.Error("second Run succeeded")
	}
}

func TestCommandsAfterStop(t *testing.T) {
	fake := newFakeTransport()
	pool := artifactpool.NewMemory(artifactpool.Options{})
	defer pool.Close()
	membership, err := peerset.New(peerset.Config{Self: "node-self", Transport: fake})
	if err != nil {
		t.Fatalf("peerset.New: %v", err)
	}
	defer membership.Close()
	engine, err := New(Config{Transport: fake, Pool: pool, Membership: membership, Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := engine.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := engine.Purge(context.Background(), 1); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Purge after stop = %v, want ErrNotRunning", err)
	}
	if err := engine.Readvertise(context.Background(), seal(t, 1, "x").ID); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Readvertise after stop = %v, want ErrNotRunning", err)
	}
}
