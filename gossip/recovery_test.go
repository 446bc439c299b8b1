// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gossip

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	prometheustestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/artifactp2p/artifactpool"
	"github.com/bureau-foundation/artifactp2p/lib/artifact"
	"github.com/bureau-foundation/artifactp2p/lib/testutil"
	"github.com/bureau-foundation/artifactp2p/transport"
)

func TestWatermarkRaise(t *testing.T) {
	var w watermark
	if _, ok := w.get(); ok {
		t.Fatal("fresh watermark is set")
	}
	low := seal(t, 0, "genesis")
	if w.expired(low.ID) {
		t.Error("height 0 expired before any purge")
	}

	if !w.raise(0) {
		t.Error("raise(0) on a fresh watermark did not move it")
	}
	if !w.expired(low.ID) {
		t.Error("height 0 not expired at watermark 0")
	}

	if !w.raise(math.MaxUint64) {
		t.Error("raise(MaxUint64) did not move the watermark")
	}
	if w.raise(5) {
		t.Error("raise(5) lowered a watermark at MaxUint64")
	}
	if height, _ := w.get(); height != math.MaxUint64 {
		t.Errorf("watermark = %d, want MaxUint64", height)
	}
	if w.raise(math.MaxUint64) {
		t.Error("raising to the current height reported a move")
	}
}

func TestPurgeToMaxHeightExpiresEverything(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a"}, nil)
	if err := h.engine.Purge(context.Background(), math.MaxUint64); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if err := h.engine.Purge(context.Background(), 5); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	h.advertFrom(t, "node-a", seal(t, 1_000_000, "high").ID)
	h.waitIgnored(t, ignoredExpired, 1)
	h.requireNoCall(t)
}

func TestWatermarkSeededFromPool(t *testing.T) {
	pool := artifactpool.NewMemory(artifactpool.Options{})
	if _, err := pool.PurgeBelow(context.Background(), 10); err != nil {
		t.Fatalf("PurgeBelow: %v", err)
	}
	h := newHarness(t, []transport.PeerID{"node-a"}, func(config *Config) { config.Pool = pool })
	purged, kept := seal(t, 9, "collected"), seal(t, 10, "kept")
	h.transport.serve("node-a", serveBlocking(nil))

	h.advertFrom(t, "node-a", purged.ID)
	h.waitIgnored(t, ignoredExpired, 1)
	h.advertFrom(t, "node-a", kept.ID)
	h.requireCall(t, "node-a", kept.ID)
}

// One peer floods adverts for artifacts it never serves. The engine
// tracks at most MaxTrackedPerPeer of them and remembers nothing else.
func TestAdvertFloodIsBounded(t *testing.T) {
	const limit, flood = 8, 500
	h := newHarness(t, []transport.PeerID{"node-a", "node-b"}, func(config *Config) {
		config.MaxTrackedPerPeer = limit
	})
	h.transport.serve("node-a", serveBlocking(nil))

	for index := range flood {
		h.advertFrom(t, "node-a", sealIngress(t, fmt.Sprintf("flood %d", index)).ID)
	}
	h.waitIgnored(t, ignoredOverLimit, flood-limit)

	h.inLoop(t, func() {
		if tracked := len(h.engine.tracked); tracked != limit {
			t.Errorf("tracked = %d, want %d", tracked, limit)
		}
		state := h.engine.peers["node-a"]
		if len(state.advertised) != limit {
			t.Errorf("node-a advertised = %d, want %d", len(state.advertised), limit)
		}
		if state.sent.Len() != 0 {
			t.Errorf("node-a sent = %d, want 0", state.sent.Len())
		}
	})

	// Another peer is unaffected by node-a's share.
	honest := seal(t, 3, "honest")
	h.transport.serve("node-b", servePayload(honest.Payload))
	h.advertFrom(t, "node-b", honest.ID)
	testutil.RequireEventually(t, testTimeout, func() bool { return h.contains(t, honest.ID) }, "node-b's artifact never stored")
}

func TestSentCacheIsBounded(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a"}, func(config *Config) { config.SentCacheSize = 4 })
	for height := range artifact.Height(10) {
		put(t, h.pool, seal(t, height, "local"))
	}
	h.requirePushes(t, 10)
	h.inLoop(t, func() {
		if sent := h.engine.peers["node-a"].sent.Len(); sent != 4 {
			t.Errorf("sent = %d, want 4", sent)
		}
	})
}

func TestExpiredIngressDropped(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a"}, nil)
	cancelled := make(chan artifact.ID, 1)
	h.transport.serve("node-a", serveBlocking(cancelled))

	late := sealIngressExpiring(t, "late", testEpoch.Add(-time.Second))
	h.advertFrom(t, "node-a", late.ID)
	h.waitIgnored(t, ignoredExpired, 1)
	h.requireNoCall(t)
	h.inLoop(t, func() {
		if h.engine.peers["node-a"].sent.Contains(late.ID) {
			t.Error("expired advert remembered as sent")
		}
	})

	soon := sealIngressExpiring(t, "soon", testEpoch.Add(time.Minute))
	h.advertFrom(t, "node-a", soon.ID)
	h.requireCall(t, "node-a", soon.ID)

	h.clock.Advance(2 * time.Minute)
	if id := testutil.RequireReceive(t, cancelled, testTimeout, "pull for an expired message not cancelled"); !artifact.Equal(id, soon.ID) {
		t.Errorf("cancelled %s, want %s", id, soon.ID)
	}
	if count := prometheustestutil.ToFloat64(h.metrics.PullsCancelled.WithLabelValues("ingress")); count != 1 {
		t.Errorf("cancelled ingress pulls = %v, want 1", count)
	}
	h.inLoop(t, func() {
		if len(h.engine.tracked) != 0 || len(h.engine.peers["node-a"].advertised) != 0 {
			t.Errorf("expired message still tracked: %d tracked", len(h.engine.tracked))
		}
	})

	// Expired local messages are not advertised either.
	put(t, h.pool, sealIngressExpiring(t, "stored late", testEpoch))
	h.requirePushes(t, 0)
}

func TestAbandonedPullRetriedAfterBackoff(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a"}, func(config *Config) {
		config.RetryInitial = time.Second
		config.RetryMax = 4 * time.Second
	})
	sealed := seal(t, 6, "evicted then restored")
	var calls atomic.Int32
	h.transport.serve("node-a", func(ctx context.Context, id artifact.ID) ([]byte, error) {
		if calls.Add(1) == 1 {
			return serveNotFound()(ctx, id)
		}
		return servePayload(sealed.Payload)(ctx, id)
	})

	h.advertFrom(t, "node-a", sealed.ID)
	h.requireCall(t, "node-a", sealed.ID)
	testutil.RequireEventually(t, testTimeout, func() bool {
		waiting := 0
		h.inLoop(t, func() { waiting = h.engine.retries.Len() })
		return waiting == 1
	}, "abandoned pull never scheduled for retry")
	h.requireNoCall(t)

	// The first backoff is at most 1.5 times RetryInitial.
	h.clock.Advance(2 * time.Second)
	h.requireCall(t, "node-a", sealed.ID)
	testutil.RequireEventually(t, testTimeout, func() bool { return h.contains(t, sealed.ID) }, "retried pull never stored")
	if retried := prometheustestutil.ToFloat64(h.metrics.PullsRetried.WithLabelValues(consensus)); retried != 1 {
		t.Errorf("retried pulls = %v, want 1", retried)
	}
	if abandoned := prometheustestutil.ToFloat64(h.metrics.PullsAbandoned.WithLabelValues(consensus)); abandoned != 1 {
		t.Errorf("abandoned pulls = %v, want 1", abandoned)
	}
}

func TestReconnectReadvertisesPool(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a", "node-b"}, nil)
	sealed := seal(t, 2, "sent before the connection dropped")
	put(t, h.pool, sealed)
	h.requirePushes(t, 2)

	// The first connection to a peer is not a reconnect.
	h.transport.reconnect("node-a", 1)
	h.requirePushes(t, 0)

	h.transport.reconnect("node-a", 2)
	messages := h.requirePushes(t, 1)
	if messages[0].peer != "node-a" || !artifact.Equal(messages[0].id, sealed.ID) {
		t.Errorf("re-advertised %s to %s, want %s to node-a", messages[0].id, messages[0].peer, sealed.ID)
	}
}

func TestFailedServeForgetsSent(t *testing.T) {
	h := newHarness(t, []transport.PeerID{"node-a"}, func(config *Config) { config.Pool = newFlakyPool(1) })
	sealed := seal(t, 4, "unreadable once")
	put(t, h.pool, sealed)
	h.requirePushes(t, 1)

	request, err := artifact.MarshalID(sealed.ID)
	if err != nil {
		t.Fatalf("MarshalID: %v", err)
	}
	if _, err := h.pull(t, "node-a", artifact.KindConsensus, request); err == nil {
		t.Fatal("pull handler served from a failing pool")
	}
	h.inLoop(t, func() {
		if h.engine.peers["node-a"].sent.Contains(sealed.ID) {
			t.Error("artifact the pool failed to serve still marked as sent")
		}
	})

	// The next read works, and the advert goes out again on request.
	if _, err := h.pull(t, "node-a", artifact.KindConsensus, request); err != nil {
		t.Fatalf("pull handler: %v", err)
	}
	h.transport.reconnect("node-a", 2)
	h.requirePushes(t, 1)
}
