// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gossip

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/artifactp2p/artifactpool"
	"github.com/bureau-foundation/artifactp2p/lib/artifact"
	"github.com/bureau-foundation/artifactp2p/lib/testutil"
	"github.com/bureau-foundation/artifactp2p/peerset"
	"github.com/bureau-foundation/artifactp2p/transport"
)

// node is a complete stack over the in-memory network.
type node struct {
	info       transport.PeerInfo
	transport  *transport.Transport
	pool       *artifactpool.Memory
	membership *peerset.Manager
	engine     *Engine
}

func startNode(t *testing.T, network *transport.MemoryNetwork, id transport.PeerID) *node {
	t.Helper()
	return startNodeWith(t, network, id, nil)
}

// startNodeWith starts a node whose engine config configure may adjust.
func startNodeWith(t *testing.T, network *transport.MemoryNetwork, id transport.PeerID, configure func(*Config)) *node {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	listener, err := network.Listen(string(id))
	if err != nil {
		t.Fatalf("Listen(%s): %v", id, err)
	}
	publicKey, privateKey := testutil.Ed25519Key(string(id))
	tr, err := transport.New(transport.Config{
		Self:               id,
		PrivateKey:         privateKey,
		Listener:           listener,
		Dialer:             network,
		Logger:             logger,
		DialBackoffInitial: 10 * time.Millisecond,
		DialBackoffMax:     50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("transport.New(%s): %v", id, err)
	}
	t.Cleanup(func() { tr.Close() })

	pool := artifactpool.NewMemory(artifactpool.Options{})
	t.Cleanup(func() { pool.Close() })

	membership, err := peerset.New(peerset.Config{Self: id, Transport: tr, Logger: logger})
	if err != nil {
		t.Fatalf("peerset.New(%s): %v", id, err)
	}
	t.Cleanup(membership.Close)

	config := Config{
		Transport:    tr,
		Pool:         pool,
		Membership:   membership,
		PullTimeout:  time.Second,
		RetryInitial: 20 * time.Millisecond,
		RetryMax:     100 * time.Millisecond,
		Logger:       logger,
	}
	if configure != nil {
		configure(&config)
	}
	if flaky, ok := config.Pool.(*flakyPool); ok {
		t.Cleanup(func() { flaky.Close() })
		pool = flaky.Memory
	}
	engine, err := New(config)
	if err != nil {
		t.Fatalf("New(%s): %v", id, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	ran := make(chan error, 1)
	go func() { served <- tr.Serve(ctx) }()
	go func() { ran <- engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, ran, testTimeout, "%s: Run did not return", id)
		testutil.RequireReceive(t, served, testTimeout, "%s: Serve did not return", id)
	})

	return &node{
		info:       transport.PeerInfo{ID: id, Address: string(id), PublicKey: publicKey},
		transport:  tr,
		pool:       pool,
		membership: membership,
		engine:     engine,
	}
}

// join gives every node the same membership: all of them.
func join(t *testing.T, nodes ...*node) {
	t.Helper()
	set := make(map[transport.PeerID]transport.PeerInfo, len(nodes))
	for _, n := range nodes {
		set[n.info.ID] = n.info
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	for _, n := range nodes {
		if err := n.membership.UpdatePeers(ctx, set); err != nil {
			t.Fatalf("UpdatePeers on %s: %v", n.info.ID, err)
		}
	}
}

func waitFor(t *testing.T, n *node, id artifact.ID) {
	t.Helper()
	testutil.RequireEventually(t, testTimeout, func() bool {
		present, err := n.pool.Contains(context.Background(), id)
		return err == nil && present
	}, "%s never received %s", n.info.ID, id)
}

func TestArtifactsSpreadAcrossPeers(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startNode(t, network, "node-a")
	b := startNode(t, network, "node-b")
	c := startNode(t, network, "node-c")
	join(t, a, b, c)

	first := seal(t, 1, "produced at a")
	put(t, a.pool, first)
	waitFor(t, b, first.ID)
	waitFor(t, c, first.ID)

	second := sealIngress(t, "submitted at c")
	put(t, c.pool, second)
	waitFor(t, a, second.ID)
	waitFor(t, b, second.ID)

	for _, n := range []*node{a, b, c} {
		ids, err := n.pool.IDs(context.Background())
		if err != nil {
			t.Fatalf("IDs on %s: %v", n.info.ID, err)
		}
		if len(ids) != 2 {
			t.Errorf("%s holds %d artifacts, want 2", n.info.ID, len(ids))
		}
	}
}

func TestLateJoinerCatchesUp(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startNode(t, network, "node-a")
	b := startNode(t, network, "node-b")
	join(t, a, b)

	early := seal(t, 3, "before c joined")
	put(t, a.pool, early)
	waitFor(t, b, early.ID)

	c := startNode(t, network, "node-c")
	join(t, a, b, c)
	waitFor(t, c, early.ID)
}

func TestPurgeStopsSpread(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startNode(t, network, "node-a")
	b := startNode(t, network, "node-b")
	join(t, a, b)

	// b has already collected everything up to height 5.
	if _, err := b.pool.PurgeBelow(context.Background(), 6); err != nil {
		t.Fatalf("PurgeBelow: %v", err)
	}
	stale := seal(t, 5, "finalized elsewhere")
	fresh := seal(t, 6, "still wanted")
	put(t, a.pool, stale)
	put(t, a.pool, fresh)

	waitFor(t, b, fresh.ID)
	present, err := b.pool.Contains(context.Background(), stale.ID)
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if present {
		t.Error("artifact below the purge height reached b")
	}
}

// A's pool fails the first read, so B's only pull of the artifact
// fails and no further advert will arrive. B still gets it by retrying
// the advertiser after a backoff.
func TestFailedPullRecoversByRetry(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startNodeWith(t, network, "node-a", func(config *Config) { config.Pool = newFlakyPool(1) })
	b := startNode(t, network, "node-b")
	join(t, a, b)

	sealed := sealIngress(t, "submitted at a")
	if err := a.pool.Put(context.Background(), sealed.ID, sealed.Payload); err != nil {
		t.Fatalf("Put: %v", err)
	}
	waitFor(t, b, sealed.ID)
}
