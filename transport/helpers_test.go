// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/artifactp2p/lib/metrics"
	"github.com/bureau-foundation/artifactp2p/lib/testutil"
)

// testTimeout bounds every wait for asynchronous transport activity.
const testTimeout = 5 * time.Second

type testNode struct {
	transport *Transport
	info      PeerInfo
	metrics   *metrics.Metrics
}

// newTestNode creates a transport listening on network at its own ID.
// configure may adjust the config before the transport is built.
func newTestNode(t *testing.T, network *MemoryNetwork, id PeerID, configure func(*Config)) *testNode {
	t.Helper()

	listener, err := network.Listen(string(id))
	if err != nil {
		t.Fatalf("Listen(%s): %v", id, err)
	}
	publicKey, privateKey := testutil.Ed25519Key(string(id))
	nodeMetrics := metrics.New(nil)

	config := Config{
		Self:               id,
		PrivateKey:         privateKey,
		Listener:           listener,
		Dialer:             network,
		Logger:             slog.New(slog.DiscardHandler),
		Metrics:            nodeMetrics,
		DialBackoffInitial: 10 * time.Millisecond,
		DialBackoffMax:     50 * time.Millisecond,
	}
	if configure != nil {
		configure(&config)
	}

	transport, err := New(config)
	if err != nil {
		t.Fatalf("New(%s): %v", id, err)
	}
	t.Cleanup(func() { transport.Close() })

	return &testNode{
		transport: transport,
		info:      PeerInfo{ID: id, Address: string(id), PublicKey: publicKey},
		metrics:   nodeMetrics,
	}
}

// serve starts the node's accept loop. Handlers must be registered
// first.
func (n *testNode) serve(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.transport.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, testTimeout, "Serve did not return"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
}

// connect adds each node to the other's peer set and waits until both
// report the connection up. The accepting side (larger ID) learns of
// the dialer first so the first dial is not refused.
func connect(t *testing.T, a, b *testNode) {
	t.Helper()
	dialer, acceptor := a, b
	if b.info.ID < a.info.ID {
		dialer, acceptor = b, a
	}
	if err := acceptor.transport.AddPeer(dialer.info); err != nil {
		t.Fatalf("AddPeer(%s) on %s: %v", dialer.info.ID, acceptor.info.ID, err)
	}
	if err := dialer.transport.AddPeer(acceptor.info); err != nil {
		t.Fatalf("AddPeer(%s) on %s: %v", acceptor.info.ID, dialer.info.ID, err)
	}
	waitConnected(t, a, b)
}

func waitConnected(t *testing.T, a, b *testNode) {
	t.Helper()
	testutil.RequireEventually(t, testTimeout, func() bool {
		return a.transport.Connected(b.info.ID) && b.transport.Connected(a.info.ID)
	}, "%s and %s did not connect", a.info.ID, b.info.ID)
}

// echoHandler answers every request with its payload prefixed by
// prefix.
func echoHandler(prefix string) Handler {
	return HandlerFunc(func(_ context.Context, _ PeerID, payload []byte) ([]byte, error) {
		return append([]byte(prefix), payload...), nil
	})
}

// blockingHandler signals entered for each call and then blocks until
// release is closed or the peer goes away.
func blockingHandler(entered chan<- struct{}, release <-chan struct{}) Handler {
	return HandlerFunc(func(ctx context.Context, _ PeerID, payload []byte) ([]byte, error) {
		select {
		case entered <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		select {
		case <-release:
			return payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

type rpcOutcome struct {
	payload []byte
	err     error
}

// startRPC issues an rpc in the background.
func startRPC(from *testNode, to PeerID, endpoint Endpoint, payload []byte, timeout time.Duration) <-chan rpcOutcome {
	result := make(chan rpcOutcome, 1)
	go func() {
		response, err := from.transport.RPC(context.Background(), to, endpoint, payload, timeout)
		result <- rpcOutcome{payload: response, err: err}
	}()
	return result
}
