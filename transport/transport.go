// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"net"
)

// PeerID identifies a node. Peer IDs are totally ordered by string
// comparison; the smaller ID of a pair dials the connection.
type PeerID string

// Endpoint names a message handler, e.g. "/artifactp2p/advert/consensus/1".
type Endpoint string

// PeerInfo is what the transport needs to reach and authenticate a
// peer.
type PeerInfo struct {
	ID PeerID

	// Address is passed verbatim to the Dialer. For TCP it is
	// "host:port"; for WebRTC it is the peer's ID.
	Address string

	// PublicKey verifies the peer's handshake signature.
	PublicKey ed25519.PublicKey
}

// Equal reports whether two PeerInfo values describe the same peer at
// the same address with the same key.
func (info PeerInfo) Equal(other PeerInfo) bool {
	return info.ID == other.ID &&
		info.Address == other.Address &&
		bytes.Equal(info.PublicKey, other.PublicKey)
}

// Handler processes inbound messages on one endpoint. For pushes the
// returned bytes and error are ignored. For requests the bytes are the
// response payload and a non-nil error is reported to the caller as a
// [RemoteError].
//
// Handle is called from a goroutine dedicated to one (peer, endpoint)
// pair, so calls for the same pair never overlap and arrive in the
// order the peer sent them. ctx is cancelled when the peer is removed.
type Handler interface {
	Handle(ctx context.Context, peer PeerID, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, peer PeerID, payload []byte) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, peer PeerID, payload []byte) ([]byte, error) {
	return f(ctx, peer, payload)
}

// Listener accepts inbound connections from peers.
type Listener interface {
	// Accept blocks until a connection arrives or the listener is
	// closed.
	Accept() (net.Conn, error)

	// Address returns the address peers use to reach this listener.
	// The format is network-specific (e.g., "192.168.1.10:4100" for
	// TCP, the node's peer ID for WebRTC).
	Address() string

	// Close stops the listener. Blocked and subsequent Accept calls
	// return an error.
	Close() error
}

// Dialer opens connections to peers.
type Dialer interface {
	// DialContext opens a connection to the peer at address. The
	// address format matches what the peer's Listener.Address returns.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// Network is a Listener and Dialer backed by the same substrate.
type Network interface {
	Listener
	Dialer
}
