// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshakeFailure means the peer failed mutual authentication.
	// A peer that fails the handshake on a connection we dialed is
	// excluded until it is removed and re-added.
	ErrHandshakeFailure = errors.New("peer handshake failed")

	// ErrConnectionLost resolves rpcs in flight on a connection that
	// broke. The transport reconnects on its own.
	ErrConnectionLost = errors.New("connection lost")

	// ErrRPCTimeout means no response arrived within the rpc timeout.
	// It says nothing about the connection; callers should try
	// another peer.
	ErrRPCTimeout = errors.New("rpc timed out")

	// ErrQueueOverflow means the peer's request queue was full and the
	// request was not sent.
	ErrQueueOverflow = errors.New("request queue full")

	// ErrPeerRemoved resolves rpcs to a peer that left the peer set.
	ErrPeerRemoved = errors.New("peer removed")

	// ErrUnknownPeer is returned for operations naming a peer that is
	// not in the peer set.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrDuplicateHandler is returned by RegisterHandler when the
	// endpoint already has a handler.
	ErrDuplicateHandler = errors.New("endpoint already has a handler")

	// ErrHandlersSealed is returned by RegisterHandler once Serve has
	// started.
	ErrHandlersSealed = errors.New("handler table is sealed")

	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")

	// ErrPayloadTooLarge is returned for payloads above the maximum
	// frame size.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum frame size")
)

// Error strings carried in response frames for failures that are the
// transport's, not the handler's.
const (
	remoteOverloaded = "overloaded"
	remoteNoHandler  = "no handler for endpoint"
)

// RemoteError is a failure reported by the peer's handler, or by the
// peer's transport on the handler's behalf (overload, no handler).
type RemoteError struct {
	Peer     PeerID
	Endpoint Endpoint
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer %s endpoint %s: %s", e.Peer, e.Endpoint, e.Message)
}

// Overloaded reports whether the peer rejected the request because its
// inbound queue for the endpoint was full.
func (e *RemoteError) Overloaded() bool {
	return e.Message == remoteOverloaded
}
