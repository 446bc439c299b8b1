// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport keeps one authenticated, persistent connection to
// every peer in a node's peer set and multiplexes fire-and-forget
// pushes and request/response rpcs over it.
//
// A [Transport] is built from a [Listener] and a [Dialer]. [TCPListener]
// and [TCPDialer] serve nodes that can reach each other directly;
// [WebRTCNetwork] implements both over pion/webrtc data channels with
// ICE for NAT traversal, exchanging SDP through a [Signaler]
// ([NATSSignaler] in deployments, [MemorySignaler] in tests).
// [MemoryNetwork] connects transports in one process over net.Pipe.
//
// Of each pair of peers, the one with the smaller [PeerID] dials and
// the other accepts. A new connection starts with a hello frame in each
// direction naming the sender, then a mutual Ed25519 challenge-response
// ([PeerAuthenticator]): each side signs the other's random nonce
// together with the challenger's ID and verifies the reply against the
// public key in [PeerInfo]. If the peer we dialed fails verification it
// is excluded until it is removed and added again. Failures on accepted
// connections only close the connection, so a node impersonating a
// peer cannot get the real peer excluded. Dial and I/O failures retry
// with exponential backoff for as long as the peer stays in the set.
//
// On the wire every message is a 4-byte big-endian length followed by a
// deterministic CBOR frame. Payloads at or above a threshold are
// compressed with LZ4 or zstd when that makes them smaller.
//
// Memory is bounded everywhere:
//
//   - Each peer has a push queue that drops its oldest entry when full
//     and a request queue that refuses new requests when full
//     ([ErrQueueOverflow]). Both outlive reconnects.
//   - Each (peer, endpoint) pair has an inbound queue drained by its own
//     goroutine, so a handler that blocks stalls only its own pair.
//     Requests arriving at a full inbound queue are answered with an
//     overloaded [RemoteError].
//   - Each peer's reader is throttled by a token bucket, so a flooding
//     peer slows down only itself.
//
// Handlers are registered with [Transport.RegisterHandler] before
// [Transport.Serve]; the table is immutable afterwards. [Transport.RPC]
// returns exactly one outcome per call. [Transport.Push] never reports
// failure to its caller; drops are visible through metrics and debug
// logs. [Transport.Discard] removes queued pushes that are no longer
// worth sending.
package transport
