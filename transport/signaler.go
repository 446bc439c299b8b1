// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "context"

// Signaler abstracts the mechanism for exchanging WebRTC session
// descriptions between peers. [NATSSignaler] uses NATS subjects;
// [MemorySignaler] serves tests.
//
// The signaling model is vanilla ICE: all ICE candidates are gathered
// before the SDP is published, so connection establishment requires
// exactly one signaling round-trip (offer, then answer).
type Signaler interface {
	// PublishOffer publishes a complete SDP offer from self to target.
	PublishOffer(ctx context.Context, self, target, sdp string) error

	// PublishAnswer publishes a complete SDP answer from self to the
	// offerer of a previously received offer.
	PublishAnswer(ctx context.Context, offerer, self, sdp string) error

	// PollOffers returns offers directed at self that have not been
	// returned before.
	PollOffers(ctx context.Context, self string) ([]SignalMessage, error)

	// PollAnswers returns answers to offers self originated that have
	// not been returned before.
	PollAnswers(ctx context.Context, self string) ([]SignalMessage, error)
}

// SignalMessage is a received offer or answer.
type SignalMessage struct {
	// Peer is the other party: the offerer for offers, the answerer
	// for answers.
	Peer string `cbor:"p"`

	// SDP is the complete Session Description Protocol string with all
	// ICE candidates embedded.
	SDP string `cbor:"s"`

	// Timestamp is the RFC 3339 creation time of the signal.
	Timestamp string `cbor:"t"`
}

// offerSubject is where offers to node are published.
func offerSubject(prefix, node string) string {
	return prefix + ".offer." + node
}

// answerSubject is where answers to offers node made are published.
func answerSubject(prefix, node string) string {
	return prefix + ".answer." + node
}
