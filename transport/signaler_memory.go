// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// memorySignalPrefix is the subject prefix of a MemorySignaler.
const memorySignalPrefix = "artifactp2p.signal"

// MemorySignaler is an in-process Signaler for tests that routes
// signals the way [NATSSignaler] does: an offer to a node goes to
// "<prefix>.offer.<node>", an answer to "<prefix>.answer.<node>", and
// polling drains the node's own subject. Signals pass through the same
// encoding as on NATS. Unlike NATS, a signal published before the
// recipient polls is kept, up to maxBufferedSignals per subject.
type MemorySignaler struct {
	mu        sync.Mutex
	mailboxes map[string][]SignalMessage
}

// NewMemorySignaler creates an empty signaler. WebRTCNetwork instances
// sharing one can connect without any network signaling.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{mailboxes: make(map[string][]SignalMessage)}
}

func (s *MemorySignaler) PublishOffer(ctx context.Context, self, target, sdp string) error {
	return s.publish(ctx, offerSubject(memorySignalPrefix, target), self, target, sdp)
}

func (s *MemorySignaler) PublishAnswer(ctx context.Context, offerer, self, sdp string) error {
	return s.publish(ctx, answerSubject(memorySignalPrefix, offerer), self, offerer, sdp)
}

func (s *MemorySignaler) PollOffers(_ context.Context, self string) ([]SignalMessage, error) {
	return s.drain(offerSubject(memorySignalPrefix, self)), nil
}

func (s *MemorySignaler) PollAnswers(_ context.Context, self string) ([]SignalMessage, error) {
	return s.drain(answerSubject(memorySignalPrefix, self)), nil
}

func (s *MemorySignaler) publish(ctx context.Context, subject, self, recipient, sdp string) error {
	if err := validateSubjectToken(self); err != nil {
		return err
	}
	if err := validateSubjectToken(recipient); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeSignal(self, sdp, time.Now())
	if err != nil {
		return err
	}
	signal, ok := decodeSignal(data)
	if !ok {
		return fmt.Errorf("signal for %s does not decode", subject)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailboxes[subject] = appendBounded(s.mailboxes[subject], signal)
	return nil
}

func (s *MemorySignaler) drain(subject string) []SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	signals := s.mailboxes[subject]
	delete(s.mailboxes, subject)
	return signals
}
