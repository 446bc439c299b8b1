// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bureau-foundation/artifactp2p/lib/codec"
)

// Compile-time interface check.
var _ Signaler = (*NATSSignaler)(nil)

// NATSSignaler exchanges SDP offers and answers over core NATS. Offers
// to a node are published on "<prefix>.offer.<node>" and answers on
// "<prefix>.answer.<node>"; each node subscribes to its own two
// subjects and buffers what arrives until polled.
//
// Core NATS does not persist messages: an offer published before the
// target subscribed is lost, the offerer's answer wait times out, and
// the transport's dial backoff retries.
type NATSSignaler struct {
	conn   *nats.Conn
	prefix string
	self   string

	subscriptions []*nats.Subscription

	mu      sync.Mutex
	offers  []SignalMessage
	answers []SignalMessage
}

// maxBufferedSignals bounds each signal buffer. The oldest signals are
// dropped first; a peer whose offer is dropped retries.
const maxBufferedSignals = 256

// NewNATSSignaler subscribes to self's offer and answer subjects.
func NewNATSSignaler(conn *nats.Conn, prefix, self string) (*NATSSignaler, error) {
	if err := validateSubjectToken(self); err != nil {
		return nil, err
	}
	signaler := &NATSSignaler{conn: conn, prefix: prefix, self: self}

	for _, subject := range []string{signaler.offerSubject(self), signaler.answerSubject(self)} {
		subscription, err := conn.Subscribe(subject, signaler.receive)
		if err != nil {
			signaler.Close()
			return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		signaler.subscriptions = append(signaler.subscriptions, subscription)
	}
	return signaler, nil
}

// Close unsubscribes. Buffered signals are discarded.
func (s *NATSSignaler) Close() error {
	var errs []error
	for _, subscription := range s.subscriptions {
		if err := subscription.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	s.subscriptions = nil
	return errors.Join(errs...)
}

func (s *NATSSignaler) offerSubject(node string) string {
	return offerSubject(s.prefix, node)
}

func (s *NATSSignaler) answerSubject(node string) string {
	return answerSubject(s.prefix, node)
}

func (s *NATSSignaler) PublishOffer(ctx context.Context, self, target, sdp string) error {
	return s.publish(ctx, self, s.offerSubject(target), target, sdp)
}

func (s *NATSSignaler) PublishAnswer(ctx context.Context, offerer, self, sdp string) error {
	return s.publish(ctx, self, s.answerSubject(offerer), offerer, sdp)
}

func (s *NATSSignaler) publish(ctx context.Context, self, subject, recipient, sdp string) error {
	if self != s.self {
		return fmt.Errorf("signaler belongs to %s, not %s", s.self, self)
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
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

func (s *NATSSignaler) PollOffers(_ context.Context, self string) ([]SignalMessage, error) {
	if self != s.self {
		return nil, fmt.Errorf("signaler belongs to %s, not %s", s.self, self)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	offers := s.offers
	s.offers = nil
	return offers, nil
}

func (s *NATSSignaler) PollAnswers(_ context.Context, self string) ([]SignalMessage, error) {
	if self != s.self {
		return nil, fmt.Errorf("signaler belongs to %s, not %s", s.self, self)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	answers := s.answers
	s.answers = nil
	return answers, nil
}

// receive buffers a signal from one of self's subjects. Undecodable
// messages are dropped.
func (s *NATSSignaler) receive(message *nats.Msg) {
	signal, ok := decodeSignal(message.Data)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch message.Subject {
	case s.offerSubject(s.self):
		s.offers = appendBounded(s.offers, signal)
	case s.answerSubject(s.self):
		s.answers = appendBounded(s.answers, signal)
	}
}

func appendBounded(signals []SignalMessage, signal SignalMessage) []SignalMessage {
	signals = append(signals, signal)
	if excess := len(signals) - maxBufferedSignals; excess > 0 {
		signals = signals[excess:]
	}
	return signals
}

func encodeSignal(peer, sdp string, now time.Time) ([]byte, error) {
	return codec.Marshal(SignalMessage{
		Peer:      peer,
		SDP:       sdp,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	})
}

func decodeSignal(data []byte) (SignalMessage, bool) {
	var signal SignalMessage
	if err := codec.Unmarshal(data, &signal); err != nil || signal.Peer == "" {
		return SignalMessage{}, false
	}
	return signal, true
}

// validateSubjectToken rejects peer IDs that would change the meaning
// of a NATS subject.
func validateSubjectToken(id string) error {
	if id == "" || strings.ContainsAny(id, " \t\r\n*>") || strings.HasPrefix(id, ".") || strings.HasSuffix(id, ".") {
		return fmt.Errorf("peer ID %q cannot be used in a NATS subject", id)
	}
	return nil
}
