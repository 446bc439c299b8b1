// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestSignalSubjects(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{offerSubject("artifactp2p.signal", "node-b"), "artifactp2p.signal.offer.node-b"},
		{answerSubject("artifactp2p.signal", "node-a"), "artifactp2p.signal.answer.node-a"},
		{newUnconnectedNATSSignaler("node-c").offerSubject("node-c"), "artifactp2p.signal.offer.node-c"},
	}
	for _, test := range tests {
		if test.subject != test.want {
			t.Errorf("subject = %q, want %q", test.subject, test.want)
		}
	}
}

func TestMemorySignaler(t *testing.T) {
	ctx := context.Background()
	signaler := NewMemorySignaler()

	if err := signaler.PublishOffer(ctx, "node-a", "node-b", "offer-sdp"); err != nil {
		t.Fatalf("PublishOffer: %v", err)
	}

	offers, err := signaler.PollOffers(ctx, "node-b")
	if err != nil {
		t.Fatalf("PollOffers: %v", err)
	}
	if len(offers) != 1 || offers[0].Peer != "node-a" || offers[0].SDP != "offer-sdp" {
		t.Fatalf("PollOffers = %+v, want one offer from node-a", offers)
	}

	// A signal is delivered once.
	offers, err = signaler.PollOffers(ctx, "node-b")
	if err != nil {
		t.Fatalf("PollOffers: %v", err)
	}
	if len(offers) != 0 {
		t.Errorf("second PollOffers = %+v, want none", offers)
	}
	if offers, _ := signaler.PollOffers(ctx, "node-c"); len(offers) != 0 {
		t.Errorf("node-c received offers meant for node-b: %+v", offers)
	}

	if err := signaler.PublishAnswer(ctx, "node-a", "node-b", "answer-sdp"); err != nil {
		t.Fatalf("PublishAnswer: %v", err)
	}
	answers, err := signaler.PollAnswers(ctx, "node-a")
	if err != nil {
		t.Fatalf("PollAnswers: %v", err)
	}
	if len(answers) != 1 || answers[0].Peer != "node-b" || answers[0].SDP != "answer-sdp" {
		t.Fatalf("PollAnswers = %+v, want one answer from node-b", answers)
	}

	if answers, _ := signaler.PollAnswers(ctx, "node-b"); len(answers) != 0 {
		t.Errorf("node-b received its own answer: %+v", answers)
	}

	// Offers queue in publish order until polled.
	for _, sdp := range []string{"first", "renegotiated"} {
		if err := signaler.PublishOffer(ctx, "node-a", "node-b", sdp); err != nil {
			t.Fatalf("PublishOffer: %v", err)
		}
	}
	offers, _ = signaler.PollOffers(ctx, "node-b")
	if len(offers) != 2 || offers[0].SDP != "first" || offers[1].SDP != "renegotiated" {
		t.Errorf("PollOffers = %+v, want both offers in order", offers)
	}

	// Peer IDs that would break a subject are refused, as on NATS.
	if err := signaler.PublishOffer(ctx, "node-a", "node.*", "sdp"); err == nil {
		t.Error("PublishOffer accepted a wildcard target")
	}
}

func TestMemorySignalerBuffersAreBounded(t *testing.T) {
	ctx := context.Background()
	signaler := NewMemorySignaler()
	for index := range maxBufferedSignals + 5 {
		if err := signaler.PublishOffer(ctx, fmt.Sprintf("node-%d", index), "node-b", "sdp"); err != nil {
			t.Fatalf("PublishOffer: %v", err)
		}
	}
	offers, err := signaler.PollOffers(ctx, "node-b")
	if err != nil {
		t.Fatalf("PollOffers: %v", err)
	}
	if len(offers) != maxBufferedSignals || offers[0].Peer != "node-5" {
		t.Errorf("buffered %d offers starting at %s, want %d starting at node-5", len(offers), offers[0].Peer, maxBufferedSignals)
	}
}

// newUnconnectedNATSSignaler builds a signaler without subscriptions
// so the receive path can be driven directly.
func newUnconnectedNATSSignaler(self string) *NATSSignaler {
	return &NATSSignaler{prefix: "artifactp2p.signal", self: self}
}

func TestNATSSignalerReceive(t *testing.T) {
	ctx := context.Background()
	signaler := newUnconnectedNATSSignaler("node-b")

	offer, err := encodeSignal("node-a", "offer-sdp", time.Now())
	if err != nil {
		t.Fatalf("encodeSignal: %v", err)
	}
	answer, err := encodeSignal("node-c", "answer-sdp", time.Now())
	if err != nil {
		t.Fatalf("encodeSignal: %v", err)
	}

	signaler.receive(&nats.Msg{Subject: "artifactp2p.signal.offer.node-b", Data: offer})
	signaler.receive(&nats.Msg{Subject: "artifactp2p.signal.answer.node-b", Data: answer})
	signaler.receive(&nats.Msg{Subject: "artifactp2p.signal.offer.node-b", Data: []byte("garbage")})
	signaler.receive(&nats.Msg{Subject: "artifactp2p.signal.offer.node-z", Data: offer})

	offers, err := signaler.PollOffers(ctx, "node-b")
	if err != nil {
		t.Fatalf("PollOffers: %v", err)
	}
	if len(offers) != 1 || offers[0].Peer != "node-a" || offers[0].SDP != "offer-sdp" {
		t.Errorf("PollOffers = %+v, want one offer from node-a", offers)
	}
	answers, err := signaler.PollAnswers(ctx, "node-b")
	if err != nil {
		t.Fatalf("PollAnswers: %v", err)
	}
	if len(answers) != 1 || answers[0].Peer != "node-c" {
		t.Errorf("PollAnswers = %+v, want one answer from node-c", answers)
	}

	if offers, _ := signaler.PollOffers(ctx, "node-b"); len(offers) != 0 {
		t.Errorf("offers not drained: %+v", offers)
	}
	if _, err := signaler.PollOffers(ctx, "node-a"); err == nil {
		t.Error("PollOffers for another node succeeded")
	}
}

func TestNATSSignalerBuffersAreBounded(t *testing.T) {
	signaler := newUnconnectedNATSSignaler("node-b")
	for index := range maxBufferedSignals + 10 {
		data, err := encodeSignal(fmt.Sprintf("node-%d", index), "sdp", time.Now())
		if err != nil {
			t.Fatalf("encodeSignal: %v", err)
		}
		signaler.receive(&nats.Msg{Subject: "artifactp2p.signal.offer.node-b", Data: data})
	}

	offers, err := signaler.PollOffers(context.Background(), "node-b")
	if err != nil {
		t.Fatalf("PollOffers: %v", err)
	}
	if len(offers) != maxBufferedSignals {
		t.Fatalf("buffered %d offers, want %d", len(offers), maxBufferedSignals)
	}
	if offers[0].Peer != "node-10" {
		t.Errorf("oldest buffered offer from %s, want node-10", offers[0].Peer)
	}
}

func TestNATSSignalerPublishValidation(t *testing.T) {
	signaler := newUnconnectedNATSSignaler("node-a")
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		ctx     context.Context
		self    string
		target  string
		wantErr error
	}{
		{"foreign self", context.Background(), "node-x", "node-b", nil},
		{"wildcard target", context.Background(), "node-a", "node.*", nil},
		{"empty target", context.Background(), "node-a", "", nil},
		{"cancelled", cancelled, "node-a", "node-b", context.Canceled},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := signaler.PublishOffer(test.ctx, test.self, test.target, "sdp")
			if err == nil {
				t.Fatal("PublishOffer succeeded")
			}
			if test.wantErr != nil && !errors.Is(err, test.wantErr) {
				t.Errorf("error = %v, want %v", err, test.wantErr)
			}
		})
	}
}

func TestValidateSubjectToken(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"node-a", false},
		{"machine/workstation", false},
		{"", true},
		{"has space", true},
		{"wild*", true},
		{"tail>", true},
		{".leading", true},
		{"trailing.", true},
	}
	for _, test := range tests {
		if err := validateSubjectToken(test.id); (err != nil) != test.wantErr {
			t.Errorf("validateSubjectToken(%q) error = %v, wantErr %v", test.id, err, test.wantErr)
		}
	}
}
