// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// dial opens and authenticates a connection to p. Errors wrapping
// ErrHandshakeFailure mean the remote end is not who the peer set says
// it is; anything else is transient.
func (t *Transport) dial(p *peer) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(p.ctx, t.config.HandshakeTimeout)
	defer cancel()

	conn, err := t.config.Dialer.DialContext(ctx, p.info.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s at %s: %w", p.info.ID, p.info.Address, err)
	}
	if err := t.handshakeDialed(conn, p); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (t *Transport) handshakeDialed(conn net.Conn, p *peer) error {
	if err := conn.SetDeadline(t.handshakeDeadline()); err != nil {
		return fmt.Errorf("setting handshake deadline: %w", err)
	}
	if err := writeFrame(conn, frame{Kind: frameHello, Peer: t.self}); err != nil {
		return err
	}
	hello, err := readFrame(conn, t.config.MaxFrameSize)
	if err != nil {
		return fmt.Errorf("reading hello from %s: %w", p.info.ID, err)
	}
	if hello.Kind != frameHello {
		return fmt.Errorf("%w: expected hello from %s, got %s frame", ErrHandshakeFailure, p.info.ID, hello.Kind)
	}
	if hello.Peer != p.info.ID {
		return fmt.Errorf("%w: dialed %s at %s but it identifies as %q", ErrHandshakeFailure, p.info.ID, p.info.Address, hello.Peer)
	}
	if err := runPeerAuth(conn, t.authenticator(p), t.self, p.info.ID); err != nil {
		return err
	}
	return conn.SetDeadline(time.Time{})
}

// accept authenticates an inbound connection and hands it to the
// peer's supervisor. Failures close the connection and nothing else:
// whoever is on the other end has not proven it is the peer it claims
// to be, so it must not be able to affect that peer's state.
func (t *Transport) accept(conn net.Conn) {
	p, err := t.handshakeAccepted(conn)
	if err != nil {
		t.logger.Debug("inbound handshake rejected", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}
	p.offer(conn)
}

func (t *Transport) handshakeAccepted(conn net.Conn) (*peer, error) {
	if err := conn.SetDeadline(t.handshakeDeadline()); err != nil {
		return nil, fmt.Errorf("setting handshake deadline: %w", err)
	}
	hello, err := readFrame(conn, t.config.MaxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	if hello.Kind != frameHello {
		t.metrics.Violations.WithLabelValues("missing_hello").Inc()
		return nil, fmt.Errorf("expected hello, got %s frame", hello.Kind)
	}
	// The smaller ID of a pair dials.
	if hello.Peer >= t.self {
		return nil, fmt.Errorf("peer %q must be dialed by this node, not dial it", hello.Peer)
	}
	p, err := t.lookup(hello.Peer)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, frame{Kind: frameHello, Peer: t.self}); err != nil {
		return nil, err
	}
	if err := runPeerAuth(conn, t.authenticator(p), t.self, p.info.ID); err != nil {
		if errors.Is(err, ErrHandshakeFailure) {
			t.metrics.HandshakeFailures.WithLabelValues(string(p.info.ID)).Inc()
			t.logger.Warn("inbound peer failed authentication", "peer", p.info.ID, "error", err)
		}
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return p, nil
}

func (t *Transport) authenticator(p *peer) PeerAuthenticator {
	return keyAuthenticator{
		privateKey: t.config.PrivateKey,
		peer:       p.info.ID,
		publicKey:  p.info.PublicKey,
	}
}
