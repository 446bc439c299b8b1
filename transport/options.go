// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/artifactp2p/lib/clock"
	"github.com/bureau-foundation/artifactp2p/lib/compress"
	"github.com/bureau-foundation/artifactp2p/lib/metrics"
)

// Config configures a [Transport]. Zero values for sizes and
// durations take the defaults below.
type Config struct {
	// Self is this node's peer ID.
	Self PeerID

	// PrivateKey signs handshake challenges. Peers verify with the
	// matching public key from their peer set.
	PrivateKey ed25519.PrivateKey

	Listener Listener
	Dialer   Dialer

	// Clock drives rpc timeouts, reconnect backoff and the per-peer
	// rate limiter. Defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to an unregistered set.
	Metrics *metrics.Metrics

	PushQueueCapacity    int
	RequestQueueCapacity int
	InboundQueueCapacity int

	// RPCTimeout applies when RPC is called with a zero timeout.
	RPCTimeout time.Duration

	// HandshakeTimeout bounds dialing plus the hello and
	// authentication exchange.
	HandshakeTimeout time.Duration

	// MaxFrameSize caps payload size in both directions.
	MaxFrameSize int

	Compression          compress.Algorithm
	CompressionThreshold int

	// RateLimit is the sustained inbound frames per second accepted
	// from one peer, with RateBurst headroom. Zero disables limiting.
	RateLimit float64
	RateBurst int

	DialBackoffInitial time.Duration
	DialBackoffMax     time.Duration
}

const (
	defaultPushQueueCapacity    = 1024
	defaultRequestQueueCapacity = 256
	defaultInboundQueueCapacity = 256
	defaultRPCTimeout           = 2 * time.Second
	defaultHandshakeTimeout     = 10 * time.Second
	defaultMaxFrameSize         = 16 << 20
	defaultRateBurst            = 1000
	defaultDialBackoffInitial   = 250 * time.Millisecond
	defaultDialBackoffMax       = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(nil)
	}
	if c.PushQueueCapacity <= 0 {
		c.PushQueueCapacity = defaultPushQueueCapacity
	}
	if c.RequestQueueCapacity <= 0 {
		c.RequestQueueCapacity = defaultRequestQueueCapacity
	}
	if c.InboundQueueCapacity <= 0 {
		c.InboundQueueCapacity = defaultInboundQueueCapacity
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = defaultRPCTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = defaultMaxFrameSize
	}
	if c.RateBurst <= 0 {
		c.RateBurst = defaultRateBurst
	}
	if c.DialBackoffInitial <= 0 {
		c.DialBackoffInitial = defaultDialBackoffInitial
	}
	if c.DialBackoffMax <= 0 {
		c.DialBackoffMax = defaultDialBackoffMax
	}
	return c
}

func (c Config) validate() error {
	var errs []error
	if c.Self == "" {
		errs = append(errs, errors.New("Self is required"))
	}
	if len(c.PrivateKey) != ed25519.PrivateKeySize {
		errs = append(errs, fmt.Errorf("PrivateKey must be %d bytes, got %d", ed25519.PrivateKeySize, len(c.PrivateKey)))
	}
	if c.Listener == nil {
		errs = append(errs, errors.New("Listener is required"))
	}
	if c.Dialer == nil {
		errs = append(errs, errors.New("Dialer is required"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("RateLimit must not be negative, got %v", c.RateLimit))
	}
	return errors.Join(errs...)
}
