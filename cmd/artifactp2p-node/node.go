// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bureau-foundation/artifactp2p/artifactpool"
	"github.com/bureau-foundation/artifactp2p/gossip"
	"github.com/bureau-foundation/artifactp2p/lib/compress"
	"github.com/bureau-foundation/artifactp2p/lib/config"
	"github.com/bureau-foundation/artifactp2p/lib/metrics"
	"github.com/bureau-foundation/artifactp2p/peerset"
	"github.com/bureau-foundation/artifactp2p/transport"
)

const (
	badgerGCInterval     = 5 * time.Minute
	badgerGCDiscardRatio = 0.5
)

// node holds the assembled components. close releases them in the
// reverse order they were acquired.
type node struct {
	transport  *transport.Transport
	address    string
	pool       artifactpool.Pool
	poolGC     func(context.Context) error
	membership *peerset.Manager
	source     peerset.Source
	engine     *gossip.Engine

	closers []func() error
	nats    map[string]*nats.Conn
	logger  *slog.Logger
}

func (n *node) onClose(closer func() error) {
	n.closers = append(n.closers, closer)
}

func (n *node) close() error {
	var errs []error
	for index := len(n.closers) - 1; index >= 0; index-- {
		if err := n.closers[index](); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	if err := errors.Join(errs...); err != nil {
		n.logger.Warn("shutdown incomplete", "error", err)
		return err
	}
	return nil
}

// assemble builds every component from cfg. Nothing is started; on
// error whatever was already acquired is released.
func assemble(cfg *config.Config, logger *slog.Logger, nodeMetrics *metrics.Metrics) (_ *node, err error) {
	n := &node{nats: make(map[string]*nats.Conn), logger: logger}
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	self := transport.PeerID(cfg.Node.ID)
	privateKey, err := config.LoadNodeKey(cfg.Node.KeyFile)
	if err != nil {
		return nil, err
	}
	compression, err := compress.ParseAlgorithm(cfg.Transport.Compression)
	if err != nil {
		return nil, err
	}

	listener, dialer, err := n.network(cfg, logger)
	if err != nil {
		return nil, err
	}
	n.address = listener.Address()
	n.transport, err = transport.New(transport.Config{
		Self:                 self,
		PrivateKey:           privateKey,
		Listener:             listener,
		Dialer:               dialer,
		Logger:               logger,
		Metrics:              nodeMetrics,
		PushQueueCapacity:    cfg.Transport.PushQueueCapacity,
		RequestQueueCapacity: cfg.Transport.RequestQueueCapacity,
		InboundQueueCapacity: cfg.Transport.InboundQueueCapacity,
		RPCTimeout:           cfg.Transport.RPCTimeout,
		HandshakeTimeout:     cfg.Transport.HandshakeTimeout,
		MaxFrameSize:         cfg.Transport.MaxFrameSize,
		Compression:          compression,
		CompressionThreshold: cfg.Transport.CompressionThreshold,
		RateLimit:            cfg.Transport.RateLimit,
		RateBurst:            cfg.Transport.RateBurst,
		DialBackoffInitial:   cfg.Transport.DialBackoffInitial,
		DialBackoffMax:       cfg.Transport.DialBackoffMax,
	})
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("creating transport: %w", err)
	}
	n.onClose(n.transport.Close)

	if err := n.openPool(cfg, logger); err != nil {
		return nil, err
	}

	n.membership, err = peerset.New(peerset.Config{
		Self:      self,
		Transport: n.transport,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer set manager: %w", err)
	}
	n.onClose(func() error { n.membership.Close(); return nil })

	if n.source, err = n.membershipSource(cfg, logger); err != nil {
		return nil, err
	}

	n.engine, err = gossip.New(gossip.Config{
		Transport:         n.transport,
		Pool:              n.pool,
		Membership:        n.membership,
		MaxPullAttempts:   cfg.Gossip.MaxPullAttempts,
		PullTimeout:       cfg.Gossip.PullTimeout,
		FinishedCacheSize: cfg.Gossip.FinishedCacheSize,
		SentCacheSize:     cfg.Gossip.SentCacheSize,
		MaxTrackedPerPeer: cfg.Gossip.MaxTrackedPerPeer,
		RetryInitial:      cfg.Gossip.RetryInitial,
		RetryMax:          cfg.Gossip.RetryMax,
		Logger:            logger,
		Metrics:           nodeMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gossip engine: %w", err)
	}
	return n, nil
}

// network returns the listener and dialer for cfg.Node.Network. The
// transport owns the listener once it is created.
func (n *node) network(cfg *config.Config, logger *slog.Logger) (transport.Listener, transport.Dialer, error) {
	switch cfg.Node.Network {
	case "tcp":
		listener, err := transport.NewTCPListener(cfg.Node.ListenAddress)
		if err != nil {
			return nil, nil, err
		}
		return listener, &transport.TCPDialer{Timeout: cfg.Transport.HandshakeTimeout}, nil

	case "webrtc":
		conn, err := n.connectNATS(cfg.Node.SignalingURL, cfg.Node.ID)
		if err != nil {
			return nil, nil, err
		}
		signaler, err := transport.NewNATSSignaler(conn, cfg.Node.SignalingPrefix, cfg.Node.ID)
		if err != nil {
			return nil, nil, err
		}
		n.onClose(signaler.Close)
		network := transport.NewWebRTCNetwork(signaler, cfg.Node.ID,
			transport.ICEConfigFromURLs(cfg.Node.STUNServers), logger.With("component", "webrtc"))
		return network, network, nil

	default:
		return nil, nil, fmt.Errorf("unknown network %q", cfg.Node.Network)
	}
}

func (n *node) openPool(cfg *config.Config, logger *slog.Logger) error {
	switch cfg.Pool.Backend {
	case "memory":
		n.pool = artifactpool.NewMemory(artifactpool.Options{})
	case "badger":
		store, err := artifactpool.OpenBadger(artifactpool.BadgerOptions{
			DataDir: cfg.Pool.DataDir,
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("opening pool at %s: %w", cfg.Pool.DataDir, err)
		}
		n.pool = store
		n.poolGC = func(ctx context.Context) error {
			return collectGarbage(ctx, store, badgerGCInterval, logger)
		}
	default:
		return fmt.Errorf("unknown pool backend %q", cfg.Pool.Backend)
	}
	n.onClose(n.pool.Close)
	return nil
}

// collectGarbage runs value log GC on store every interval until ctx
// ends. A failed pass is logged and retried at the next interval.
func collectGarbage(ctx context.Context, store *artifactpool.Badger, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := store.RunGC(badgerGCDiscardRatio); err != nil {
			logger.Warn("pool value log gc failed", "error", err)
		}
	}
}

func (n *node) membershipSource(cfg *config.Config, logger *slog.Logger) (peerset.Source, error) {
	switch cfg.Membership.Source {
	case "static":
		peers, err := staticPeers(cfg.Membership.Peers)
		if err != nil {
			return nil, err
		}
		return peerset.NewStaticSource(peers)

	case "nats":
		conn, err := n.connectNATS(cfg.Membership.NATSURL, cfg.Node.ID)
		if err != nil {
			return nil, err
		}
		source, err := peerset.NewNATSSource(conn, cfg.Membership.NATSSubject, logger.With("component", "membership"))
		if err != nil {
			return nil, err
		}
		n.onClose(source.Close)
		return source, nil

	default:
		return nil, fmt.Errorf("unknown membership source %q", cfg.Membership.Source)
	}
}

// staticPeers converts configured peers to transport identities.
func staticPeers(configured []config.PeerConfig) ([]transport.PeerInfo, error) {
	peers := make([]transport.PeerInfo, 0, len(configured))
	for _, peer := range configured {
		publicKey, err := config.ParsePeerKey(peer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", peer.ID, err)
		}
		peers = append(peers, transport.PeerInfo{
			ID:        transport.PeerID(peer.ID),
			Address:   peer.Address,
			PublicKey: publicKey,
		})
	}
	return peers, nil
}

// connectNATS returns the connection to url, dialing it on first use.
// Signaling and membership share a connection when they name the same
// server.
func (n *node) connectNATS(url, nodeID string) (*nats.Conn, error) {
	if conn, ok := n.nats[url]; ok {
		return conn, nil
	}
	conn, err := nats.Connect(url,
		nats.Name("artifactp2p-node "+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	n.nats[url] = conn
	n.onClose(func() error {
		if err := conn.Drain(); err != nil {
			conn.Close()
		}
		return nil
	})
	return conn, nil
}
