// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peerset

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/bureau-foundation/artifactp2p/lib/codec"
	"github.com/bureau-foundation/artifactp2p/transport"
)

// ErrNoMembership is returned by a Source that has not learned the
// membership yet. Run treats it as "nothing to apply".
var ErrNoMembership = errors.New("no membership received yet")

// Source supplies the current subnet membership.
type Source interface {
	Poll(ctx context.Context) (map[transport.PeerID]transport.PeerInfo, error)
}

// Compile-time interface checks.
var (
	_ Source = (*StaticSource)(nil)
	_ Source = (*NATSSource)(nil)
)

// StaticSource always returns the same membership.
type StaticSource struct {
	peers map[transport.PeerID]transport.PeerInfo
}

// NewStaticSource validates peers and builds a source returning them.
func NewStaticSource(peers []transport.PeerInfo) (*StaticSource, error) {
	set := make(map[transport.PeerID]transport.PeerInfo, len(peers))
	for _, info := range peers {
		if err := validatePeer(info); err != nil {
			return nil, err
		}
		if _, duplicate := set[info.ID]; duplicate {
			return nil, fmt.Errorf("duplicate peer %s", info.ID)
		}
		set[info.ID] = info
	}
	return &StaticSource{peers: set}, nil
}

func (s *StaticSource) Poll(context.Context) (map[transport.PeerID]transport.PeerInfo, error) {
	set := make(map[transport.PeerID]transport.PeerInfo, len(s.peers))
	for id, info := range s.peers {
		set[id] = info
	}
	return set, nil
}

func validatePeer(info transport.PeerInfo) error {
	if info.ID == "" {
		return errors.New("peer ID is required")
	}
	if info.Address == "" {
		return fmt.Errorf("peer %s: address is required", info.ID)
	}
	if len(info.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("peer %s: public key must be %d bytes, got %d", info.ID, ed25519.PublicKeySize, len(info.PublicKey))
	}
	return nil
}

// Snapshot is a complete membership as published on NATS. Version
// orders snapshots; a publisher increments it with every change.
type Snapshot struct {
	Version uint64         `cbor:"v" json:"version"`
	Peers   []SnapshotPeer `cbor:"p" json:"peers"`
}

// SnapshotPeer is one member of a Snapshot.
type SnapshotPeer struct {
	ID        string `cbor:"i" json:"id"`
	Address   string `cbor:"a" json:"address"`
	PublicKey []byte `cbor:"k" json:"public_key"`
}

// PeerSet converts the snapshot into a membership, rejecting invalid
// or duplicate entries.
func (snapshot Snapshot) PeerSet() (map[transport.PeerID]transport.PeerInfo, error) {
	set := make(map[transport.PeerID]transport.PeerInfo, len(snapshot.Peers))
	for _, peer := range snapshot.Peers {
		info := transport.PeerInfo{
			ID:        transport.PeerID(peer.ID),
			Address:   peer.Address,
			PublicKey: ed25519.PublicKey(peer.PublicKey),
		}
		if err := validatePeer(info); err != nil {
			return nil, err
		}
		if _, duplicate := set[info.ID]; duplicate {
			return nil, fmt.Errorf("duplicate peer %s", info.ID)
		}
		set[info.ID] = info
	}
	return set, nil
}

// EncodeSnapshot encodes snapshot as CBOR, the form NATSSource
// expects from publishers.
func EncodeSnapshot(snapshot Snapshot) ([]byte, error) {
	return codec.Marshal(snapshot)
}

// DecodeSnapshot decodes a CBOR or JSON snapshot. JSON is recognized
// by its leading '{' and exists for hand-operated publishers
// (nats pub).
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snapshot Snapshot
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &snapshot); err != nil {
			return Snapshot{}, fmt.Errorf("decoding JSON membership snapshot: %w", err)
		}
		return snapshot, nil
	}
	if err := codec.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decoding CBOR membership snapshot: %w", err)
	}
	return snapshot, nil
}

// NATSSource follows membership snapshots published on a NATS subject
// and returns the newest valid one from Poll. Snapshots with a version
// at or below the current one are ignored, so redelivery or reordering
// never rolls membership back.
type NATSSource struct {
	subscription *nats.Subscription
	logger       *slog.Logger

	mu      sync.Mutex
	version uint64
	latest  map[transport.PeerID]transport.PeerInfo
}

// NewNATSSource subscribes to subject on conn.
func NewNATSSource(conn *nats.Conn, subject string, logger *slog.Logger) (*NATSSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	source := &NATSSource{logger: logger}
	subscription, err := conn.Subscribe(subject, source.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	source.subscription = subscription
	return source, nil
}

// Close unsubscribes.
func (s *NATSSource) Close() error {
	if s.subscription == nil {
		return nil
	}
	return s.subscription.Unsubscribe()
}

func (s *NATSSource) Poll(context.Context) (map[transport.PeerID]transport.PeerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil, ErrNoMembership
	}
	set := make(map[transport.PeerID]transport.PeerInfo, len(s.latest))
	for id, info := range s.latest {
		set[id] = info
	}
	return set, nil
}

func (s *NATSSource) receive(message *nats.Msg) {
	snapshot, err := DecodeSnapshot(message.Data)
	if err != nil {
		s.logger.Warn("ignoring membership snapshot", "subject", message.Subject, "error", err)
		return
	}
	set, err := snapshot.PeerSet()
	if err != nil {
		s.logger.Warn("ignoring invalid membership snapshot", "version", snapshot.Version, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest != nil && snapshot.Version <= s.version {
		s.logger.Debug("ignoring stale membership snapshot", "version", snapshot.Version, "current", s.version)
		return
	}
	s.version = snapshot.Version
	s.latest = set
	s.logger.Info("membership snapshot received", "version", snapshot.Version, "peers", len(set))
}
