// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gossip

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/artifactp2p/lib/artifact"
	"github.com/bureau-foundation/artifactp2p/transport"
)

// Reasons a received advert started no pull, used as metric labels.
const (
	ignoredExpired     = "expired"
	ignoredUnknownPeer = "unknown_peer"
	ignoredInFlight    = "in_flight"
	ignoredFinished    = "finished"
	ignoredInPool      = "in_pool"
	ignoredPoolError   = "pool_error"
	ignoredOverLimit   = "peer_over_limit"
)

// advertise pushes the advert for id to each of peers that neither
// had it yet nor advertised it to us.
func (e *Engine) advertise(id artifact.ID, peers []*peerState) {
	if e.stale(id, e.clock.Now()) {
		return
	}
	var payload []byte
	for _, state := range peers {
		if state.sent.Contains(id) {
			continue
		}
		if _, holds := state.advertised[id]; holds {
			continue
		}
		if payload == nil {
			var err error
			payload, err = artifact.MarshalID(id)
			if err != nil {
				e.logger.Error("encoding advert", "artifact", id.String(), "error", err)
				return
			}
		}
		state.sent.Add(id, struct{}{})
		e.transport.Push(state.id, AdvertEndpoint(id.Kind()), payload)
		e.metrics.AdvertsSent.WithLabelValues(id.Kind().String()).Inc()
	}
}

// advertisePool advertises every artifact in the pool to peers.
func (e *Engine) advertisePool(ctx context.Context, peers []*peerState) {
	if len(peers) == 0 {
		return
	}
	ids, err := e.pool.IDs(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("listing pool for adverts failed", "error", err)
		}
		return
	}
	for _, id := range ids {
		e.advertise(id, peers)
	}
}

// advertHandler receives adverts for kind and hands them to the event
// loop.
func (e *Engine) advertHandler(kind artifact.Kind) transport.Handler {
	return transport.HandlerFunc(func(ctx context.Context, peer transport.PeerID, payload []byte) ([]byte, error) {
		id, err := decodeID(kind, payload)
		if err != nil {
			e.violation(peer, "malformed_advert", err)
			return nil, fmt.Errorf("malformed advert: %w", err)
		}
		e.metrics.AdvertsReceived.WithLabelValues(kind.String()).Inc()
		select {
		case e.adverts <- receivedAdvert{peer: peer, id: id}:
			return nil, nil
		case <-e.stopped:
			return nil, ErrNotRunning
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// receiveAdvert records that peer holds id and starts a pull unless
// the artifact is already here, already being pulled, or no longer
// wanted. Nothing is remembered about the sender until the advert
// passes those checks, and a peer can keep at most MaxTrackedPerPeer
// artifacts tracked.
func (e *Engine) receiveAdvert(ctx context.Context, advert receivedAdvert) {
	id := advert.id
	state, ok := e.peers[advert.peer]
	if !ok {
		e.ignore(advert, ignoredUnknownPeer)
		return
	}
	if e.stale(id, e.clock.Now()) {
		e.ignore(advert, ignoredExpired)
		return
	}

	if track, ok := e.tracked[id]; ok {
		if _, known := track.advertisers[advert.peer]; !known {
			if !e.admit(state) {
				e.ignore(advert, ignoredOverLimit)
				return
			}
			track.advertisers[advert.peer] = struct{}{}
			state.advertised[id] = struct{}{}
		}
		e.ignore(advert, ignoredInFlight)
		return
	}

	if e.finished.Contains(id) {
		// The peer has it, so it never needs our advert.
		state.sent.Add(id, struct{}{})
		e.ignore(advert, ignoredFinished)
		return
	}

	present, err := e.pool.Contains(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("checking pool for advertised artifact", "artifact", id.String(), "error", err)
		}
		e.ignore(advert, ignoredPoolError)
		return
	}
	if present {
		state.sent.Add(id, struct{}{})
		e.ignore(advert, ignoredInPool)
		return
	}

	if !e.admit(state) {
		e.ignore(advert, ignoredOverLimit)
		return
	}
	track := &trackState{
		id:          id,
		advertisers: map[transport.PeerID]struct{}{advert.peer: {}},
		tried:       make(map[transport.PeerID]struct{}),
	}
	// A fresh advert starts a waiting retry now, keeping its backoff
	// and the peers that advertised it before.
	if retry, ok := e.retries.Peek(id); ok {
		e.retries.Remove(id)
		track.retry = retry
		for peer := range retry.advertisers {
			if other, ok := e.peers[peer]; ok && e.admit(other) {
				track.advertisers[peer] = struct{}{}
				other.advertised[id] = struct{}{}
			}
		}
	}
	state.advertised[id] = struct{}{}
	e.tracked[id] = track
	e.logger.Debug("artifact advertised", "artifact", id.String(), "peer", advert.peer)
	e.next(ctx, track)
}

// admit reports whether state may have one more artifact tracked.
func (e *Engine) admit(state *peerState) bool {
	return len(state.advertised) < e.maxTracked
}

func (e *Engine) ignore(advert receivedAdvert, reason string) {
	e.metrics.AdvertsIgnored.WithLabelValues(reason).Inc()
	e.logger.Debug("advert ignored", "artifact", advert.id.String(), "peer", advert.peer, "reason", reason)
}

// violation records dishonest or malformed input from peer.
func (e *Engine) violation(peer transport.PeerID, reason string, err error) {
	e.metrics.Violations.WithLabelValues(reason).Inc()
	e.logger.Warn("protocol violation", "peer", peer, "reason", reason, "error", err)
	if e.reputation != nil {
		e.reputation.Penalize(peer, reason)
	}
}
