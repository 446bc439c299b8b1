// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gossip

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/bureau-foundation/artifactp2p/artifactpool"
	"github.com/bureau-foundation/artifactp2p/lib/artifact"
	"github.com/bureau-foundation/artifactp2p/transport"
)

// Reasons a pull attempt failed, used as metric labels.
const (
	failedTimeout   = "timeout"
	failedNotFound  = "not_found"
	failedMismatch  = "identifier_mismatch"
	failedMalformed = "malformed_response"
	failedRejected  = "pool_rejected"
	failedPool      = "pool_error"
	failedTransport = "transport"
)

var errMalformedResponse = errors.New("malformed pull response")

// pullResult reports one finished pull attempt to the event loop.
type pullResult struct {
	id      artifact.ID
	peer    *peerState
	attempt uint64

	// err is nil when the payload validated and is in the pool.
	err error
}

// pullHandler serves payloads of kind from the pool. An artifact the
// pool does not hold, or that is at or below the watermark, is
// answered with an explicit not-found.
func (e *Engine) pullHandler(kind artifact.Kind) transport.Handler {
	return transport.HandlerFunc(func(ctx context.Context, peer transport.PeerID, payload []byte) ([]byte, error) {
		id, err := decodeID(kind, payload)
		if err != nil {
			e.violation(peer, "malformed_pull_request", err)
			return nil, fmt.Errorf("malformed pull request: %w", err)
		}
		if e.watermark.expired(id) {
			return encodePullResponse(pullResponse{})
		}
		data, err := e.pool.Get(ctx, id)
		if errors.Is(err, artifactpool.ErrNotFound) {
			e.logger.Debug("pull for artifact not in pool", "artifact", id.String(), "peer", peer)
			e.unsent(ctx, peer, id)
			return encodePullResponse(pullResponse{})
		}
		if err != nil {
			e.unsent(ctx, peer, id)
			return nil, fmt.Errorf("reading %s from pool: %w", id, err)
		}
		return encodePullResponse(pullResponse{Found: true, Payload: data})
	})
}

// unsent forgets that id was advertised to peer after failing to serve
// it, so a later advert from the pool reaches peer again.
func (e *Engine) unsent(ctx context.Context, peer transport.PeerID, id artifact.ID) {
	if !e.running.Load() {
		return
	}
	e.do(ctx, func(context.Context) {
		if state, ok := e.peers[peer]; ok {
			state.sent.Remove(id)
		}
	})
}

// next starts the next pull attempt for track, or abandons it when the
// attempts are used up or no untried advertiser is left.
func (e *Engine) next(ctx context.Context, track *trackState) {
	if len(track.tried) >= e.maxAttempts {
		e.abandon(track, "attempts exhausted")
		return
	}
	var candidates []*peerState
	for id := range track.advertisers {
		if _, tried := track.tried[id]; tried {
			continue
		}
		if state, ok := e.peers[id]; ok {
			candidates = append(candidates, state)
		}
	}
	if len(candidates) == 0 {
		e.abandon(track, "no untried advertiser")
		return
	}

	chosen := leastLoaded(candidates)
	e.attempt++
	pullCtx, cancel := context.WithCancel(ctx)
	track.peer = chosen.id
	track.attempt = e.attempt
	track.cancel = cancel
	track.tried[chosen.id] = struct{}{}
	chosen.inflight++

	e.metrics.PullsIssued.WithLabelValues(track.id.Kind().String()).Inc()
	e.metrics.PullsInFlight.Inc()
	e.logger.Debug("pulling artifact", "artifact", track.id.String(), "peer", chosen.id, "attempt", len(track.tried))

	e.pulls.Add(1)
	go e.pull(pullCtx, track.id, chosen, e.attempt)
}

// leastLoaded picks the candidate with the fewest pulls in flight,
// breaking ties by peer ID.
func leastLoaded(candidates []*peerState) *peerState {
	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if order := cmp.Compare(candidate.inflight, best.inflight); order < 0 || (order == 0 && candidate.id < best.id) {
			best = candidate
		}
	}
	return best
}

func (e *Engine) pull(ctx context.Context, id artifact.ID, state *peerState, attempt uint64) {
	defer e.pulls.Done()
	err := e.fetch(ctx, id, state.id)
	e.metrics.PullsInFlight.Dec()

	select {
	case e.results <- pullResult{id: id, peer: state, attempt: attempt, err: err}:
	case <-e.stopped:
	}
}

// fetch pulls id from peer, checks the payload identifies as id and
// stores it in the pool.
func (e *Engine) fetch(ctx context.Context, id artifact.ID, peer transport.PeerID) error {
	request, err := artifact.MarshalID(id)
	if err != nil {
		return fmt.Errorf("encoding pull request: %w", err)
	}
	data, err := e.transport.RPC(ctx, peer, PullEndpoint(id.Kind()), request, e.pullTimeout)
	if err != nil {
		return err
	}
	response, err := decodePullResponse(data)
	if err != nil {
		return fmt.Errorf("%w: %w", errMalformedResponse, err)
	}
	if !response.Found {
		return ErrNotFound
	}

	got, _, err := artifact.Identify(response.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIdentifierMismatch, err)
	}
	if !artifact.Equal(got, id) {
		return fmt.Errorf("%w: payload identifies as %s", ErrIdentifierMismatch, got)
	}
	return e.pool.Put(ctx, id, response.Payload)
}

// pullFinished applies the result of a pull attempt. Results of
// attempts that were cancelled or superseded only release the peer's
// load.
func (e *Engine) pullFinished(ctx context.Context, result pullResult) {
	result.peer.inflight--

	track, ok := e.tracked[result.id]
	if !ok || track.attempt != result.attempt {
		return
	}
	track.cancel()
	kind := result.id.Kind().String()

	if result.err == nil {
		e.finish(track)
		e.metrics.PullsSucceeded.WithLabelValues(kind).Inc()
		e.logger.Debug("artifact pulled", "artifact", result.id.String(), "peer", result.peer.id)
		return
	}

	reason := failureReason(result.err)
	e.metrics.PullsFailed.WithLabelValues(reason).Inc()
	switch reason {
	case failedTimeout:
		e.metrics.PullsTimedOut.WithLabelValues(kind).Inc()
	case failedMismatch, failedMalformed:
		e.violation(result.peer.id, reason, result.err)
		// A peer that served a forged payload is not asked again, now
		// or in a retry round.
		delete(track.advertisers, result.peer.id)
		delete(result.peer.advertised, result.id)
	}
	e.logger.Debug("pull failed", "artifact", result.id.String(), "peer", result.peer.id, "reason", reason, "error", result.err)
	e.next(ctx, track)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, transport.ErrRPCTimeout):
		return failedTimeout
	case errors.Is(err, ErrNotFound):
		return failedNotFound
	case errors.Is(err, ErrIdentifierMismatch):
		return failedMismatch
	case errors.Is(err, errMalformedResponse):
		return failedMalformed
	case errors.Is(err, artifactpool.ErrRejected):
		return failedRejected
	case errors.Is(err, artifactpool.ErrClosed):
		return failedPool
	default:
		return failedTransport
	}
}

// finish stops tracking a validated artifact. Every advertiser holds
// it, so none of them is sent our advert.
func (e *Engine) finish(track *trackState) {
	e.untrack(track, func(state *peerState) {
		state.sent.Add(track.id, struct{}{})
	})
	e.finished.Add(track.id, struct{}{})
}

// abandon stops tracking an artifact no advertiser delivered and
// schedules another round of pulls from the same advertisers after an
// exponential backoff. Adverts lost in flight are not sent again, so
// without the retry an artifact could stay missing for good.
func (e *Engine) abandon(track *trackState, reason string) {
	advertisers := make(map[transport.PeerID]struct{}, len(track.advertisers))
	e.untrack(track, func(state *peerState) {
		advertisers[state.id] = struct{}{}
	})
	e.metrics.PullsAbandoned.WithLabelValues(track.id.Kind().String()).Inc()

	if len(advertisers) == 0 {
		e.logger.Info("artifact abandoned until advertised again",
			"artifact", track.id.String(), "reason", reason, "attempts", len(track.tried))
		return
	}
	retry := track.retry
	if retry == nil {
		retry = &retryState{backoff: backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(e.retryInitial),
			backoff.WithMaxInterval(e.retryMax),
			backoff.WithMaxElapsedTime(0),
			backoff.WithClockProvider(e.clock),
		)}
	}
	retry.advertisers = advertisers
	wait := retry.backoff.NextBackOff()
	retry.due = e.clock.Now().Add(wait)
	e.retries.Add(track.id, retry)
	e.logger.Info("pull abandoned, retrying later",
		"artifact", track.id.String(), "reason", reason, "attempts", len(track.tried), "retry_in", wait)
}

// retry starts another round of pulls for an abandoned artifact.
func (e *Engine) retry(ctx context.Context, id artifact.ID, retry *retryState) {
	if _, ok := e.tracked[id]; ok || e.stale(id, e.clock.Now()) {
		return
	}
	present, err := e.pool.Contains(ctx, id)
	if err != nil {
		retry.due = e.clock.Now().Add(retry.backoff.NextBackOff())
		e.retries.Add(id, retry)
		return
	}
	if present {
		return
	}
	track := &trackState{
		id:          id,
		advertisers: make(map[transport.PeerID]struct{}),
		tried:       make(map[transport.PeerID]struct{}),
		retry:       retry,
	}
	for peer := range retry.advertisers {
		if state, ok := e.peers[peer]; ok && e.admit(state) {
			track.advertisers[peer] = struct{}{}
			state.advertised[id] = struct{}{}
		}
	}
	if len(track.advertisers) == 0 {
		return
	}
	e.tracked[id] = track
	e.metrics.PullsRetried.WithLabelValues(id.Kind().String()).Inc()
	e.logger.Debug("retrying abandoned pull", "artifact", id.String(), "advertisers", len(track.advertisers))
	e.next(ctx, track)
}

// untrack forgets track, calling each for every advertiser still a
// member.
func (e *Engine) untrack(track *trackState, each func(state *peerState)) {
	delete(e.tracked, track.id)
	for id := range track.advertisers {
		if state, ok := e.peers[id]; ok {
			delete(state.advertised, track.id)
			each(state)
		}
	}
}
