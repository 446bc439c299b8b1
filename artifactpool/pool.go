// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package artifactpool

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/artifactp2p/lib/artifact"
)

var (
	// ErrNotFound is returned by Get for an ID the pool does not hold.
	ErrNotFound = errors.New("artifact not in pool")

	// ErrRejected is returned by Put when the payload does not
	// identify as the given ID, is below the purge height, or fails
	// the pool's Validator. The reason is wrapped alongside it.
	ErrRejected = errors.New("artifact rejected")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("artifact pool closed")
)

// Pool is the local artifact store the gossip engine reads from and
// writes to. Every method is a single atomic operation; callers hold
// no locks across calls, and locally produced artifacts may be Put
// concurrently with gossip.
type Pool interface {
	// Get returns the payload stored under id, or ErrNotFound.
	Get(ctx context.Context, id artifact.ID) ([]byte, error)

	// Contains reports whether id is stored.
	Contains(ctx context.Context, id artifact.ID) (bool, error)

	// Put stores payload under id. The pool holds at most one payload
	// per ID: putting an ID that is already present is a no-op and
	// does not notify subscribers.
	Put(ctx context.Context, id artifact.ID, payload []byte) error

	// PurgeBelow removes every height-bearing artifact whose height is
	// below height and rejects later Puts of such artifacts. It
	// returns the number removed. Heights only move up; a lower height
	// than a previous call is a no-op.
	PurgeBelow(ctx context.Context, height artifact.Height) (int, error)

	// PurgeHeight returns the highest height PurgeBelow was called
	// with, zero if it never was. A reopened persistent pool reports
	// the height from before the restart.
	PurgeHeight() artifact.Height

	// IDs lists every stored ID in no particular order.
	IDs(ctx context.Context) ([]artifact.ID, error)

	// Subscribe returns a subscription receiving events for changes
	// made after the call.
	Subscribe() *Subscription

	Close() error
}

// Validator is consulted by Put after the payload's identity has been
// checked. A non-nil error rejects the artifact; the error is wrapped
// with ErrRejected.
type Validator func(artifact.Artifact) error

// Options configures a pool.
type Options struct {
	// Validator, if set, decides which identified artifacts may enter
	// the pool.
	Validator Validator

	// SubscriptionCapacity bounds each subscriber's event buffer. When
	// a subscriber falls behind, its oldest events are dropped.
	// Defaults to 4096.
	SubscriptionCapacity int
}

const defaultSubscriptionCapacity = 4096

func (options Options) withDefaults() Options {
	if options.SubscriptionCapacity <= 0 {
		options.SubscriptionCapacity = defaultSubscriptionCapacity
	}
	return options
}

// admit checks payload against id, the purge height and the
// validator, and returns the artifact to store.
func admit(id artifact.ID, payload []byte, below artifact.Height, validator Validator) (artifact.Artifact, error) {
	if height, ok := artifact.HeightOf(id); ok && height < below {
		return artifact.Artifact{}, fmt.Errorf("%w: %s is below purge height %d", ErrRejected, id, below)
	}
	derived, attribute, err := artifact.Identify(payload)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if !artifact.Equal(derived, id) {
		return artifact.Artifact{}, fmt.Errorf("%w: payload identifies as %s, not %s", ErrRejected, derived, id)
	}
	candidate := artifact.Artifact{ID: id, Attribute: attribute, Payload: payload}
	if validator != nil {
		if err := validator(candidate); err != nil {
			return artifact.Artifact{}, fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}
	return candidate, nil
}
