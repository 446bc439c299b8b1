// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gossip spreads artifacts across the peer set by advert and
// pull.
//
// When the local pool gains an artifact, the [Engine] pushes its
// identifier to every peer on the advert endpoint of its kind, once
// per peer. A peer receiving an advert for something it lacks pulls
// the payload over rpc from one advertiser, the one with the fewest
// pulls in flight (ties go to the lower peer ID), re-derives the
// identifier from the payload, and stores the payload only if the two
// match. A payload that does not match is a protocol violation
// reported to the [Reputation] hook.
//
// A failed attempt (timeout, not found, mismatch, rejection by the
// pool) moves on to an advertiser not tried yet. After MaxPullAttempts
// distinct advertisers, or when none is left, the round is abandoned
// and retried from the same advertisers after an exponential backoff.
// A fresh advert starts the waiting retry at once. Peers that served a
// forged payload are left out of later rounds.
//
// Adverts are fire and forget, so the engine re-advertises the whole
// pool to a peer whose connection was re-established, and forgets that
// a peer was told about an artifact it then failed to fetch from us.
//
// Memory per peer is bounded: the set of adverts sent to a peer is an
// LRU cache of SentCacheSize entries, and one peer can have at most
// MaxTrackedPerPeer artifacts tracked at a time. Ingress messages past
// their expiry are neither advertised nor pulled, and pulls for them
// are cancelled once they expire.
//
// Garbage collection follows the pool: when the pool purges heights up
// to a watermark, pulls for artifacts at or below it are cancelled,
// queued adverts for them are discarded from the transport, and they
// are neither advertised nor served again.
//
// Wire formats: advert and pull request payloads are
// [artifact.MarshalID] encodings; a pull response is a CBOR map with a
// found flag and the payload.
package gossip
