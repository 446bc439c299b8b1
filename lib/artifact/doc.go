// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifact defines how disseminated artifacts are named.
//
// An artifact is any consensus-relevant object that moves between the
// nodes of a subnet: block proposals, notarizations and their shares,
// random beacons, DKG and threshold-ECDSA messages, canister HTTP
// outcall responses, certifications, state-sync checkpoints and
// ingress messages. Each has two descriptions:
//
//   - ID, the unique primary key. It is a sealed sum type with one
//     comparable struct per artifact family, so IDs are used directly
//     as map keys and compared with ==. Adverts and pull requests
//     carry IDs encoded by MarshalID.
//
//   - Attribute, cheap non-unique metadata (height, rank, transcript)
//     used for prioritization. Many artifacts may share an attribute.
//
// # Identity derivation
//
// The only payload layout this package relies on is Envelope: a
// deterministic CBOR map holding the identifying fields of the
// artifact plus an opaque Body. Seal encodes an envelope and derives
// its ID; Identify repeats the derivation on received bytes so that a
// pulled payload can be checked against the ID that was requested.
//
// Digests are BLAKE3 in keyed mode. Every sub-kind hashes under its
// own 32-byte domain key (an ASCII name, zero-padded), so the same
// bytes submitted as a notarization and as a finalization produce
// different identifiers.
//
// # Garbage collection
//
// Consensus, certification and state-sync IDs carry a Height.
// HeightOf and Expired let the pool and the gossip engine drop
// everything at or below the finalized watermark without decoding
// payloads. The remaining kinds expire by other means (ingress expiry
// time, pool capacity) and are never purged by height.
package artifact
