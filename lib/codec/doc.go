// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the shared CBOR configuration for every
// on-the-wire and hashed structure in artifactp2p.
//
// Two properties matter and both live here so no package configures
// CBOR on its own:
//
//   - Determinism. Artifact identifiers are BLAKE3 digests over the
//     encoded artifact envelope, and adverts carry encoded identifiers
//     that peers compare by key. The encoder uses Core Deterministic
//     Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
//     encoding, no indefinite-length items.
//   - Hostile input. Transport frames, adverts and pull responses come
//     from peers that may be malicious. The decoder rejects duplicate
//     map keys and bounds nesting depth and container sizes.
//
// For buffer-oriented operations (frames, identifiers, envelopes):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// # Struct Tag Rules
//
// Wire types use `cbor` tags with short keys (a frame is sent for
// every advert, so field names are paid for on every message). Types
// that also appear in YAML config or JSON membership snapshots use
// `json` tags; fxamacker/cbor reads `json` tags when `cbor` tags are
// absent. Never put both tags on one field.
package codec
