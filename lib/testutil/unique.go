// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"crypto/ed25519"
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer, for peer IDs and artifact bodies
// that must not collide across subtests.
//
//	body := testutil.UniqueID("block") // "block-1", "block-2", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}

// Ed25519Key returns a deterministic key pair derived from seed, so a
// test that builds a multi-node subnet gets stable identities without
// reading randomness.
func Ed25519Key(seed string) (ed25519.PublicKey, ed25519.PrivateKey) {
	var material [ed25519.SeedSize]byte
	copy(material[:], seed)
	privateKey := ed25519.NewKeyFromSeed(material[:])
	return privateKey.Public().(ed25519.PublicKey), privateKey
}
