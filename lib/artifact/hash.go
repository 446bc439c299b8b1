// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest. Every hash-carrying identifier
// variant stores one.
type Hash [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Each artifact
// sub-kind hashes under its own key, so a finalization and a
// notarization with byte-identical envelopes still get different
// identifiers.
type domainKey [32]byte

// newDomainKey builds a key from an ASCII name, zero-padded to 32
// bytes. Readable names keep keys recognizable in hex dumps.
func newDomainKey(name string) domainKey {
	if len(name) > len(domainKey{}) {
		panic(fmt.Sprintf("artifact: domain name %q exceeds 32 bytes", name))
	}
	var key domainKey
	copy(key[:], name)
	return key
}

// Domain keys. Changing any of these changes every identifier in that
// domain and splits the subnet, so they are protocol constants.
var (
	randomBeaconDomain        = newDomainKey("p2p.random-beacon")
	finalizationDomain        = newDomainKey("p2p.finalization")
	notarizationDomain        = newDomainKey("p2p.notarization")
	blockProposalDomain       = newDomainKey("p2p.block-proposal")
	randomBeaconShareDomain   = newDomainKey("p2p.random-beacon-share")
	notarizationShareDomain   = newDomainKey("p2p.notarization-share")
	finalizationShareDomain   = newDomainKey("p2p.finalization-share")
	randomTapeDomain          = newDomainKey("p2p.random-tape")
	randomTapeShareDomain     = newDomainKey("p2p.random-tape-share")
	catchUpPackageDomain      = newDomainKey("p2p.catch-up-package")
	catchUpPackageShareDomain = newDomainKey("p2p.catch-up-package-share")

	certificationDomain      = newDomainKey("p2p.certification")
	certificationShareDomain = newDomainKey("p2p.certification-share")

	signedDealingDomain  = newDomainKey("p2p.ecdsa.signed-dealing")
	dealingSupportDomain = newDomainKey("p2p.ecdsa.dealing-support")
	signatureShareDomain = newDomainKey("p2p.ecdsa.signature-share")
	complaintDomain      = newDomainKey("p2p.ecdsa.complaint")
	openingDomain        = newDomainKey("p2p.ecdsa.opening")

	ingressDomain      = newDomainKey("p2p.ingress")
	dkgDomain          = newDomainKey("p2p.dkg")
	canisterHTTPDomain = newDomainKey("p2p.canister-http-response")
	stateSyncDomain    = newDomainKey("p2p.state-sync")
)

// keyedHash computes the BLAKE3 keyed hash of data under key.
func keyedHash(key domainKey, data []byte) Hash {
	// NewKeyed only fails for a key that is not 32 bytes, which
	// domainKey rules out.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("artifact: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// String returns the first 8 bytes in hex, enough to tell artifacts
// apart in logs.
func (hash Hash) String() string {
	return hex.EncodeToString(hash[:8])
}

// FormatHash returns the full hex encoding of hash.
func FormatHash(hash Hash) string {
	return hex.EncodeToString(hash[:])
}

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing artifact hash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("artifact hash is %d bytes, want %d", len(decoded), len(hash))
	}
	copy(hash[:], decoded)
	return hash, nil
}

// hashFromBytes converts a decoded byte string into a Hash, rejecting
// any other length.
func hashFromBytes(field string, data []byte) (Hash, error) {
	var hash Hash
	if len(data) != len(hash) {
		return hash, fmt.Errorf("%s is %d bytes, want %d", field, len(data), len(hash))
	}
	copy(hash[:], data)
	return hash, nil
}
