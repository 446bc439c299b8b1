// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"fmt"
	"time"
)

// ID is the primary key of a disseminated artifact. Exactly one of the
// variant types below implements it; the set is closed by the
// unexported marker method.
//
// Every variant is a comparable struct, so ID values can be compared
// with == and used directly as map keys. Two artifacts with equal IDs
// are assumed to carry byte-identical payloads.
type ID interface {
	// Kind returns the artifact family of the identifier.
	Kind() Kind
	String() string
	isID()
}

// ConsensusHash is the digest of a consensus message together with the
// sub-kind it was hashed under.
type ConsensusHash struct {
	SubKind ConsensusSubKind
	Digest  Hash
}

// ConsensusID identifies a consensus message. Height duplicates
// information covered by the hash so that height-based pruning needs
// no lookup.
type ConsensusID struct {
	Hash   ConsensusHash
	Height Height
}

// IngressID identifies a user-submitted message. Expiry is the Unix
// time in nanoseconds after which the message no longer needs to be
// referenced.
type IngressID struct {
	Expiry    uint64
	MessageID Hash
}

// CertificationHash is the digest of a certification or certification
// share.
type CertificationHash struct {
	SubKind CertificationSubKind
	Digest  Hash
}

// CertificationID identifies a state certification message.
type CertificationID struct {
	Hash   CertificationHash
	Height Height
}

// CanisterHTTPID identifies a canister HTTP outcall response by the
// digest of the full response.
type CanisterHTTPID struct {
	Hash Hash
}

// DkgID identifies a distributed key generation message.
type DkgID struct {
	Hash Hash
}

// EcdsaHash is the digest of a threshold-ECDSA message together with
// its sub-kind.
type EcdsaHash struct {
	SubKind EcdsaSubKind
	Digest  Hash
}

// EcdsaID identifies a threshold-ECDSA message.
type EcdsaID struct {
	Hash EcdsaHash
}

// FileTreeSyncID identifies a file tree sync chunk by path.
type FileTreeSyncID struct {
	Path string
}

// StateSyncID identifies a state-sync checkpoint by height and root
// hash.
type StateSyncID struct {
	Height Height
	Hash   Hash
}

func (ConsensusID) Kind() Kind     { return KindConsensus }
func (IngressID) Kind() Kind       { return KindIngress }
func (CertificationID) Kind() Kind { return KindCertification }
func (CanisterHTTPID) Kind() Kind  { return KindCanisterHTTP }
func (DkgID) Kind() Kind           { return KindDkg }
func (EcdsaID) Kind() Kind         { return KindEcdsa }
func (FileTreeSyncID) Kind() Kind  { return KindFileTreeSync }
func (StateSyncID) Kind() Kind     { return KindStateSync }

func (ConsensusID) isID()     {}
func (IngressID) isID()       {}
func (CertificationID) isID() {}
func (CanisterHTTPID) isID()  {}
func (DkgID) isID()           {}
func (EcdsaID) isID()         {}
func (FileTreeSyncID) isID()  {}
func (StateSyncID) isID()     {}

func (id ConsensusID) String() string {
	return fmt.Sprintf("consensus/%s@%d:%s", id.Hash.SubKind, id.Height, id.Hash.Digest)
}

func (id IngressID) String() string {
	return fmt.Sprintf("ingress/%s(expiry=%d)", id.MessageID, id.Expiry)
}

func (id CertificationID) String() string {
	return fmt.Sprintf("certification/%s@%d:%s", id.Hash.SubKind, id.Height, id.Hash.Digest)
}

func (id CanisterHTTPID) String() string { return "canister-http/" + id.Hash.String() }

func (id DkgID) String() string { return "dkg/" + id.Hash.String() }

func (id EcdsaID) String() string {
	return fmt.Sprintf("ecdsa/%s:%s", id.Hash.SubKind, id.Hash.Digest)
}

func (id FileTreeSyncID) String() string { return "file-tree-sync/" + id.Path }

func (id StateSyncID) String() string {
	return fmt.Sprintf("state-sync@%d:%s", id.Height, id.Hash)
}

// HeightOf returns the height carried by id. The second result is
// false for variants without a height (ingress, canister HTTP, DKG,
// ECDSA, file tree sync), which are never purged by height.
func HeightOf(id ID) (Height, bool) {
	switch id := id.(type) {
	case ConsensusID:
		return id.Height, true
	case CertificationID:
		return id.Height, true
	case StateSyncID:
		return id.Height, true
	case IngressID, CanisterHTTPID, DkgID, EcdsaID, FileTreeSyncID:
		return 0, false
	default:
		panic(fmt.Sprintf("artifact: unhandled ID variant %T", id))
	}
}

// Expired reports whether id is at or below the garbage collection
// watermark.
func Expired(id ID, watermark Height) bool {
	height, ok := HeightOf(id)
	return ok && height <= watermark
}

// PastExpiry reports whether id carries an expiry time that now has
// passed. Only ingress messages expire by time.
func PastExpiry(id ID, now time.Time) bool {
	ingress, ok := id.(IngressID)
	if !ok {
		return false
	}
	nanos := now.UnixNano()
	return nanos > 0 && ingress.Expiry <= uint64(nanos)
}

// Equal reports whether a and b identify the same artifact.
func Equal(a, b ID) bool {
	return a == b
}

// Key returns a canonical string form of id for use in logs, metric
// labels and stores keyed by string. Unlike String it never truncates,
// so equal keys imply equal IDs.
func Key(id ID) string {
	switch id := id.(type) {
	case ConsensusID:
		return fmt.Sprintf("consensus/%d/%d/%s", id.Hash.SubKind, id.Height, FormatHash(id.Hash.Digest))
	case IngressID:
		return fmt.Sprintf("ingress/%d/%s", id.Expiry, FormatHash(id.MessageID))
	case CertificationID:
		return fmt.Sprintf("certification/%d/%d/%s", id.Hash.SubKind, id.Height, FormatHash(id.Hash.Digest))
	case CanisterHTTPID:
		return "canister-http/" + FormatHash(id.Hash)
	case DkgID:
		return "dkg/" + FormatHash(id.Hash)
	case EcdsaID:
		return fmt.Sprintf("ecdsa/%d/%s", id.Hash.SubKind, FormatHash(id.Hash.Digest))
	case FileTreeSyncID:
		return "file-tree-sync/" + id.Path
	case StateSyncID:
		return fmt.Sprintf("state-sync/%d/%s", id.Height, FormatHash(id.Hash))
	default:
		panic(fmt.Sprintf("artifact: unhandled ID variant %T", id))
	}
}
