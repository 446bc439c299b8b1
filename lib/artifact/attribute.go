// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import "fmt"

// Attribute is cheap, non-unique metadata about an artifact used for
// prioritization and pool eviction windows. Many artifacts may share
// an attribute (every block proposal of a given rank and height, for
// example); identity comes from ID alone.
type Attribute interface {
	String() string
	isAttribute()
}

// ConsensusAttribute describes a consensus message. BlockHash is set
// only for Finalization and Notarization; Rank only for BlockProposal.
type ConsensusAttribute struct {
	SubKind   ConsensusSubKind
	Height    Height
	BlockHash Hash
	Rank      uint64
}

// DkgAttribute describes a DKG message.
type DkgAttribute struct {
	Height Height
}

// EcdsaAttribute describes a threshold-ECDSA message. RequestID is set
// for SignatureShare; TranscriptID for every other sub-kind.
type EcdsaAttribute struct {
	SubKind      EcdsaSubKind
	TranscriptID string
	RequestID    string
}

// CanisterHTTPAttribute describes a canister HTTP outcall response.
// Hash is the digest of the full response and lets nodes recognize
// equivalent outcalls without fetching the body.
type CanisterHTTPAttribute struct {
	RegistryVersion uint64
	CallbackID      uint64
	Hash            Hash
}

// UntypedAttribute is the attribute of artifact kinds that carry no
// prioritization metadata.
type UntypedAttribute struct{}

func (ConsensusAttribute) isAttribute()    {}
func (DkgAttribute) isAttribute()          {}
func (EcdsaAttribute) isAttribute()        {}
func (CanisterHTTPAttribute) isAttribute() {}
func (UntypedAttribute) isAttribute()      {}

func (attribute ConsensusAttribute) String() string {
	switch attribute.SubKind {
	case Finalization, Notarization:
		return fmt.Sprintf("%s{height=%d block=%s}", attribute.SubKind, attribute.Height, attribute.BlockHash)
	case BlockProposal:
		return fmt.Sprintf("%s{height=%d rank=%d}", attribute.SubKind, attribute.Height, attribute.Rank)
	default:
		return fmt.Sprintf("%s{height=%d}", attribute.SubKind, attribute.Height)
	}
}

func (attribute DkgAttribute) String() string {
	return fmt.Sprintf("dkg{height=%d}", attribute.Height)
}

func (attribute EcdsaAttribute) String() string {
	if attribute.SubKind == SignatureShare {
		return fmt.Sprintf("%s{request=%s}", attribute.SubKind, attribute.RequestID)
	}
	return fmt.Sprintf("%s{transcript=%s}", attribute.SubKind, attribute.TranscriptID)
}

func (attribute CanisterHTTPAttribute) String() string {
	return fmt.Sprintf("canister-http{registry=%d callback=%d hash=%s}",
		attribute.RegistryVersion, attribute.CallbackID, attribute.Hash)
}

func (UntypedAttribute) String() string { return "untyped" }

// AttributeHeight returns the height of a height-bearing attribute.
func AttributeHeight(attribute Attribute) (Height, bool) {
	switch attribute := attribute.(type) {
	case ConsensusAttribute:
		return attribute.Height, true
	case DkgAttribute:
		return attribute.Height, true
	case EcdsaAttribute, CanisterHTTPAttribute, UntypedAttribute:
		return 0, false
	default:
		panic(fmt.Sprintf("artifact: unhandled Attribute variant %T", attribute))
	}
}
