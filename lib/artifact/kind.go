// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import "fmt"

// Height is a consensus round marker. Height-bearing artifacts are
// garbage collected once the finalized height passes them.
type Height uint64

// Kind names the artifact family an identifier belongs to. Each kind
// gets its own advert and pull endpoints so one busy kind cannot
// starve another.
//
// The numeric values appear on the wire.
type Kind uint8

const (
	KindConsensus     Kind = 1
	KindIngress       Kind = 2
	KindCertification Kind = 3
	KindCanisterHTTP  Kind = 4
	KindDkg           Kind = 5
	KindEcdsa         Kind = 6
	KindFileTreeSync  Kind = 7
	KindStateSync     Kind = 8
)

// Kinds lists every Kind in wire order.
var Kinds = []Kind{
	KindConsensus,
	KindIngress,
	KindCertification,
	KindCanisterHTTP,
	KindDkg,
	KindEcdsa,
	KindFileTreeSync,
	KindStateSync,
}

func (kind Kind) String() string {
	switch kind {
	case KindConsensus:
		return "consensus"
	case KindIngress:
		return "ingress"
	case KindCertification:
		return "certification"
	case KindCanisterHTTP:
		return "canister-http"
	case KindDkg:
		return "dkg"
	case KindEcdsa:
		return "ecdsa"
	case KindFileTreeSync:
		return "file-tree-sync"
	case KindStateSync:
		return "state-sync"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(kind))
	}
}

// Valid reports whether kind is one of the defined kinds.
func (kind Kind) Valid() bool {
	return kind >= KindConsensus && kind <= KindStateSync
}

// ParseKind is the inverse of Kind.String.
func ParseKind(name string) (Kind, error) {
	for _, kind := range Kinds {
		if kind.String() == name {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown artifact kind %q", name)
}

// ConsensusSubKind selects the variant of a consensus message. It
// determines the hash domain of the message and which attribute
// fields are meaningful.
type ConsensusSubKind uint8

const (
	RandomBeacon        ConsensusSubKind = 1
	Finalization        ConsensusSubKind = 2
	Notarization        ConsensusSubKind = 3
	BlockProposal       ConsensusSubKind = 4
	RandomBeaconShare   ConsensusSubKind = 5
	NotarizationShare   ConsensusSubKind = 6
	FinalizationShare   ConsensusSubKind = 7
	RandomTape          ConsensusSubKind = 8
	RandomTapeShare     ConsensusSubKind = 9
	CatchUpPackage      ConsensusSubKind = 10
	CatchUpPackageShare ConsensusSubKind = 11
)

func (sub ConsensusSubKind) String() string {
	switch sub {
	case RandomBeacon:
		return "random-beacon"
	case Finalization:
		return "finalization"
	case Notarization:
		return "notarization"
	case BlockProposal:
		return "block-proposal"
	case RandomBeaconShare:
		return "random-beacon-share"
	case NotarizationShare:
		return "notarization-share"
	case FinalizationShare:
		return "finalization-share"
	case RandomTape:
		return "random-tape"
	case RandomTapeShare:
		return "random-tape-share"
	case CatchUpPackage:
		return "catch-up-package"
	case CatchUpPackageShare:
		return "catch-up-package-share"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(sub))
	}
}

// domain returns the hash domain of the sub-kind.
func (sub ConsensusSubKind) domain() (domainKey, error) {
	switch sub {
	case RandomBeacon:
		return randomBeaconDomain, nil
	case Finalization:
		return finalizationDomain, nil
	case Notarization:
		return notarizationDomain, nil
	case BlockProposal:
		return blockProposalDomain, nil
	case RandomBeaconShare:
		return randomBeaconShareDomain, nil
	case NotarizationShare:
		return notarizationShareDomain, nil
	case FinalizationShare:
		return finalizationShareDomain, nil
	case RandomTape:
		return randomTapeDomain, nil
	case RandomTapeShare:
		return randomTapeShareDomain, nil
	case CatchUpPackage:
		return catchUpPackageDomain, nil
	case CatchUpPackageShare:
		return catchUpPackageShareDomain, nil
	default:
		return domainKey{}, fmt.Errorf("unknown consensus sub-kind %d", uint8(sub))
	}
}

// CertificationSubKind distinguishes full certifications from shares.
type CertificationSubKind uint8

const (
	Certification      CertificationSubKind = 1
	CertificationShare CertificationSubKind = 2
)

func (sub CertificationSubKind) String() string {
	switch sub {
	case Certification:
		return "certification"
	case CertificationShare:
		return "certification-share"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(sub))
	}
}

func (sub CertificationSubKind) domain() (domainKey, error) {
	switch sub {
	case Certification:
		return certificationDomain, nil
	case CertificationShare:
		return certificationShareDomain, nil
	default:
		return domainKey{}, fmt.Errorf("unknown certification sub-kind %d", uint8(sub))
	}
}

// EcdsaSubKind selects the variant of a threshold-ECDSA message.
// SignatureShare messages are keyed by a request identifier; all other
// sub-kinds are keyed by a transcript identifier.
type EcdsaSubKind uint8

const (
	SignedDealing  EcdsaSubKind = 1
	DealingSupport EcdsaSubKind = 2
	SignatureShare EcdsaSubKind = 3
	Complaint      EcdsaSubKind = 4
	Opening        EcdsaSubKind = 5
)

func (sub EcdsaSubKind) String() string {
	switch sub {
	case SignedDealing:
		return "signed-dealing"
	case DealingSupport:
		return "dealing-support"
	case SignatureShare:
		return "signature-share"
	case Complaint:
		return "complaint"
	case Opening:
		return "opening"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(sub))
	}
}

func (sub EcdsaSubKind) domain() (domainKey, error) {
	switch sub {
	case SignedDealing:
		return signedDealingDomain, nil
	case DealingSupport:
		return dealingSupportDomain, nil
	case SignatureShare:
		return signatureShareDomain, nil
	case Complaint:
		return complaintDomain, nil
	case Opening:
		return openingDomain, nil
	default:
		return domainKey{}, fmt.Errorf("unknown ecdsa sub-kind %d", uint8(sub))
	}
}
