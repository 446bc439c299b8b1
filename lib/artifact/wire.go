// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/artifactp2p/lib/codec"
)

// wireID is the flat CBOR form of an ID carried in adverts and pull
// requests. Kind is the union tag; which other fields are present
// depends on it.
type wireID struct {
	Kind    Kind   `cbor:"k"`
	SubKind uint8  `cbor:"s,omitempty"`
	Height  uint64 `cbor:"h,omitempty"`
	Hash    []byte `cbor:"x,omitempty"`
	Expiry  uint64 `cbor:"e,omitempty"`
	Path    string `cbor:"p,omitempty"`
}

// MarshalID encodes id deterministically. Equal IDs always encode to
// equal bytes.
func MarshalID(id ID) ([]byte, error) {
	var wire wireID
	switch id := id.(type) {
	case ConsensusID:
		wire = wireID{Kind: KindConsensus, SubKind: uint8(id.Hash.SubKind), Height: uint64(id.Height), Hash: id.Hash.Digest[:]}
	case IngressID:
		wire = wireID{Kind: KindIngress, Expiry: id.Expiry, Hash: id.MessageID[:]}
	case CertificationID:
		wire = wireID{Kind: KindCertification, SubKind: uint8(id.Hash.SubKind), Height: uint64(id.Height), Hash: id.Hash.Digest[:]}
	case CanisterHTTPID:
		wire = wireID{Kind: KindCanisterHTTP, Hash: id.Hash[:]}
	case DkgID:
		wire = wireID{Kind: KindDkg, Hash: id.Hash[:]}
	case EcdsaID:
		wire = wireID{Kind: KindEcdsa, SubKind: uint8(id.Hash.SubKind), Hash: id.Hash.Digest[:]}
	case FileTreeSyncID:
		wire = wireID{Kind: KindFileTreeSync, Path: id.Path}
	case StateSyncID:
		wire = wireID{Kind: KindStateSync, Height: uint64(id.Height), Hash: id.Hash[:]}
	case nil:
		return nil, errors.New("marshaling nil artifact ID")
	default:
		return nil, fmt.Errorf("marshaling artifact ID: unhandled variant %T", id)
	}
	return codec.Marshal(wire)
}

// UnmarshalID decodes an ID produced by MarshalID. Unknown kinds,
// unknown sub-kinds and malformed digests are errors: the bytes come
// from peers.
func UnmarshalID(data []byte) (ID, error) {
	var wire wireID
	if err := codec.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decoding artifact ID: %w", err)
	}

	switch wire.Kind {
	case KindConsensus:
		sub := ConsensusSubKind(wire.SubKind)
		if _, err := sub.domain(); err != nil {
			return nil, err
		}
		digest, err := hashFromBytes("consensus digest", wire.Hash)
		if err != nil {
			return nil, err
		}
		return ConsensusID{Hash: ConsensusHash{SubKind: sub, Digest: digest}, Height: Height(wire.Height)}, nil

	case KindIngress:
		digest, err := hashFromBytes("ingress message ID", wire.Hash)
		if err != nil {
			return nil, err
		}
		return IngressID{Expiry: wire.Expiry, MessageID: digest}, nil

	case KindCertification:
		sub := CertificationSubKind(wire.SubKind)
		if _, err := sub.domain(); err != nil {
			return nil, err
		}
		digest, err := hashFromBytes("certification digest", wire.Hash)
		if err != nil {
			return nil, err
		}
		return CertificationID{Hash: CertificationHash{SubKind: sub, Digest: digest}, Height: Height(wire.Height)}, nil

	case KindCanisterHTTP:
		digest, err := hashFromBytes("canister http digest", wire.Hash)
		if err != nil {
			return nil, err
		}
		return CanisterHTTPID{Hash: digest}, nil

	case KindDkg:
		digest, err := hashFromBytes("dkg digest", wire.Hash)
		if err != nil {
			return nil, err
		}
		return DkgID{Hash: digest}, nil

	case KindEcdsa:
		sub := EcdsaSubKind(wire.SubKind)
		if _, err := sub.domain(); err != nil {
			return nil, err
		}
		digest, err := hashFromBytes("ecdsa digest", wire.Hash)
		if err != nil {
			return nil, err
		}
		return EcdsaID{Hash: EcdsaHash{SubKind: sub, Digest: digest}}, nil

	case KindFileTreeSync:
		if wire.Path == "" {
			return nil, errors.New("file tree sync ID has empty path")
		}
		return FileTreeSyncID{Path: wire.Path}, nil

	case KindStateSync:
		digest, err := hashFromBytes("state sync hash", wire.Hash)
		if err != nil {
			return nil, err
		}
		return StateSyncID{Height: Height(wire.Height), Hash: digest}, nil

	default:
		return nil, fmt.Errorf("unknown artifact kind %d", uint8(wire.Kind))
	}
}
