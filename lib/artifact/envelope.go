// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bureau-foundation/artifactp2p/lib/codec"
)

// Envelope is the payload layout this layer understands: the
// identifying fields of an artifact plus an opaque Body owned by the
// producer (consensus, the ingress handler, state sync). Everything
// outside Body is needed to rebuild the artifact's ID and Attribute
// from the bytes alone.
type Envelope struct {
	Kind    Kind   `cbor:"k"`
	SubKind uint8  `cbor:"s,omitempty"`
	Height  Height `cbor:"h,omitempty"`

	// Consensus.
	Rank      uint64 `cbor:"r,omitempty"`
	BlockHash []byte `cbor:"bh,omitempty"`

	// Canister HTTP.
	RegistryVersion uint64 `cbor:"rv,omitempty"`
	CallbackID      uint64 `cbor:"cb,omitempty"`

	// ECDSA.
	TranscriptID string `cbor:"tr,omitempty"`
	RequestID    string `cbor:"rq,omitempty"`

	// Ingress.
	Expiry uint64 `cbor:"e,omitempty"`

	// File tree sync.
	Path string `cbor:"p,omitempty"`

	Body []byte `cbor:"b,omitempty"`
}

// Artifact is an identified payload.
type Artifact struct {
	ID        ID
	Attribute Attribute
	Payload   []byte
}

// ErrNonCanonical is returned by Identify when a payload decodes but
// is not the deterministic encoding of its own contents. Accepting it
// would let two different byte strings claim one identifier.
var ErrNonCanonical = errors.New("artifact payload is not canonically encoded")

// Seal encodes envelope and derives its identity. Producers use it to
// create artifacts; it is the same derivation Identify repeats on the
// receiving side.
func Seal(envelope Envelope) (Artifact, error) {
	payload, err := codec.Marshal(envelope)
	if err != nil {
		return Artifact{}, fmt.Errorf("encoding artifact envelope: %w", err)
	}
	id, attribute, err := derive(envelope, payload)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{ID: id, Attribute: attribute, Payload: payload}, nil
}

// Identify re-derives the ID and Attribute of payload. The result is a
// pure function of the bytes: identical payloads always yield equal
// IDs, and payloads differing in any byte yield different IDs for
// every hash-carrying variant.
func Identify(payload []byte) (ID, Attribute, error) {
	var envelope Envelope
	if err := codec.Unmarshal(payload, &envelope); err != nil {
		return nil, nil, fmt.Errorf("decoding artifact envelope: %w", err)
	}
	canonical, err := codec.Marshal(envelope)
	if err != nil {
		return nil, nil, fmt.Errorf("re-encoding artifact envelope: %w", err)
	}
	if !bytes.Equal(canonical, payload) {
		return nil, nil, ErrNonCanonical
	}
	return derive(envelope, payload)
}

// derive computes identity from a decoded envelope and the exact bytes
// it was decoded from.
func derive(envelope Envelope, payload []byte) (ID, Attribute, error) {
	switch envelope.Kind {
	case KindConsensus:
		sub := ConsensusSubKind(envelope.SubKind)
		domain, err := sub.domain()
		if err != nil {
			return nil, nil, err
		}
		attribute := ConsensusAttribute{SubKind: sub, Height: envelope.Height}
		switch sub {
		case Finalization, Notarization:
			blockHash, err := hashFromBytes("block hash", envelope.BlockHash)
			if err != nil {
				return nil, nil, err
			}
			attribute.BlockHash = blockHash
		case BlockProposal:
			attribute.Rank = envelope.Rank
		}
		id := ConsensusID{
			Hash:   ConsensusHash{SubKind: sub, Digest: keyedHash(domain, payload)},
			Height: envelope.Height,
		}
		return id, attribute, nil

	case KindIngress:
		if envelope.Expiry == 0 {
			return nil, nil, errors.New("ingress artifact has no expiry")
		}
		return IngressID{Expiry: envelope.Expiry, MessageID: keyedHash(ingressDomain, payload)}, UntypedAttribute{}, nil

	case KindCertification:
		sub := CertificationSubKind(envelope.SubKind)
		domain, err := sub.domain()
		if err != nil {
			return nil, nil, err
		}
		id := CertificationID{
			Hash:   CertificationHash{SubKind: sub, Digest: keyedHash(domain, payload)},
			Height: envelope.Height,
		}
		return id, UntypedAttribute{}, nil

	case KindCanisterHTTP:
		digest := keyedHash(canisterHTTPDomain, payload)
		attribute := CanisterHTTPAttribute{
			RegistryVersion: envelope.RegistryVersion,
			CallbackID:      envelope.CallbackID,
			Hash:            digest,
		}
		return CanisterHTTPID{Hash: digest}, attribute, nil

	case KindDkg:
		return DkgID{Hash: keyedHash(dkgDomain, payload)}, DkgAttribute{Height: envelope.Height}, nil

	case KindEcdsa:
		sub := EcdsaSubKind(envelope.SubKind)
		domain, err := sub.domain()
		if err != nil {
			return nil, nil, err
		}
		attribute := EcdsaAttribute{SubKind: sub}
		if sub == SignatureShare {
			if envelope.RequestID == "" {
				return nil, nil, errors.New("ecdsa signature share has no request ID")
			}
			attribute.RequestID = envelope.RequestID
		} else {
			if envelope.TranscriptID == "" {
				return nil, nil, fmt.Errorf("ecdsa %s has no transcript ID", sub)
			}
			attribute.TranscriptID = envelope.TranscriptID
		}
		return EcdsaID{Hash: EcdsaHash{SubKind: sub, Digest: keyedHash(domain, payload)}}, attribute, nil

	case KindFileTreeSync:
		if envelope.Path == "" {
			return nil, nil, errors.New("file tree sync artifact has no path")
		}
		return FileTreeSyncID{Path: envelope.Path}, UntypedAttribute{}, nil

	case KindStateSync:
		return StateSyncID{Height: envelope.Height, Hash: keyedHash(stateSyncDomain, payload)}, UntypedAttribute{}, nil

	default:
		return nil, nil, fmt.Errorf("unknown artifact kind %d", uint8(envelope.Kind))
	}
}
