// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bureau-foundation/artifactp2p/lib/codec"
	"github.com/bureau-foundation/artifactp2p/lib/compress"
)

type frameKind uint8

const (
	frameHello    frameKind = 1
	framePush     frameKind = 2
	frameRequest  frameKind = 3
	frameResponse frameKind = 4
)

func (kind frameKind) String() string {
	switch kind {
	case frameHello:
		return "hello"
	case framePush:
		return "push"
	case frameRequest:
		return "request"
	case frameResponse:
		return "response"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(kind))
	}
}

// frame is one message on a peer connection. On the wire it is a
// 4-byte big-endian length followed by the deterministic CBOR
// encoding of the struct.
type frame struct {
	Kind frameKind `cbor:"k"`

	// Peer is the sender's identity. Hello frames only.
	Peer PeerID `cbor:"i,omitempty"`

	Endpoint Endpoint `cbor:"e,omitempty"`

	// Correlation matches a response to its request. Unique per
	// sending transport; opaque to the receiver.
	Correlation uint64 `cbor:"c,omitempty"`

	Payload []byte `cbor:"p,omitempty"`

	// Compression and Size describe Payload when it is compressed:
	// the algorithm and the uncompressed length.
	Compression compress.Algorithm `cbor:"z,omitempty"`
	Size        int                `cbor:"n,omitempty"`

	// Error is set on a response whose request failed.
	Error string `cbor:"x,omitempty"`
}

// frameOverhead is the allowance for CBOR field headers on top of the
// payload when checking a frame length against the maximum.
const frameOverhead = 1024

const frameHeaderSize = 4

// writeFrame encodes f and writes it with its length prefix in a
// single Write.
func writeFrame(w io.Writer, f frame) error {
	body, err := codec.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Kind, err)
	}
	buffer := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buffer, uint32(len(body)))
	copy(buffer[frameHeaderSize:], body)
	if _, err := w.Write(buffer); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Kind, err)
	}
	return nil
}

// readFrame reads one frame. A length above maxPayload plus overhead
// is an error, checked before the body is allocated.
func readFrame(r io.Reader, maxPayload int) (frame, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if uint64(length) > uint64(maxPayload)+frameOverhead {
		return frame{}, fmt.Errorf("frame length %d exceeds limit %d", length, maxPayload+frameOverhead)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, fmt.Errorf("reading frame body: %w", err)
	}
	var f frame
	if err := codec.Unmarshal(body, &f); err != nil {
		return frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	return f, nil
}

// compressPayload compresses f's payload in place when it is at least
// threshold bytes and the algorithm shrinks it.
func compressPayload(f *frame, algorithm compress.Algorithm, threshold int) error {
	if algorithm == compress.None || len(f.Payload) < threshold || len(f.Payload) == 0 {
		return nil
	}
	compressed, used, err := compress.Compress(f.Payload, algorithm)
	if err != nil {
		return err
	}
	if used != compress.None {
		f.Size = len(f.Payload)
		f.Payload = compressed
		f.Compression = used
	}
	return nil
}

// decompressPayload reverses compressPayload on a received frame.
func decompressPayload(f *frame, maxPayload int) error {
	if f.Compression == compress.None {
		return nil
	}
	payload, err := compress.Decompress(f.Payload, f.Compression, f.Size, maxPayload)
	if err != nil {
		return err
	}
	f.Payload = payload
	f.Compression = compress.None
	f.Size = 0
	return nil
}
