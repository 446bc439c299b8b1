// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress implements the payload compression used on
// transport frames. The sender tags each frame with the algorithm it
// used and the uncompressed size; the receiver checks both.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies how a frame payload is compressed. The values
// appear on the wire.
type Algorithm uint8

const (
	// None leaves the payload as is. Also the fallback when the
	// configured algorithm would not shrink the payload.
	None Algorithm = 0

	// LZ4 is block-mode LZ4: cheap on CPU, modest ratio. The default
	// for artifact payloads, which are mostly signatures and hashes.
	LZ4 Algorithm = 1

	// Zstd is zstd at the default level. Better ratio on large
	// text-like payloads such as ingress messages and state chunks.
	Zstd Algorithm = 2
)

func (algorithm Algorithm) String() string {
	switch algorithm {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(algorithm))
	}
}

// ParseAlgorithm is the inverse of Algorithm.String, used by config.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "none", "":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return 0, fmt.Errorf("unknown compression algorithm %q", name)
	}
}

// ErrSizeMismatch is returned when a decompressed payload does not
// have the size its frame declared.
var ErrSizeMismatch = errors.New("decompressed size does not match declared size")

// errIncompressible means the compressed form is not smaller than the
// input and the caller should send it uncompressed.
var errIncompressible = errors.New("payload is incompressible")

// maxZstdWindow bounds the history a zstd frame may demand of the
// decoder. The encoder never uses more than 8 MiB.
const maxZstdWindow = 16 << 20

var zstdEncoder *zstd.Encoder

// zstdDecoders holds synchronous streaming decoders. Decompress reads
// into a buffer of the declared size, so output never grows past it.
var zstdDecoders = sync.Pool{
	New: func() any {
		decoder, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderLowmem(true),
			zstd.WithDecoderMaxWindow(maxZstdWindow))
		if err != nil {
			panic("compress: zstd decoder initialization failed: " + err.Error())
		}
		return decoder
	},
}

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
}

// Compress compresses data with algorithm. If the result would not be
// smaller, it returns data unchanged and None, so the returned
// algorithm is what the receiver must be told.
func Compress(data []byte, algorithm Algorithm) ([]byte, Algorithm, error) {
	var (
		compressed []byte
		err        error
	)
	switch algorithm {
	case None:
		return data, None, nil
	case LZ4:
		compressed, err = compressLZ4(data)
	case Zstd:
		compressed, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("unsupported compression algorithm %d", uint8(algorithm))
	}
	if errors.Is(err, errIncompressible) {
		return data, None, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, algorithm, nil
}

// Decompress reverses Compress. size is the uncompressed length the
// sender declared; it must not exceed maxSize, which keeps a hostile
// peer from making the receiver allocate arbitrarily large buffers.
func Decompress(data []byte, algorithm Algorithm, size, maxSize int) ([]byte, error) {
	if size < 0 || size > maxSize {
		return nil, fmt.Errorf("declared size %d outside [0, %d]", size, maxSize)
	}
	switch algorithm {
	case None:
		if len(data) != size {
			return nil, fmt.Errorf("uncompressed payload is %d bytes, declared %d: %w", len(data), size, ErrSizeMismatch)
		}
		return data, nil
	case LZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(data, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 produced %d bytes, declared %d: %w", read, size, ErrSizeMismatch)
		}
		return destination, nil
	case Zstd:
		return decompressZstd(data, size)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %d", uint8(algorithm))
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

// decompressZstd decodes at most size bytes plus one. A stream longer
// than declared fails as soon as the extra byte appears instead of
// being decoded in full.
func decompressZstd(data []byte, size int) ([]byte, error) {
	decoder := zstdDecoders.Get().(*zstd.Decoder)
	defer func() {
		decoder.Reset(nil)
		zstdDecoders.Put(decoder)
	}()
	if err := decoder.Reset(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}

	destination := make([]byte, size)
	read, err := io.ReadFull(decoder, destination)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return nil, fmt.Errorf("zstd produced %d bytes, declared %d: %w", read, size, ErrSizeMismatch)
	case err != nil:
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}

	var extra [1]byte
	if more, err := decoder.Read(extra[:]); more > 0 {
		return nil, fmt.Errorf("zstd produced more than the declared %d bytes: %w", size, ErrSizeMismatch)
	} else if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return destination, nil
}
