// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gossip

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bureau-foundation/artifactp2p/lib/artifact"
	"github.com/bureau-foundation/artifactp2p/lib/codec"
	"github.com/bureau-foundation/artifactp2p/transport"
)

var (
	// ErrNotFound means the advertiser no longer holds the artifact it
	// advertised (purged or evicted between advert and pull).
	ErrNotFound = errors.New("artifact not found at advertiser")

	// ErrIdentifierMismatch means a pulled payload does not identify
	// as the ID that was requested. The serving peer is penalized.
	ErrIdentifierMismatch = errors.New("pulled payload does not match its identifier")

	// ErrNotRunning is returned by operations that need the event
	// loop when Run is not active.
	ErrNotRunning = errors.New("gossip engine not running")
)

// AdvertEndpoint is the push endpoint adverts for kind arrive on.
func AdvertEndpoint(kind artifact.Kind) transport.Endpoint {
	return transport.Endpoint(fmt.Sprintf("/artifactp2p/advert/%s/1", kind))
}

// PullEndpoint is the rpc endpoint serving payloads of kind.
func PullEndpoint(kind artifact.Kind) transport.Endpoint {
	return transport.Endpoint(fmt.Sprintf("/artifactp2p/pull/%s/1", kind))
}

// advertEndpoints maps every advert endpoint back to its kind.
var advertEndpoints = func() map[transport.Endpoint]artifact.Kind {
	endpoints := make(map[transport.Endpoint]artifact.Kind, len(artifact.Kinds))
	for _, kind := range artifact.Kinds {
		endpoints[AdvertEndpoint(kind)] = kind
	}
	return endpoints
}()

// An advert payload and a pull request payload are both the wire form
// of an artifact.ID (artifact.MarshalID). A pull response is a
// pullResponse.
type pullResponse struct {
	Found   bool   `cbor:"f"`
	Payload []byte `cbor:"p,omitempty"`
}

func encodePullResponse(response pullResponse) ([]byte, error) {
	return codec.Marshal(response)
}

func decodePullResponse(data []byte) (pullResponse, error) {
	var response pullResponse
	if err := codec.Unmarshal(data, &response); err != nil {
		return pullResponse{}, fmt.Errorf("decoding pull response: %w", err)
	}
	if response.Found && len(response.Payload) == 0 {
		return pullResponse{}, errors.New("pull response marked found without a payload")
	}
	return response, nil
}

// decodeID decodes an advert or pull request received on an endpoint
// of kind and checks the ID belongs there.
func decodeID(kind artifact.Kind, data []byte) (artifact.ID, error) {
	id, err := artifact.UnmarshalID(data)
	if err != nil {
		return nil, err
	}
	if id.Kind() != kind {
		return nil, fmt.Errorf("%s identifier on the %s endpoint", id.Kind(), kind)
	}
	return id, nil
}

// watermark is the garbage collection height. The event loop raises
// it; pull handlers read it concurrently. A nil height means nothing
// has been purged, so every height up to the maximum can be a
// watermark.
type watermark struct {
	height atomic.Pointer[artifact.Height]
}

func (w *watermark) get() (artifact.Height, bool) {
	height := w.height.Load()
	if height == nil {
		return 0, false
	}
	return *height, true
}

// raise moves the watermark to height and reports whether it moved.
// Only the event loop and New call it, so load and store do not race.
func (w *watermark) raise(height artifact.Height) bool {
	if current, ok := w.get(); ok && height <= current {
		return false
	}
	w.height.Store(&height)
	return true
}

// expired reports whether id is at or below the watermark.
func (w *watermark) expired(id artifact.ID) bool {
	height, ok := w.get()
	return ok && artifact.Expired(id, height)
}
