// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/bureau-foundation/artifactp2p/lib/metrics"
	"github.com/bureau-foundation/artifactp2p/lib/queue"
)

// inbound is a received push or request waiting for its handler.
type inbound struct {
	kind        frameKind
	endpoint    Endpoint
	correlation uint64
	payload     []byte
	generation  uint64
}

// deliver queues a push or request for the handler of its endpoint.
// Each (peer, endpoint) pair has its own queue and worker goroutine,
// so a slow handler delays only its own pair. Called only from the
// peer's reader, which makes it the single producer for every inbox of
// the peer.
func (t *Transport) deliver(p *peer, f frame, generation uint64) {
	handler := t.handler(f.Endpoint)
	if handler == nil {
		if f.Kind == frameRequest {
			t.respond(p, generation, f.Endpoint, f.Correlation, nil, remoteNoHandler)
		}
		t.logger.Debug("message for unregistered endpoint", "peer", p.info.ID, "endpoint", f.Endpoint, "kind", f.Kind)
		return
	}

	inbox := p.inbox(t, f.Endpoint, handler)
	if inbox == nil {
		return
	}

	message := inbound{
		kind:        f.Kind,
		endpoint:    f.Endpoint,
		correlation: f.Correlation,
		payload:     f.Payload,
		generation:  generation,
	}

	// Requests are refused rather than evicting queued work. The
	// check cannot race another producer; a concurrent worker pop only
	// makes it conservative.
	if f.Kind == frameRequest && inbox.Len() >= inbox.Cap() {
		t.metrics.QueueDropped.WithLabelValues(metrics.QueueInbound).Inc()
		t.respond(p, generation, f.Endpoint, f.Correlation, nil, remoteOverloaded)
		return
	}

	evicted, overflow := inbox.Push(message)
	if !overflow {
		return
	}
	t.metrics.QueueDropped.WithLabelValues(metrics.QueueInbound).Inc()
	t.logger.Debug("inbound queue full, dropped oldest", "peer", p.info.ID, "endpoint", f.Endpoint)
	if evicted.kind == frameRequest {
		t.respond(p, evicted.generation, evicted.endpoint, evicted.correlation, nil, remoteOverloaded)
	}
}

// inbox returns the queue for endpoint, starting its worker on first
// use. Returns nil once the peer is shut down.
func (p *peer) inbox(t *Transport, endpoint Endpoint, handler Handler) *queue.Queue[inbound] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.removed != nil {
		return nil
	}
	if inbox, ok := p.inboxes[endpoint]; ok {
		return inbox
	}
	inbox := queue.New[inbound](p.inboxCapacity, queue.DropOldest)
	p.inboxes[endpoint] = inbox
	go t.runInbox(p, handler, inbox)
	return inbox
}

func (t *Transport) runInbox(p *peer, handler Handler, inbox *queue.Queue[inbound]) {
	for {
		message, err := inbox.Pop(p.ctx)
		if err != nil {
			return
		}
		response, err := handler.Handle(p.ctx, p.info.ID, message.payload)
		if message.kind != frameRequest {
			if err != nil {
				t.logger.Debug("push handler failed", "peer", p.info.ID, "endpoint", message.endpoint, "error", err)
			}
			continue
		}
		var failure string
		if err != nil {
			failure = err.Error()
			if failure == "" {
				failure = "handler failed"
			}
			response = nil
		}
		t.respond(p, message.generation, message.endpoint, message.correlation, response, failure)
	}
}

// respond queues a response frame. Responses share the request queue;
// when it is full the response is dropped and the requester times out.
func (t *Transport) respond(p *peer, generation uint64, endpoint Endpoint, correlation uint64, payload []byte, failure string) {
	if len(payload) > t.config.MaxFrameSize {
		payload = nil
		failure = ErrPayloadTooLarge.Error()
	}
	response := outbound{
		frame: frame{
			Kind:        frameResponse,
			Endpoint:    endpoint,
			Correlation: correlation,
			Payload:     payload,
			Error:       failure,
		},
		generation: generation,
	}
	if _, overflow := p.control.Push(response); overflow {
		t.metrics.QueueDropped.WithLabelValues(metrics.QueueResponse).Inc()
		t.logger.Debug("response dropped", "peer", p.info.ID, "endpoint", endpoint)
	}
}
