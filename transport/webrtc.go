// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
)

// Compile-time interface check.
var _ Network = (*WebRTCNetwork)(nil)

// signalingPollInterval is how often the network polls for inbound
// signaling offers from peers.
const signalingPollInterval = 2 * time.Second

// iceGatherTimeout is the maximum time to wait for ICE candidate gathering
// to complete before publishing the SDP.
const iceGatherTimeout = 15 * time.Second

// answerPollInterval is how often the dialer polls for an SDP answer after
// publishing an offer.
const answerPollInterval = 500 * time.Millisecond

// answerTimeout is the maximum time to wait for an SDP answer before giving up.
const answerTimeout = 30 * time.Second

// dataChannelOpenTimeout bounds the wait for a new data channel to open
// on an established PeerConnection.
const dataChannelOpenTimeout = 10 * time.Second

// initChannelLabel is the trigger channel created only to put a data
// channel section in the SDP offer. Neither side uses it.
const initChannelLabel = "init"

// WebRTCNetwork carries peer connections over WebRTC data channels,
// traversing NAT with ICE. It is both the Listener and the Dialer for
// a transport: addresses are peer IDs, and signaling goes through a
// [Signaler].
//
// Each remote peer gets one PeerConnection. Each DialContext opens a
// new ordered, reliable data channel on it (creating the
// PeerConnection first if needed); data channels the remote side opens
// are returned by Accept. Connection establishment uses vanilla ICE:
// all candidates are gathered before the SDP is published, so
// signaling takes exactly one round-trip.
type WebRTCNetwork struct {
	signaler Signaler
	self     string
	logger   *slog.Logger

	// iceConfig is the ICE server configuration. Protected by configMu
	// because it can be replaced while the network runs.
	configMu  sync.RWMutex
	iceConfig ICEConfig

	// peers maps peer ID → peerConnection.
	mu    sync.Mutex
	peers map[string]*peerConnection

	// inbound carries data channels opened by remote peers, wrapped as
	// net.Conn, to Accept.
	inbound chan net.Conn

	// ready is closed once the signaling poller is running.
	ready chan struct{}

	stop      context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once

	// channelCounter generates unique data channel labels.
	channelCounter atomic.Uint64
}

// peerConnection tracks the PeerConnection to a single remote peer.
// Protected by WebRTCNetwork.mu.
type peerConnection struct {
	connection  *webrtc.PeerConnection
	peer        string
	established chan struct{} // closed when ICE reaches Connected/Completed
}

// NewWebRTCNetwork creates a WebRTC network for the node identified by
// self and starts polling the signaler for offers. Close stops it.
func NewWebRTCNetwork(signaler Signaler, self string, iceConfig ICEConfig, logger *slog.Logger) *WebRTCNetwork {
	ctx, stop := context.WithCancel(context.Background())
	network := &WebRTCNetwork{
		signaler:  signaler,
		self:      self,
		iceConfig: iceConfig,
		logger:    logger,
		peers:     make(map[string]*peerConnection),
		inbound:   make(chan net.Conn, 64),
		ready:     make(chan struct{}),
		stop:      stop,
		closed:    make(chan struct{}),
	}
	go network.signalingPoller(ctx)
	return network
}

// Ready returns a channel that is closed once the signaling poller has
// started.
func (wn *WebRTCNetwork) Ready() <-chan struct{} {
	return wn.ready
}

// Accept returns the next data channel a remote peer opened.
func (wn *WebRTCNetwork) Accept() (net.Conn, error) {
	select {
	case conn := <-wn.inbound:
		return conn, nil
	case <-wn.closed:
		return nil, net.ErrClosed
	}
}

// Address returns this node's peer ID, which is what remote peers dial.
func (wn *WebRTCNetwork) Address() string {
	return wn.self
}

// Close shuts down all PeerConnections and stops the signaling poller.
func (wn *WebRTCNetwork) Close() error {
	wn.closeOnce.Do(func() {
		close(wn.closed)
		wn.stop()
	})

	wn.mu.Lock()
	defer wn.mu.Unlock()

	for peer, state := range wn.peers {
		state.connection.Close()
		delete(wn.peers, peer)
	}
	return nil
}

// UpdateICEConfig replaces the ICE configuration for new PeerConnections.
// Existing PeerConnections continue using their current configuration.
func (wn *WebRTCNetwork) UpdateICEConfig(config ICEConfig) {
	wn.configMu.Lock()
	defer wn.configMu.Unlock()
	wn.iceConfig = config
}

// DialContext opens a data channel to the peer whose ID is address.
func (wn *WebRTCNetwork) DialContext(ctx context.Context, address string) (net.Conn, error) {
	select {
	case <-wn.closed:
		return nil, net.ErrClosed
	default:
	}

	state, err := wn.getOrCreatePeer(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("establishing peer connection to %s: %w", address, err)
	}

	select {
	case <-state.established:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wn.closed:
		return nil, net.ErrClosed
	}

	return wn.openDataChannel(ctx, state)
}

// getOrCreatePeer returns the PeerConnection to peer, creating and
// signaling a new one if necessary. Concurrent callers for the same
// peer wait on the first caller's attempt rather than starting a
// parallel one.
func (wn *WebRTCNetwork) getOrCreatePeer(ctx context.Context, peer string) (*peerConnection, error) {
	wn.mu.Lock()

	if state, ok := wn.peers[peer]; ok {
		if alive(state.connection) {
			wn.mu.Unlock()
			return state, nil
		}
		state.connection.Close()
		delete(wn.peers, peer)
	}

	// Register the PeerConnection before releasing the lock so
	// concurrent callers find it and wait on established.
	pc, err := wn.newPeerConnection()
	if err != nil {
		wn.mu.Unlock()
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	state := &peerConnection{
		connection:  pc,
		peer:        peer,
		established: make(chan struct{}),
	}
	wn.peers[peer] = state
	wn.mu.Unlock()

	if err := wn.establishOutbound(ctx, state); err != nil {
		wn.forget(state)
		pc.Close()
		return nil, err
	}
	return state, nil
}

func alive(pc *webrtc.PeerConnection) bool {
	state := pc.ICEConnectionState()
	return state != webrtc.ICEConnectionStateFailed && state != webrtc.ICEConnectionStateClosed
}

// forget removes state from the peers map if it is still the current
// entry for its peer.
func (wn *WebRTCNetwork) forget(state *peerConnection) {
	wn.mu.Lock()
	defer wn.mu.Unlock()
	if current, ok := wn.peers[state.peer]; ok && current == state {
		delete(wn.peers, state.peer)
	}
}

// watch installs the data channel and ICE state callbacks shared by
// both directions.
func (wn *WebRTCNetwork) watch(state *peerConnection) {
	state.connection.OnDataChannel(func(dc *webrtc.DataChannel) {
		wn.handleInboundDataChannel(dc, state.peer)
	})
	state.connection.OnICEConnectionStateChange(func(iceState webrtc.ICEConnectionState) {
		wn.handleICEStateChange(state, iceState)
	})
}

// establishOutbound performs SDP signaling for a PeerConnection that is
// already registered in the peers map. On success state.established
// is closed by the ICE state handler.
func (wn *WebRTCNetwork) establishOutbound(ctx context.Context, state *peerConnection) error {
	pc := state.connection
	wn.watch(state)

	if _, err := pc.CreateDataChannel(initChannelLabel, nil); err != nil {
		return fmt.Errorf("creating init data channel: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}

	sdp, err := wn.gather(ctx, pc, offer)
	if err != nil {
		return err
	}
	if err := wn.signaler.PublishOffer(ctx, wn.self, state.peer, sdp); err != nil {
		return fmt.Errorf("publishing SDP offer: %w", err)
	}
	wn.logger.Info("WebRTC offer published", "peer", state.peer)

	answerSDP, err := wn.waitForAnswer(ctx, state.peer)
	if err != nil {
		return fmt.Errorf("waiting for SDP answer from %s: %w", state.peer, err)
	}

	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	wn.logger.Info("WebRTC outbound connection established", "peer", state.peer)
	return nil
}

// gather sets the local description and waits for ICE gathering to
// finish, returning the complete SDP.
func (wn *WebRTCNetwork) gather(ctx context.Context, pc *webrtc.PeerConnection, description webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return "", fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

// waitForAnswer polls the signaler for an SDP answer from peer.
func (wn *WebRTCNetwork) waitForAnswer(ctx context.Context, peer string) (string, error) {
	deadline := time.After(answerTimeout)
	ticker := time.NewTicker(answerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return "", fmt.Errorf("timed out after %s", answerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wn.closed:
			return "", net.ErrClosed
		case <-ticker.C:
			answers, err := wn.signaler.PollAnswers(ctx, wn.self)
			if err != nil {
				wn.logger.Warn("polling for SDP answer failed", "error", err)
				continue
			}
			for _, answer := range answers {
				if answer.Peer == peer {
					return answer.SDP, nil
				}
			}
		}
	}
}

// signalingPoller checks for incoming SDP offers until the network is
// closed.
func (wn *WebRTCNetwork) signalingPoller(ctx context.Context) {
	ticker := time.NewTicker(signalingPollInterval)
	defer ticker.Stop()

	close(wn.ready)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wn.processInboundOffers(ctx)
		}
	}
}

// processInboundOffers answers new SDP offers.
func (wn *WebRTCNetwork) processInboundOffers(ctx context.Context) {
	offers, err := wn.signaler.PollOffers(ctx, wn.self)
	if err != nil {
		wn.logger.Warn("polling for SDP offers failed", "error", err)
		return
	}

	for _, offer := range offers {
		wn.mu.Lock()
		existing, hasExisting := wn.peers[offer.Peer]
		if hasExisting {
			// Signaling race: both sides dialed. The smaller peer ID is
			// the canonical offerer; the other side drops its attempt.
			if alive(existing.connection) && offer.Peer > wn.self {
				wn.mu.Unlock()
				continue
			}
			existing.connection.Close()
			delete(wn.peers, offer.Peer)
		}
		wn.mu.Unlock()

		if err := wn.answerOffer(ctx, offer); err != nil {
			wn.logger.Error("answering WebRTC offer failed",
				"peer", offer.Peer,
				"error", err,
			)
		}
	}
}

// answerOffer creates a PeerConnection in response to an incoming SDP offer.
func (wn *WebRTCNetwork) answerOffer(ctx context.Context, offer SignalMessage) error {
	pc, err := wn.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}

	state := &peerConnection{
		connection:  pc,
		peer:        offer.Peer,
		established: make(chan struct{}),
	}
	wn.watch(state)

	remoteOffer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		pc.Close()
		return fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("creating SDP answer: %w", err)
	}

	sdp, err := wn.gather(ctx, pc, answer)
	if err != nil {
		pc.Close()
		return err
	}
	if err := wn.signaler.PublishAnswer(ctx, offer.Peer, wn.self, sdp); err != nil {
		pc.Close()
		return fmt.Errorf("publishing SDP answer: %w", err)
	}

	wn.mu.Lock()
	wn.peers[offer.Peer] = state
	wn.mu.Unlock()

	wn.logger.Info("WebRTC inbound connection answered", "peer", offer.Peer)
	return nil
}

// handleInboundDataChannel wraps an incoming data channel as a net.Conn
// and hands it to Accept.
func (wn *WebRTCNetwork) handleInboundDataChannel(dc *webrtc.DataChannel, peer string) {
	// Nothing is ever sent on the init channel, and pion's SCTP
	// association contends internally when many streams have blocked
	// reads. Close it as soon as it opens.
	if dc.Label() == initChannelLabel {
		dc.OnOpen(func() {
			dc.Close()
		})
		return
	}

	dc.OnOpen(func() {
		wn.logger.Debug("inbound data channel opened", "peer", peer, "label", dc.Label())
		rawChannel, err := dc.Detach()
		if err != nil {
			wn.logger.Error("detaching inbound data channel failed",
				"peer", peer,
				"label", dc.Label(),
				"error", err,
			)
			return
		}

		conn := NewDataChannelConn(rawChannel, wn.self+"/"+dc.Label(), peer+"/"+dc.Label())
		select {
		case wn.inbound <- conn:
		case <-wn.closed:
			conn.Close()
		}
	})
}

// handleICEStateChange signals establishment and drops closed
// connections from the peers map.
func (wn *WebRTCNetwork) handleICEStateChange(state *peerConnection, iceState webrtc.ICEConnectionState) {
	wn.logger.Debug("ICE state change", "peer", state.peer, "state", iceState.String())

	switch iceState {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		select {
		case <-state.established:
		default:
			close(state.established)
		}

	case webrtc.ICEConnectionStateFailed:
		// getOrCreatePeer sees the failed state and re-establishes on
		// the next dial.
		wn.logger.Warn("WebRTC connection failed", "peer", state.peer)

	case webrtc.ICEConnectionStateClosed:
		wn.forget(state)
	}
}

// openDataChannel creates a new ordered, reliable data channel on the
// peer's PeerConnection and returns it as a net.Conn.
func (wn *WebRTCNetwork) openDataChannel(ctx context.Context, state *peerConnection) (net.Conn, error) {
	label := fmt.Sprintf("artifactp2p-%d", wn.channelCounter.Add(1))

	ordered := true
	dc, err := state.connection.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}

	opened := make(chan struct{})
	dc.OnOpen(func() {
		close(opened)
	})

	select {
	case <-opened:
	case <-time.After(dataChannelOpenTimeout):
		dc.Close()
		return nil, fmt.Errorf("data channel %s did not open within %s", label, dataChannelOpenTimeout)
	case <-ctx.Done():
		dc.Close()
		return nil, ctx.Err()
	case <-wn.closed:
		dc.Close()
		return nil, net.ErrClosed
	}

	rawChannel, err := dc.Detach()
	if err != nil {
		dc.Close()
		return nil, fmt.Errorf("detaching data channel %s: %w", label, err)
	}

	return NewDataChannelConn(rawChannel, wn.self+"/"+label, state.peer+"/"+label), nil
}

// newPeerConnection creates a pion PeerConnection with the current ICE config.
func (wn *WebRTCNetwork) newPeerConnection() (*webrtc.PeerConnection, error) {
	wn.configMu.RLock()
	config := webrtc.Configuration{
		ICEServers: wn.iceConfig.Servers,
	}
	wn.configMu.RUnlock()

	// Detached data channels give stream access; loopback candidates
	// make same-host nodes and tests reachable.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}
