// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/pion/webrtc/v4"
)

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering. Order matters: pion tries them in sequence.
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds an ICEConfig with one credential-free
// server entry for the given STUN URLs. With no URLs the config has
// only host candidates, which is enough for same-host and same-LAN
// nodes.
func ICEConfigFromURLs(urls []string) ICEConfig {
	if len(urls) == 0 {
		return ICEConfig{}
	}
	return ICEConfig{
		Servers: []webrtc.ICEServer{{URLs: urls}},
	}
}

// WithTURN returns a copy of config with a TURN server appended.
func (config ICEConfig) WithTURN(urls []string, username, credential string) ICEConfig {
	if len(urls) == 0 {
		return config
	}
	servers := append([]webrtc.ICEServer(nil), config.Servers...)
	servers = append(servers, webrtc.ICEServer{
		URLs:       urls,
		Username:   username,
		Credential: credential,
	})
	return ICEConfig{Servers: servers}
}
