// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import "github.com/pion/webrtc/v4"

// ICEConfig selects the STUN and TURN servers handed to every peer
// connection. The zero value means host candidates only, which is
// enough for tests and LAN use.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// DefaultICEConfig returns the public STUN servers used when the
// deployment does not provide its own.
func DefaultICEConfig() ICEConfig {
	return ICEConfig{
		Servers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

func (c ICEConfig) configuration() webrtc.Configuration {
	return webrtc.Configuration{ICEServers: c.Servers}
}
