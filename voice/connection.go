// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Connection is the slice of a WebRTC peer connection that the
// session state machine drives. Production code uses pion through
// [PionFactory]; tests substitute a scripted fake.
type Connection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error

	// RollbackLocalDescription discards a pending local offer. Used
	// by the losing side of offer glare.
	RollbackLocalDescription() error

	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) error

	// Handlers must be registered before negotiation starts and are
	// invoked from the connection's own goroutines.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(*webrtc.TrackRemote))
	OnStateChange(func(webrtc.PeerConnectionState))

	// OnNegotiationNeeded fires when the media configuration changed
	// under an established connection, e.g. a track ended, and a fresh
	// offer exchange is required.
	OnNegotiationNeeded(func())

	Close() error
}

// ConnectionFactory mints one Connection per peer session.
type ConnectionFactory interface {
	NewConnection(config ICEConfig) (Connection, error)
}

// PionFactory builds real pion peer connections. Loopback candidates
// are enabled so two processes on one host can reach each other.
type PionFactory struct {
	api *webrtc.API
}

var _ ConnectionFactory = (*PionFactory)(nil)

func NewPionFactory() (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)
	return &PionFactory{api: api}, nil
}

func (f *PionFactory) NewConnection(config ICEConfig) (Connection, error) {
	pc, err := f.api.NewPeerConnection(config.configuration())
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	return &pionConnection{pc: pc}, nil
}

type pionConnection struct {
	pc *webrtc.PeerConnection
}

var _ Connection = (*pionConnection)(nil)

func (c *pionConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConnection) RollbackLocalDescription() error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (c *pionConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConnection) AddTrack(track webrtc.TrackLocal) error {
	_, err := c.pc.AddTrack(track)
	return err
}

func (c *pionConnection) OnICECandidate(handler func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// pion signals end-of-candidates with nil; the wire protocol
		// has no message for it.
		if candidate == nil {
			return
		}
		handler(candidate.ToJSON())
	})
}

func (c *pionConnection) OnTrack(handler func(*webrtc.TrackRemote)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		handler(track)
	})
}

func (c *pionConnection) OnStateChange(handler func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(handler)
}

func (c *pionConnection) OnNegotiationNeeded(handler func()) {
	c.pc.OnNegotiationNeeded(handler)
}

func (c *pionConnection) Close() error {
	return c.pc.Close()
}
