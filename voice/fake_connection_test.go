// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// fakeConn is a scripted Connection. SDP strings are synthetic labels
// so tests can follow which description landed where.
type fakeConn struct {
	label string

	mu          sync.Mutex
	offerSeq    int
	answerSeq   int
	local       []webrtc.SessionDescription
	remote      []webrtc.SessionDescription
	rollbacks   int
	candidates  []webrtc.ICECandidateInit
	tracksAdded int
	closed      bool

	offerErr     error
	answerErr    error
	setRemoteErr error
	candidateErr error

	onCandidate   func(webrtc.ICECandidateInit)
	onTrack       func(*webrtc.TrackRemote)
	onState       func(webrtc.PeerConnectionState)
	onNegotiation func()
}

var _ Connection = (*fakeConn)(nil)

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offerErr != nil {
		return webrtc.SessionDescription{}, c.offerErr
	}
	c.offerSeq++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("%s-offer-%d", c.label, c.offerSeq),
	}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answerErr != nil {
		return webrtc.SessionDescription{}, c.answerErr
	}
	c.answerSeq++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("%s-answer-%d", c.label, c.answerSeq),
	}, nil
}

func (c *fakeConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = append(c.local, desc)
	return nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setRemoteErr != nil {
		return c.setRemoteErr
	}
	c.remote = append(c.remote, desc)
	return nil
}

func (c *fakeConn) RollbackLocalDescription() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbacks++
	return nil
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.candidateErr != nil {
		return c.candidateErr
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) AddTrack(webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracksAdded++
	return nil
}

func (c *fakeConn) OnICECandidate(handler func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = handler
}

func (c *fakeConn) OnTrack(handler func(*webrtc.TrackRemote)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = handler
}

func (c *fakeConn) OnStateChange(handler func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

func (c *fakeConn) OnNegotiationNeeded(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNegotiation = handler
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) fireState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	handler := c.onState
	c.mu.Unlock()
	if handler != nil {
		handler(state)
	}
}

func (c *fakeConn) fireCandidate(candidate webrtc.ICECandidateInit) {
	c.mu.Lock()
	handler := c.onCandidate
	c.mu.Unlock()
	if handler != nil {
		handler(candidate)
	}
}

func (c *fakeConn) fireNegotiationNeeded() {
	c.mu.Lock()
	handler := c.onNegotiation
	c.mu.Unlock()
	if handler != nil {
		handler()
	}
}

func (c *fakeConn) fireTrack(track *webrtc.TrackRemote) {
	c.mu.Lock()
	handler := c.onTrack
	c.mu.Unlock()
	if handler != nil {
		handler(track)
	}
}

func (c *fakeConn) appliedCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *fakeConn) remoteDescriptions() []webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), c.remote...)
}

func (c *fakeConn) rollbackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbacks
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeFactory mints fakeConns and remembers them in creation order.
type fakeFactory struct {
	mu    sync.Mutex
	seq   int
	err   error
	conns []*fakeConn
}

var _ ConnectionFactory = (*fakeFactory)(nil)

func (f *fakeFactory) NewConnection(ICEConfig) (Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.seq++
	conn := &fakeConn{label: fmt.Sprintf("conn%d", f.seq)}
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeFactory) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

func (f *fakeFactory) lastConn() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *fakeFactory) totalOffers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, conn := range f.conns {
		conn.mu.Lock()
		total += conn.offerSeq
		conn.mu.Unlock()
	}
	return total
}
