// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/harmonium-chat/voicemesh/signaling"
)

// SessionState is the negotiation state of one peer session.
type SessionState int

const (
	StateNew SessionState = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerExchanged
	StateConnected
	StateFailed
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerExchanged:
		return "answer-exchanged"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// maxPendingCandidates bounds the buffer of ICE candidates that
// arrive before the remote description. On overflow the oldest is
// dropped; late candidates are redundant once newer ones connect.
const maxPendingCandidates = 64

// SessionConfig wires one PeerSession. All fields except the
// callbacks are required.
type SessionConfig struct {
	// SelfID and PeerID are the two endpoints. Their lexicographic
	// order decides offer glare: the smaller id rolls its own offer
	// back and answers, so the larger id's offer always survives.
	SelfID string
	PeerID string

	Factory ConnectionFactory
	ICE     ICEConfig

	// LocalTrack is the shared microphone track attached to the
	// connection before the first offer, so audio is negotiated in
	// the initial exchange. May be nil in receive-only sessions.
	LocalTrack webrtc.TrackLocal

	// Send delivers a signaling message to the peer. Failures are
	// classified KindTransport; the reconnection controller owns the
	// channel, not the session.
	Send func(signaling.Message) error

	Logger *slog.Logger

	// OnConnected fires when media is flowing. OnTrack hands over the
	// remote audio track. Both are invoked from connection goroutines.
	OnConnected func(peerID string)
	OnTrack     func(peerID string, track *webrtc.TrackRemote)
}

// PeerSession negotiates and maintains one WebRTC connection to one
// remote participant. Methods are safe for concurrent use; in
// practice signaling handlers arrive on the channel read loop and
// connection callbacks on pion goroutines.
type PeerSession struct {
	cfg    SessionConfig
	logger *slog.Logger

	mu            sync.Mutex
	state         SessionState
	conn          Connection
	pending       []webrtc.ICECandidateInit
	remoteSet     bool
	renegotiating bool
	retried       bool
}

// NewPeerSession creates a session in StateNew. No network activity
// happens until Initiate or HandleOffer.
func NewPeerSession(cfg SessionConfig) *PeerSession {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerSession{
		cfg:    cfg,
		logger: logger.With("peer", cfg.PeerID),
	}
}

func (s *PeerSession) PeerID() string { return s.cfg.PeerID }

// State reports the current negotiation state.
func (s *PeerSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ensureConnLocked lazily creates the underlying connection and
// attaches the local track and handlers.
func (s *PeerSession) ensureConnLocked() error {
	if s.conn != nil {
		return nil
	}
	conn, err := s.cfg.Factory.NewConnection(s.cfg.ICE)
	if err != nil {
		return wrapError(KindNegotiation, err, "creating connection for %s", s.cfg.PeerID)
	}
	conn.OnICECandidate(s.sendCandidate)
	conn.OnTrack(s.handleRemoteTrack)
	conn.OnStateChange(s.handleConnectionState)
	conn.OnNegotiationNeeded(s.handleNegotiationNeeded)
	if s.cfg.LocalTrack != nil {
		if err := conn.AddTrack(s.cfg.LocalTrack); err != nil {
			conn.Close()
			return wrapError(KindNegotiation, err, "attaching local track for %s", s.cfg.PeerID)
		}
	}
	s.conn = conn
	return nil
}

// Initiate creates and sends an offer. Valid only in StateNew.
func (s *PeerSession) Initiate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNew {
		return newError(KindNegotiation, "initiate to %s from state %s", s.cfg.PeerID, s.state)
	}
	return s.sendOfferLocked()
}

func (s *PeerSession) sendOfferLocked() error {
	if err := s.ensureConnLocked(); err != nil {
		return err
	}
	offer, err := s.conn.CreateOffer()
	if err != nil {
		return wrapError(KindNegotiation, err, "creating offer for %s", s.cfg.PeerID)
	}
	if err := s.conn.SetLocalDescription(offer); err != nil {
		return wrapError(KindNegotiation, err, "applying local offer for %s", s.cfg.PeerID)
	}
	if err := s.cfg.Send(signaling.NewOffer(s.cfg.SelfID, s.cfg.PeerID, offer.SDP)); err != nil {
		return wrapError(KindTransport, err, "sending offer to %s", s.cfg.PeerID)
	}
	if s.state != StateConnected {
		s.state = StateOfferSent
	}
	s.logger.Debug("offer sent")
	return nil
}

// HandleOffer applies a remote offer and replies with an answer.
// Valid in StateNew, in StateOfferSent (glare), and in StateConnected
// (peer-initiated renegotiation).
func (s *PeerSession) HandleOffer(desc signaling.DescriptionPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateNew:
		s.state = StateOfferReceived
	case StateOfferSent:
		// Glare: both sides offered at once. The lexicographically
		// smaller id yields, rolling back its own offer and answering
		// the peer's; the larger id ignores the incoming offer and
		// waits for the answer to its own.
		if s.cfg.SelfID > s.cfg.PeerID {
			s.logger.Debug("glare: ignoring offer, our offer has priority")
			return nil
		}
		if err := s.conn.RollbackLocalDescription(); err != nil {
			return wrapError(KindNegotiation, err, "rolling back offer for %s", s.cfg.PeerID)
		}
		s.logger.Debug("glare: rolled back our offer, answering")
		s.state = StateOfferReceived
	case StateConnected:
		// Renegotiation from the remote side: apply on the live
		// connection, state stays Connected.
	default:
		return newError(KindNegotiation, "offer from %s in state %s", s.cfg.PeerID, s.state)
	}

	if err := s.ensureConnLocked(); err != nil {
		return err
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP}
	if err := s.conn.SetRemoteDescription(remote); err != nil {
		return wrapError(KindNegotiation, err, "applying remote offer from %s", s.cfg.PeerID)
	}
	s.remoteSet = true
	s.flushPendingLocked()

	answer, err := s.conn.CreateAnswer()
	if err != nil {
		return wrapError(KindNegotiation, err, "creating answer for %s", s.cfg.PeerID)
	}
	if err := s.conn.SetLocalDescription(answer); err != nil {
		return wrapError(KindNegotiation, err, "applying local answer for %s", s.cfg.PeerID)
	}
	if err := s.cfg.Send(signaling.NewAnswer(s.cfg.SelfID, s.cfg.PeerID, answer.SDP)); err != nil {
		return wrapError(KindTransport, err, "sending answer to %s", s.cfg.PeerID)
	}
	if s.state != StateConnected {
		s.state = StateAnswerExchanged
	}
	s.logger.Debug("answer sent")
	return nil
}

// HandleAnswer applies a remote answer to our outstanding offer.
// Valid in StateOfferSent, or in StateConnected while renegotiating.
func (s *PeerSession) HandleAnswer(desc signaling.DescriptionPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateOfferSent:
	case s.state == StateConnected && s.renegotiating:
		s.renegotiating = false
	default:
		return newError(KindNegotiation, "answer from %s in state %s", s.cfg.PeerID, s.state)
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP}
	if err := s.conn.SetRemoteDescription(remote); err != nil {
		return wrapError(KindNegotiation, err, "applying remote answer from %s", s.cfg.PeerID)
	}
	s.remoteSet = true
	s.flushPendingLocked()
	if s.state != StateConnected {
		s.state = StateAnswerExchanged
	}
	s.logger.Debug("answer applied")
	return nil
}

// HandleCandidate applies a trickled remote candidate, buffering it
// if the remote description has not landed yet. Candidates arriving
// after Close are dropped silently.
func (s *PeerSession) HandleCandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateFailed {
		return nil
	}
	if !s.remoteSet {
		if len(s.pending) == maxPendingCandidates {
			copy(s.pending, s.pending[1:])
			s.pending = s.pending[:maxPendingCandidates-1]
			s.logger.Warn("candidate buffer full, dropped oldest")
		}
		s.pending = append(s.pending, candidate)
		return nil
	}
	if err := s.conn.AddICECandidate(candidate); err != nil {
		return wrapError(KindNegotiation, err, "applying candidate from %s", s.cfg.PeerID)
	}
	return nil
}

// flushPendingLocked applies buffered candidates in arrival order.
// Individual failures are logged, not fatal: one stale candidate must
// not abort the rest.
func (s *PeerSession) flushPendingLocked() {
	for _, candidate := range s.pending {
		if err := s.conn.AddICECandidate(candidate); err != nil {
			s.logger.Warn("buffered candidate rejected", "error", err)
		}
	}
	s.pending = nil
}

// handleNegotiationNeeded reacts to the connection asking for a new
// offer exchange, e.g. because a media track ended. The initial
// exchange is driven explicitly, so the signal is ignored until the
// session is Connected; pion also fires it for our own outstanding
// renegotiation, which must not stack a second offer.
func (s *PeerSession) handleNegotiationNeeded() {
	s.mu.Lock()
	skip := s.state != StateConnected || s.renegotiating
	s.mu.Unlock()
	if skip {
		return
	}
	s.logger.Debug("renegotiation needed")
	if err := s.Renegotiate(); err != nil {
		s.logger.Warn("renegotiation failed", "error", err)
	}
}

// Renegotiate sends a fresh offer on the live connection, e.g. after
// the local track set changed. Valid only in StateConnected.
func (s *PeerSession) Renegotiate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return newError(KindNegotiation, "renegotiate with %s in state %s", s.cfg.PeerID, s.state)
	}
	s.renegotiating = true
	if err := s.sendOfferLocked(); err != nil {
		s.renegotiating = false
		return err
	}
	return nil
}

// Close tears the session down. Idempotent; no messages are sent.
func (s *PeerSession) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.pending = nil
	s.state = StateClosed
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.logger.Debug("session closed")
}

// sendCandidate trickles a local candidate to the peer. Runs on a
// connection goroutine.
func (s *PeerSession) sendCandidate(candidate webrtc.ICECandidateInit) {
	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		return
	}
	msg := signaling.NewCandidate(s.cfg.SelfID, s.cfg.PeerID, candidate)
	if err := s.cfg.Send(msg); err != nil {
		s.logger.Warn("sending candidate failed", "error", err)
	}
}

func (s *PeerSession) handleRemoteTrack(track *webrtc.TrackRemote) {
	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		return
	}
	s.logger.Debug("remote track received")
	if s.cfg.OnTrack != nil {
		s.cfg.OnTrack(s.cfg.PeerID, track)
	}
}

// handleConnectionState reacts to transport state changes. A Failed
// transport triggers at most one automatic re-initiation per
// connected epoch; a second failure parks the session in StateFailed
// for the coordinator to deal with.
func (s *PeerSession) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return
		}
		s.state = StateConnected
		s.retried = false
		s.mu.Unlock()
		s.logger.Info("peer connected")
		if s.cfg.OnConnected != nil {
			s.cfg.OnConnected(s.cfg.PeerID)
		}

	case webrtc.PeerConnectionStateFailed:
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return
		}
		alreadyRetried := s.retried
		s.retried = true
		conn := s.conn
		s.conn = nil
		s.pending = nil
		s.remoteSet = false
		s.renegotiating = false
		if alreadyRetried {
			s.state = StateFailed
		} else {
			s.state = StateNew
		}
		s.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		if alreadyRetried {
			s.logger.Warn("peer connection failed again, giving up")
			return
		}
		s.logger.Warn("peer connection failed, re-initiating")
		if err := s.Initiate(); err != nil {
			s.logger.Error("re-initiation failed", "error", err)
		}

	case webrtc.PeerConnectionStateDisconnected:
		// Often transient; pion recovers or escalates to Failed.
		s.logger.Debug("peer connection disconnected")
	}
}
