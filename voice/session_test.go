// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/harmonium-chat/voicemesh/signaling"
)

// sentLog captures the messages a session hands to Send.
type sentLog struct {
	mu   sync.Mutex
	msgs []signaling.Message
	err  error
}

func (l *sentLog) send(msg signaling.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.msgs = append(l.msgs, msg)
	return nil
}

func (l *sentLog) byType(t signaling.Type) []signaling.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var matched []signaling.Message
	for _, msg := range l.msgs {
		if msg.Type == t {
			matched = append(matched, msg)
		}
	}
	return matched
}

func newTestSession(t *testing.T, selfID, peerID string) (*PeerSession, *fakeFactory, *sentLog) {
	t.Helper()
	factory := &fakeFactory{}
	log := &sentLog{}
	session := NewPeerSession(SessionConfig{
		SelfID:  selfID,
		PeerID:  peerID,
		Factory: factory,
		Send:    log.send,
		Logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	return session, factory, log
}

func TestInitiateSendsOffer(t *testing.T) {
	session, factory, log := newTestSession(t, "alice", "bob")

	if err := session.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if got := session.State(); got != StateOfferSent {
		t.Errorf("State = %v, want %v", got, StateOfferSent)
	}

	offers := log.byType(signaling.TypeOffer)
	if len(offers) != 1 {
		t.Fatalf("sent %d offers, want 1", len(offers))
	}
	if offers[0].From != "alice" || offers[0].To != "bob" {
		t.Errorf("offer addressed %s→%s, want alice→bob", offers[0].From, offers[0].To)
	}
	if factory.connCount() != 1 {
		t.Errorf("created %d connections, want 1", factory.connCount())
	}
}

func TestInitiateTwiceRejected(t *testing.T) {
	session, _, _ := newTestSession(t, "alice", "bob")
	if err := session.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	err := session.Initiate()
	if KindOf(err) != KindNegotiation {
		t.Errorf("second Initiate error = %v, want KindNegotiation", err)
	}
}

func TestHandleOfferAnswers(t *testing.T) {
	session, factory, log := newTestSession(t, "bob", "alice")

	err := session.HandleOffer(signaling.DescriptionPayload{Type: "offer", SDP: "remote-offer"})
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if got := session.State(); got != StateAnswerExchanged {
		t.Errorf("State = %v, want %v", got, StateAnswerExchanged)
	}

	answers := log.byType(signaling.TypeAnswer)
	if len(answers) != 1 {
		t.Fatalf("sent %d answers, want 1", len(answers))
	}
	remote := factory.conn(0).remoteDescriptions()
	if len(remote) != 1 || remote[0].SDP != "remote-offer" {
		t.Errorf("remote descriptions = %+v, want the incoming offer", remote)
	}
}

func TestHandleAnswerCompletesExchange(t *testing.T) {
	session, factory, _ := newTestSession(t, "alice", "bob")
	if err := session.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	err := session.HandleAnswer(signaling.DescriptionPayload{Type: "answer", SDP: "remote-answer"})
	if err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if got := session.State(); got != StateAnswerExchanged {
		t.Errorf("State = %v, want %v", got, StateAnswerExchanged)
	}
	remote := factory.conn(0).remoteDescriptions()
	if len(remote) != 1 || remote[0].Type != webrtc.SDPTypeAnswer {
		t.Errorf("remote descriptions = %+v, want one answer", remote)
	}
}

func TestHandleAnswerWithoutOfferRejected(t *testing.T) {
	session, _, _ := newTestSession(t, "alice", "bob")
	err := session.HandleAnswer(signaling.DescriptionPayload{Type: "answer", SDP: "x"})
	if KindOf(err) != KindNegotiation {
		t.Errorf("error = %v, want KindNegotiation", err)
	}
}

// Glare: when both sides offer at once, the lexicographically smaller
// id rolls back and answers; the larger id ignores the incoming offer.

func TestGlareSmallerIDRollsBackAndAnswers(t *testing.T) {
	session, factory, log := newTestSession(t, "alice", "bob")
	if err := session.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	err := session.HandleOffer(signaling.DescriptionPayload{Type: "offer", SDP: "bob-offer"})
	if err != nil {
		t.Fatalf("HandleOffer during glare: %v", err)
	}
	if got := factory.conn(0).rollbackCount(); got != 1 {
		t.Errorf("rollbacks = %d, want 1", got)
	}
	if got := len(log.byType(signaling.TypeAnswer)); got != 1 {
		t.Errorf("sent %d answers, want 1", got)
	}
	if got := session.State(); got != StateAnswerExchanged {
		t.Errorf("State = %v, want %v", got, StateAnswerExchanged)
	}
}

func TestGlareLargerIDIgnoresOffer(t *testing.T) {
	session, factory, log := newTestSession(t, "bob", "alice")
	if err := session.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	err := session.HandleOffer(signaling.DescriptionPayload{Type: "offer", SDP: "alice-offer"})
	if err != nil {
		t.Fatalf("HandleOffer during glare: %v", err)
	}
	if got := factory.conn(0).rollbackCount(); got != 0 {
		t.Errorf("rollbacks = %d, want 0", got)
	}
	if got := len(log.byType(signaling.TypeAnswer)); got != 0 {
		t.Errorf("sent %d answers, want 0", got)
	}
	if got := session.State(); got != StateOfferSent {
		t.Errorf("State = %v, want %v", got, StateOfferSent)
	}

	// The peer's answer to our surviving offer still lands.
	if err := session.HandleAnswer(signaling.DescriptionPayload{Type: "answer", SDP: "alice-answer"}); err != nil {
		t.Fatalf("HandleAnswer after glare: %v", err)
	}
	if got := session.State(); got != StateAnswerExchanged {
		t.Errorf("State = %v, want %v", got, StateAnswerExchanged)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	session, factory, _ := newTestSession(t, "alice", "bob")
	if err := session.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	for i := 0; i < 3; i++ {
		candidate := webrtc.ICECandidateInit{Candidate: fmt.Sprintf("cand-%d", i)}
		if err := session.HandleCandidate(candidate); err != nil {
			t.Fatalf("HandleCandidate(%d): %v", i, err)
		}
	}
	if got := factory.conn(0).appliedCandidates(); len(got) != 0 {
		t.Fatalf("candidates applied before remote description: %+v", got)
	}

	if err := session.HandleAnswer(signaling.DescriptionPayload{Type: "answer", SDP: "a"}); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	applied := factory.conn(0).appliedCandidates()
	if len(applied) != 3 {
		t.Fatalf("applied %d candidates, want 3", len(applied))
	}
	for i, candidate := range applied {
		if want := fmt.Sprintf("cand-%d", i); candidate.Candidate != want {
			t.Errorf("applied[%d] = %q, want %q (arrival order)", i, candidate.Candidate, want)
		}
	}
}

func TestCandidateBufferDropsOldest(t *testing.T) {
	session, factory, _ := newTestSession(t, "alice", "bob")
	if err := session.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	total := maxPendingCandidates + 6
	for i := 0; i < total; i++ {
		candidate := webrtc.ICECandidateInit{Candidate: fmt.Sprintf("cand-%d", i)}
		if err := session.HandleCandidate(candidate); err != nil {
			t.Fatalf("HandleCandidate(%d): %v", i, err)
		}
	}
	if err := session.HandleAnswer(signaling.DescriptionPayload{Type: "answer", SDP: "a"}); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}

	applied := factory.conn(0).appliedCandidates()
	if len(applied) != maxPendingCandidates {
		t.Fatalf("applied %d candidates, want %d", len(applied), maxPendingCandidates)
	}
	if want := fmt.Sprintf("cand-%d", total-maxPendingCandidates); applied[0].Candidate != want {
		t.Errorf("applied[0] = %q, want %q (oldest dropped)", applied[0].Candidate, want)
	}
	if want := fmt.Sprintf("cand-%d", total-1); applied[len(applied)-1].Candidate != want {
		t.Errorf("applied[last] = %q, want %q", applied[len(applied)-1].Candidate, want)
	}
}

func TestCandidateAfterRemoteAppliesDirectly(t *testing.T) {
	session, factory, _ := newTestSession(t, "alice", "bob")
	if err := session.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := session.HandleAnswer(signaling.DescriptionPayload{Type: "answer", SDP: "a"}); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	if err := session.HandleCandidate(webrtc.ICECandidateInit{Candidate: "late"}); err != nil {
		t.Fatalf("HandleCandidate: %v", err)
	}
	applied := factory.conn(0).appliedCandidates()
	if len(applied) != 1 || applied[0].Candidate != "late" {
		t.Errorf("applied = %+v, want the late candidate directly", applied)
	}
}

func TestConnectedStateFiresCallback(t *testing.T) {
	factory := &fakeFactory{}
	log := &sentLog{}
	connected := make(chan string, 1)
	session := NewPeerSession(SessionConfig{
		SelfID:  "alice",
		PeerID:  "bob",
		Factory: factory,
		Send:    log.send,
		Logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
		OnConnected: func(peerID string) {
			connected <- peerID
		},
	})
	if err := session.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	factory.conn(0).fireState(webrtc.PeerConnectionStateConnected)

	if got := session.State(); got != StateConnected {
		t.Errorf("State = %v, want %v", got, StateConnected)
	}
	select {
	case peerID := <-connected:
		if peerID != "bob" {
			t.Errorf("OnConnected peer = %q, want bob", peerID)
		}
	default:
		t.Error("OnConnected never fired")
	}
}

func TestFailureReinitiatesExactlyOnce(t *testing.T) {
	session, factory, log := newTestSession(t, "alice", "bob")
	if err := session.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	factory.conn(0).fireState(webrtc.PeerConnectionStateFailed)

	if !factory.conn(0).isClosed() {
		t.Error("failed connection not closed")
	}
	if factory.connCount() != 2 {
		t.Fatalf("connections = %d, want 2 (one rebuild)", factory.connCount())
	}
	if got := len(log.byType(signaling.TypeOffer)); got != 2 {
		t.Errorf("offers sent = %d, want 2", got)
	}
	if got := session.State(); got != StateOfferSent {
		t.Errorf("State = %v, want %v", got, StateOfferSent)
	}

	// A second failure without an intervening Connected gives up.
	factory.conn(1).fireState(webrtc.PeerConnectionStateFailed)
	if factory.connCount() != 2 {
		t.Errorf("connections = %d after second failure, want 2", factory.connCount())
	}
	if got := session.State(); got != StateFailed {
		t.Errorf("State = %v, want %v", got, StateFailed)
	}
}

func TestConnectedResetsRetryBudget(t *testing.T) {
	session, factory, _ := newTestSession(t, "alice", "bob")
	if err := session.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	factory.conn(0).fireState(webrtc.PeerConnectionStateFailed)
	factory.conn(1).fireState(webrtc.PeerConnectionStateConnected)
	factory.conn(1).fireState(webrtc.PeerConnectionStateFailed)

	if factory.connCount() != 3 {
		t.Errorf("connections = %d, want 3 (budget reset by Connected)", factory.connCount())
	}
	if got := session.State(); got != StateOfferSent {
		t.Errorf("State = %v, want %v", got, StateOfferSent)
	}
}

func TestRenegotiateFromConnected(t *testing.T) {
	session, factory, log := newTestSession(t, "alice", "bob")
	if err := session.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := session.Renegotiate(); KindOf(err) != KindNegotiation {
		t.Errorf("Renegotiate before Connected = %v, want KindNegotiation", err)
	}

	factory.conn(0).fireState(webrtc.PeerConnectionStateConnected)
	if err := session.Renegotiate(); err != nil {
		t.Fatalf("Renegotiate: %v", err)
	}
	if got := session.State(); got != StateConnected {
		t.Errorf("State = %v during renegotiation, want %v", got, StateConnected)
	}
	if got := len(log.byType(signaling.TypeOffer)); got != 2 {
		t.Errorf("offers sent = %d, want 2", got)
	}

	// The renegotiation answer lands without leaving Connected.
	if err := session.HandleAnswer(signaling.DescriptionPayload{Type: "answer", SDP: "renew"}); err != nil {
		t.Fatalf("HandleAnswer during renegotiation: %v", err)
	}
	if got := session.State(); got != StateConnected {
		t.Errorf("State = %v after renegotiation, want %v", got, StateConnected)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	session, factory, _ := newTestSession(t, "alice", "bob")
	if err := session.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	session.Close()
	session.Close()

	if !factory.conn(0).isClosed() {
		t.Error("connection not closed")
	}
	if got := session.State(); got != StateClosed {
		t.Errorf("State = %v, want %v", got, StateClosed)
	}

	// Late traffic is dropped silently.
	if err := session.HandleCandidate(webrtc.ICECandidateInit{Candidate: "late"}); err != nil {
		t.Errorf("HandleCandidate after Close = %v, want nil", err)
	}
	if err := session.HandleOffer(signaling.DescriptionPayload{Type: "offer", SDP: "x"}); KindOf(err) != KindNegotiation {
		t.Errorf("HandleOffer after Close = %v, want KindNegotiation", err)
	}
}

func TestLocalCandidatesTrickledToPeer(t *testing.T) {
	session, factory, log := newTestSession(t, "alice", "bob")
	if err := session.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	factory.conn(0).fireCandidate(webrtc.ICECandidateInit{Candidate: "local-1"})

	sent := log.byType(signaling.TypeCandidate)
	if len(sent) != 1 {
		t.Fatalf("sent %d candidate messages, want 1", len(sent))
	}
	if sent[0].To != "bob" {
		t.Errorf("candidate directed to %q, want bob", sent[0].To)
	}
	payload, err := sent[0].Candidate()
	if err != nil {
		t.Fatalf("decoding candidate payload: %v", err)
	}
	if payload.Candidate.Candidate != "local-1" {
		t.Errorf("candidate = %q, want local-1", payload.Candidate.Candidate)
	}

	session.Close()
	factory.conn(0).fireCandidate(webrtc.ICECandidateInit{Candidate: "local-2"})
	if got := len(log.byType(signaling.TypeCandidate)); got != 1 {
		t.Errorf("candidates sent after Close = %d, want 1", got)
	}
}

func TestBrokenRemoteDescriptionSurfacesNegotiationError(t *testing.T) {
	session, factory, _ := newTestSession(t, "alice", "bob")
	if err := session.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	factory.conn(0).mu.Lock()
	factory.conn(0).setRemoteErr = fmt.Errorf("bad sdp")
	factory.conn(0).mu.Unlock()

	err := session.HandleAnswer(signaling.DescriptionPayload{Type: "answer", SDP: "broken"})
	if KindOf(err) != KindNegotiation {
		t.Errorf("error = %v, want KindNegotiation", err)
	}
}

func TestNegotiationNeededRenegotiatesWhenConnected(t *testing.T) {
	session, factory, log := newTestSession(t, "alice", "bob")
	if err := session.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := session.HandleAnswer(signaling.DescriptionPayload{Type: "answer", SDP: "bob-answer-1"}); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}
	conn := factory.conn(0)
	conn.fireState(webrtc.PeerConnectionStateConnected)

	// The connection reports a changed media configuration, e.g. a
	// track ended. A fresh offer goes out on the same connection.
	conn.fireNegotiationNeeded()

	if got := session.State(); got != StateConnected {
		t.Errorf("State = %v, want %v", got, StateConnected)
	}
	if got := len(log.byType(signaling.TypeOffer)); got != 2 {
		t.Fatalf("sent %d offers, want 2", got)
	}
	if got := factory.connCount(); got != 1 {
		t.Errorf("created %d connections, want 1", got)
	}

	// A repeat signal while the renegotiation is in flight must not
	// stack another offer.
	conn.fireNegotiationNeeded()
	if got := len(log.byType(signaling.TypeOffer)); got != 2 {
		t.Errorf("sent %d offers after repeat signal, want 2", got)
	}

	if err := session.HandleAnswer(signaling.DescriptionPayload{Type: "answer", SDP: "bob-answer-2"}); err != nil {
		t.Fatalf("renegotiation HandleAnswer: %v", err)
	}
	if got := session.State(); got != StateConnected {
		t.Errorf("State after renegotiation = %v, want %v", got, StateConnected)
	}
}

func TestNegotiationNeededIgnoredBeforeConnected(t *testing.T) {
	session, factory, log := newTestSession(t, "alice", "bob")
	if err := session.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	// The initial exchange is driven explicitly; the signal fires on
	// pion's own schedule and must not double the first offer.
	factory.conn(0).fireNegotiationNeeded()

	if got := len(log.byType(signaling.TypeOffer)); got != 1 {
		t.Errorf("sent %d offers, want 1", got)
	}
	if got := session.State(); got != StateOfferSent {
		t.Errorf("State = %v, want %v", got, StateOfferSent)
	}
}
