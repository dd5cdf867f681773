// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harmonium-chat/voicemesh/lib/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestChannel(server *MemoryServer, user ParticipantInfo) *Channel {
	return NewChannel(server.Dialer(user), "wss://chat.test/api/v1", discardLogger())
}

func TestChannelConnectRequiresToken(t *testing.T) {
	channel := newTestChannel(NewMemoryServer(), ParticipantInfo{ID: "u1", Username: "ana"})
	if err := channel.Connect(context.Background(), "general", ""); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Connect without token = %v, want ErrNoToken", err)
	}
}

func TestChannelSendBeforeConnect(t *testing.T) {
	channel := newTestChannel(NewMemoryServer(), ParticipantInfo{ID: "u1", Username: "ana"})
	if err := channel.Send(NewLeave("u1")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send before connect = %v, want ErrNotConnected", err)
	}
}

func TestChannelConnectTwice(t *testing.T) {
	server := NewMemoryServer()
	channel := newTestChannel(server, ParticipantInfo{ID: "u1", Username: "ana"})
	if err := channel.Connect(context.Background(), "general", "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer channel.Close()

	if err := channel.Connect(context.Background(), "general", "tok"); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect = %v, want ErrAlreadyConnected", err)
	}
}

func TestChannelSnapshotOnConnect(t *testing.T) {
	server := NewMemoryServer()
	channel := newTestChannel(server, ParticipantInfo{ID: "u1", Username: "ana"})

	messages := make(chan Message, 16)
	channel.OnMessage(func(m Message) { messages <- m })

	if err := channel.Connect(context.Background(), "general", "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer channel.Close()

	msg := testutil.RequireReceive(t, messages, 5*time.Second, "participants snapshot")
	if msg.Type != TypeParticipants {
		t.Fatalf("first message type = %q, want participants_list", msg.Type)
	}
	snapshot, err := msg.Participants()
	if err != nil {
		t.Fatalf("Participants failed: %v", err)
	}
	// The server includes the connecting user itself.
	if len(snapshot.Participants) != 1 || snapshot.Participants[0].ID != "u1" {
		t.Errorf("snapshot = %+v, want just u1", snapshot.Participants)
	}
}

func TestChannelDirectedRouting(t *testing.T) {
	server := NewMemoryServer()
	ana := newTestChannel(server, ParticipantInfo{ID: "u1", Username: "ana"})
	bo := newTestChannel(server, ParticipantInfo{ID: "u2", Username: "bo"})

	boMessages := make(chan Message, 16)
	bo.OnMessage(func(m Message) { boMessages <- m })

	if err := ana.Connect(context.Background(), "general", "tok"); err != nil {
		t.Fatalf("ana Connect failed: %v", err)
	}
	defer ana.Close()
	if err := bo.Connect(context.Background(), "general", "tok"); err != nil {
		t.Fatalf("bo Connect failed: %v", err)
	}
	defer bo.Close()

	if err := ana.Send(NewOffer("u1", "u2", "v=0 test offer")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	for {
		msg := testutil.RequireReceive(t, boMessages, 5*time.Second, "offer for bo")
		if msg.Type != TypeOffer {
			continue // Skip the snapshot and join traffic.
		}
		if msg.From != "u1" || msg.To != "u2" {
			t.Fatalf("offer routing = %s→%s, want u1→u2", msg.From, msg.To)
		}
		desc, err := msg.Description()
		if err != nil {
			t.Fatalf("Description failed: %v", err)
		}
		if desc.SDP != "v=0 test offer" {
			t.Errorf("sdp = %q, want original offer", desc.SDP)
		}
		return
	}
}

func TestChannelJoinBroadcastExcludesJoiner(t *testing.T) {
	server := NewMemoryServer()
	ana := newTestChannel(server, ParticipantInfo{ID: "u1", Username: "ana"})

	anaMessages := make(chan Message, 16)
	ana.OnMessage(func(m Message) { anaMessages <- m })

	if err := ana.Connect(context.Background(), "general", "tok"); err != nil {
		t.Fatalf("ana Connect failed: %v", err)
	}
	defer ana.Close()

	bo := newTestChannel(server, ParticipantInfo{ID: "u2", Username: "bo"})
	if err := bo.Connect(context.Background(), "general", "tok"); err != nil {
		t.Fatalf("bo Connect failed: %v", err)
	}
	defer bo.Close()

	// ana sees bo's join; the first frame is ana's own snapshot.
	for {
		msg := testutil.RequireReceive(t, anaMessages, 5*time.Second, "join broadcast")
		if msg.Type != TypeJoin {
			continue
		}
		user, err := msg.JoinUser()
		if err != nil {
			t.Fatalf("JoinUser failed: %v", err)
		}
		if user.ID != "u2" {
			t.Errorf("join user = %q, want u2", user.ID)
		}
		return
	}
}

func TestChannelLocalCloseIsSilent(t *testing.T) {
	server := NewMemoryServer()
	channel := newTestChannel(server, ParticipantInfo{ID: "u1", Username: "ana"})

	closes := make(chan CloseClass, 4)
	channel.OnClose(func(c CloseClass) { closes <- c })

	if err := channel.Connect(context.Background(), "general", "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := channel.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Close is idempotent.
	if err := channel.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	testutil.RequireNoReceive(t, closes, 200*time.Millisecond, "local close must not notify")

	if err := channel.Send(NewLeave("u1")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after Close = %v, want ErrNotConnected", err)
	}
}

func TestChannelAbnormalDropNotifies(t *testing.T) {
	server := NewMemoryServer()
	channel := newTestChannel(server, ParticipantInfo{ID: "u1", Username: "ana"})

	closes := make(chan CloseClass, 4)
	channel.OnClose(func(c CloseClass) { closes <- c })

	if err := channel.Connect(context.Background(), "general", "tok"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	server.Drop("general", "u1", websocket.CloseAbnormalClosure)

	class := testutil.RequireReceive(t, closes, 5*time.Second, "close notification")
	if class != CloseAbnormal {
		t.Errorf("close class = %v, want abnormal", class)
	}
	if channel.Connected() {
		t.Error("channel still reports connected after drop")
	}
}

func TestChannelRejectedToken(t *testing.T) {
	server := NewMemoryServer()
	server.RejectToken("bad")
	channel := newTestChannel(server, ParticipantInfo{ID: "u1", Username: "ana"})

	err := channel.Connect(context.Background(), "general", "bad")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Connect with rejected token = %v, want ErrRejected", err)
	}
}

func TestClassifyClose(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want CloseClass
	}{
		{"normal", &websocket.CloseError{Code: websocket.CloseNormalClosure}, CloseNormal},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, CloseNormal},
		{"policy violation", &websocket.CloseError{Code: websocket.ClosePolicyViolation}, CloseRejected},
		{"app auth code", &websocket.CloseError{Code: 4001}, CloseRejected},
		{"app access code", &websocket.CloseError{Code: 4003}, CloseRejected},
		{"abnormal", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, CloseAbnormal},
		{"internal error", &websocket.CloseError{Code: websocket.CloseInternalServerErr}, CloseAbnormal},
		{"no close frame", io.ErrUnexpectedEOF, CloseAbnormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyClose(tt.err); got != tt.want {
				t.Errorf("ClassifyClose(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestChannelMalformedFrameIsDropped(t *testing.T) {
	server := NewMemoryServer()
	ana := newTestChannel(server, ParticipantInfo{ID: "u1", Username: "ana"})
	bo := newTestChannel(server, ParticipantInfo{ID: "u2", Username: "bo"})

	boMessages := make(chan Message, 16)
	protocolErrors := make(chan error, 16)
	bo.OnMessage(func(m Message) { boMessages <- m })
	bo.OnError(func(err error) { protocolErrors <- err })

	if err := ana.Connect(context.Background(), "general", "tok"); err != nil {
		t.Fatalf("ana Connect failed: %v", err)
	}
	defer ana.Close()
	if err := bo.Connect(context.Background(), "general", "tok"); err != nil {
		t.Fatalf("bo Connect failed: %v", err)
	}
	defer bo.Close()

	// An unroutable type reaches bo as a raw broadcast... except the
	// hub drops frames it cannot parse, exactly like the live server.
	// Send a directed frame with a bogus type straight through the
	// hub by using a well-formed envelope with an unknown tag.
	if err := ana.Send(Message{Type: TypeVoiceState, From: "u1", Payload: []byte(`{"speaking":"yes"}`)}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// The envelope parses (voice_state is routable); the payload is
	// garbage. The channel still delivers the message; payload
	// validation is the consumer's concern.
	for {
		msg := testutil.RequireReceive(t, boMessages, 5*time.Second, "voice_state envelope")
		if msg.Type != TypeVoiceState {
			continue
		}
		if _, err := msg.VoiceState(); err == nil {
			t.Error("VoiceState accepted a garbage payload")
		}
		return
	}
}
