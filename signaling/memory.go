// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// MemoryServer is an in-process signaling hub for tests. It mirrors
// the live voice server's observable behavior: on connect it sends
// the new user a participants_list snapshot (which includes the user
// itself) and broadcasts a join to everyone else; offer, answer, and
// ice-candidate frames are routed by to_user_id; voice_state is
// folded into the snapshot and broadcast; a normal disconnect
// broadcasts a leave. As an extension beyond the live server, a
// client-sent participants_list is answered with a fresh snapshot, so
// the client's best-effort refresh request has a testable reply.
//
// Tests can inject faults: RejectToken simulates an auth denial at
// the handshake, FailDials makes the next n dials fail at the
// transport level, and Drop severs a live connection with an
// arbitrary close code without a leave broadcast.
type MemoryServer struct {
	mu        sync.Mutex
	channels  map[string]map[string]*memoryConn
	rejected  map[string]bool
	failDials int
}

// NewMemoryServer creates an empty hub.
func NewMemoryServer() *MemoryServer {
	return &MemoryServer{
		channels: make(map[string]map[string]*memoryConn),
		rejected: make(map[string]bool),
	}
}

// Dialer returns a Dialer that connects to this hub as the given user.
func (s *MemoryServer) Dialer(user ParticipantInfo) Dialer {
	return &memoryDialer{server: s, user: user}
}

// RejectToken makes future dials carrying this token fail with
// ErrRejected, simulating an auth denial.
func (s *MemoryServer) RejectToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[token] = true
}

// FailDials makes the next n dials fail with a transport error.
func (s *MemoryServer) FailDials(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDials = n
}

// Drop severs userID's connection with the given close code and no
// leave broadcast, simulating a network fault rather than a
// deliberate departure.
func (s *MemoryServer) Drop(channelID, userID string, code int) {
	s.mu.Lock()
	conns := s.channels[channelID]
	conn := conns[userID]
	if conn != nil {
		delete(conns, userID)
	}
	s.mu.Unlock()

	if conn != nil {
		conn.shutdown(&websocket.CloseError{Code: code, Text: "dropped"})
	}
}

// ConnectedUsers returns the ids currently connected to channelID,
// sorted.
func (s *MemoryServer) ConnectedUsers(channelID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.channels[channelID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type memoryDialer struct {
	server *MemoryServer
	user   ParticipantInfo
}

func (d *memoryDialer) Dial(_ context.Context, rawURL string) (Conn, error) {
	channelID, token, err := parseVoiceURL(rawURL)
	if err != nil {
		return nil, err
	}
	return d.server.connect(channelID, token, d.user)
}

// parseVoiceURL extracts the channel id (last path segment) and
// token query parameter from a voice endpoint URL.
func parseVoiceURL(rawURL string) (channelID, token string, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing voice URL: %w", err)
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) == 0 || segments[len(segments)-1] == "" {
		return "", "", fmt.Errorf("voice URL %q has no channel id", rawURL)
	}
	return segments[len(segments)-1], parsed.Query().Get("token"), nil
}

func (s *MemoryServer) connect(channelID, token string, user ParticipantInfo) (Conn, error) {
	s.mu.Lock()
	if s.failDials > 0 {
		s.failDials--
		s.mu.Unlock()
		return nil, errors.New("memory signaling: dial refused")
	}
	if s.rejected[token] {
		s.mu.Unlock()
		return nil, fmt.Errorf("memory signaling: token denied: %w", ErrRejected)
	}

	conns, ok := s.channels[channelID]
	if !ok {
		conns = make(map[string]*memoryConn)
		s.channels[channelID] = conns
	}

	// A second connection for the same user replaces the first,
	// matching the live server.
	previous := conns[user.ID]
	delete(conns, user.ID)

	conn := &memoryConn{
		server:    s,
		channelID: channelID,
		user:      user,
		inbound:   make(chan []byte, 64),
		closed:    make(chan struct{}),
	}
	conns[user.ID] = conn

	conn.deliverLocked(s.snapshotMessageLocked(channelID))
	s.broadcastLocked(channelID, user.ID, NewJoin(user.ID, user))
	s.mu.Unlock()

	if previous != nil {
		previous.shutdown(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "superseded"})
	}
	return conn, nil
}

// snapshotMessageLocked builds the participants_list for channelID,
// including every connected user (the requester too; clients filter
// themselves out). Caller holds s.mu.
func (s *MemoryServer) snapshotMessageLocked(channelID string) Message {
	var participants []ParticipantInfo
	for _, conn := range s.channels[channelID] {
		participants = append(participants, conn.user)
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i].ID < participants[j].ID })
	return Message{
		Type:      TypeParticipants,
		From:      "server",
		ChannelID: channelID,
		Payload:   mustPayload(ParticipantsPayload{Participants: participants}),
	}
}

// broadcastLocked delivers msg to every connection in channelID
// except excludeID. Caller holds s.mu.
func (s *MemoryServer) broadcastLocked(channelID, excludeID string, msg Message) {
	data, err := msg.Encode()
	if err != nil {
		return
	}
	for id, conn := range s.channels[channelID] {
		if id != excludeID {
			conn.deliverRaw(data)
		}
	}
}

// route handles one frame written by a client connection.
func (s *MemoryServer) route(from *memoryConn, data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		return // The live server ignores malformed frames too.
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conns := s.channels[from.channelID]
	if conns[from.user.ID] != from {
		return // Superseded or dropped while the write was in flight.
	}

	switch {
	case msg.To != "":
		if target, ok := conns[msg.To]; ok {
			target.deliverRaw(data)
		}
	case msg.Type == TypeParticipants:
		from.deliverLocked(s.snapshotMessageLocked(from.channelID))
	case msg.Type == TypeVoiceState:
		if state, err := msg.VoiceState(); err == nil {
			from.user.Speaking = state.Speaking
			from.user.Muted = state.Muted
		}
		s.broadcastLocked(from.channelID, from.user.ID, msg)
	default:
		s.broadcastLocked(from.channelID, from.user.ID, msg)
	}
}

// disconnect removes the connection and broadcasts a leave, the
// deliberate-departure path.
func (s *MemoryServer) disconnect(conn *memoryConn) {
	s.mu.Lock()
	conns := s.channels[conn.channelID]
	if conns[conn.user.ID] == conn {
		delete(conns, conn.user.ID)
		s.broadcastLocked(conn.channelID, conn.user.ID, NewLeave(conn.user.ID))
	}
	s.mu.Unlock()
}

// memoryConn is one client's connection to the hub.
type memoryConn struct {
	server    *MemoryServer
	channelID string
	user      ParticipantInfo
	inbound   chan []byte

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func (c *memoryConn) Read() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		// Drain frames that raced the close.
		select {
		case data := <-c.inbound:
			return data, nil
		default:
		}
		return nil, c.closeErr
	}
}

func (c *memoryConn) Write(data []byte) error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
	}
	c.server.route(c, data)
	return nil
}

func (c *memoryConn) Close() error {
	c.server.disconnect(c)
	c.shutdown(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "client close"})
	return nil
}

// shutdown terminates the read loop with the given close error.
func (c *memoryConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
}

// deliverRaw enqueues a frame, dropping it if the consumer is 64
// frames behind. The transport is only partially reliable; tests that
// care about every frame read promptly.
func (c *memoryConn) deliverRaw(data []byte) {
	select {
	case c.inbound <- data:
	default:
	}
}

func (c *memoryConn) deliverLocked(msg Message) {
	if data, err := msg.Encode(); err == nil {
		c.deliverRaw(data)
	}
}
