// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Type tags a signaling message. The wire values match the Harmonium
// voice server.
type Type string

// Signaling message types.
const (
	TypeJoin         Type = "join"
	TypeLeave        Type = "leave"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeCandidate    Type = "ice-candidate"
	TypeVoiceState   Type = "voice_state"
	TypeParticipants Type = "participants_list"
)

// Message is one signaling frame. From identifies the sender
// (participant id, or "server" for server-originated frames). To is
// set only on directed messages (offer, answer, ice-candidate).
// Payload is type-specific; use the typed accessors to decode it.
type Message struct {
	Type      Type            `json:"type"`
	From      string          `json:"from_user_id"`
	To        string          `json:"to_user_id,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DescriptionPayload carries an SDP offer or answer.
type DescriptionPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidatePayload carries a trickled ICE candidate.
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// VoiceStatePayload announces a participant's speaking/muted state.
// Both flags travel together so receivers can distinguish "silent
// because muted" from "silent because not talking".
type VoiceStatePayload struct {
	Speaking bool `json:"speaking"`
	Muted    bool `json:"muted"`
}

// ParticipantInfo describes one channel member as the server reports
// it. The server embeds live voice state in both participants_list
// entries and the join user object.
type ParticipantInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Status   string `json:"status,omitempty"`
	Speaking bool   `json:"isSpeaking,omitempty"`
	Muted    bool   `json:"isMuted,omitempty"`
}

// ParticipantsPayload is the participants_list snapshot. The server
// includes the requesting user in the snapshot; clients filter
// themselves out.
type ParticipantsPayload struct {
	Participants []ParticipantInfo `json:"participants"`
}

// JoinPayload announces a new channel member.
type JoinPayload struct {
	User ParticipantInfo `json:"user"`
}

// ProtocolError reports a malformed or unroutable signaling frame.
// Per protocol policy these are logged and dropped, never fatal.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "signaling: " + e.Reason
}

// ParseMessage decodes and validates one inbound frame. It checks the
// type tag and the fields every handler depends on; payload decoding
// is deferred to the typed accessors so an unexpected payload on an
// otherwise routable message doesn't poison the whole frame.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, &ProtocolError{Reason: fmt.Sprintf("malformed frame: %v", err)}
	}

	switch msg.Type {
	case TypeJoin, TypeLeave, TypeVoiceState, TypeParticipants:
	case TypeOffer, TypeAnswer, TypeCandidate:
		if msg.To == "" {
			return Message{}, &ProtocolError{Reason: fmt.Sprintf("%s without to_user_id", msg.Type)}
		}
	default:
		return Message{}, &ProtocolError{Reason: fmt.Sprintf("unknown message type %q", msg.Type)}
	}

	if msg.From == "" {
		return Message{}, &ProtocolError{Reason: fmt.Sprintf("%s without from_user_id", msg.Type)}
	}
	return msg, nil
}

// Encode serializes the message for the wire.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Type, err)
	}
	return data, nil
}

// Description decodes an offer or answer payload.
func (m Message) Description() (DescriptionPayload, error) {
	var p DescriptionPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return DescriptionPayload{}, &ProtocolError{Reason: fmt.Sprintf("bad %s payload: %v", m.Type, err)}
	}
	if p.SDP == "" {
		return DescriptionPayload{}, &ProtocolError{Reason: fmt.Sprintf("%s payload without sdp", m.Type)}
	}
	return p, nil
}

// Candidate decodes an ice-candidate payload.
func (m Message) Candidate() (CandidatePayload, error) {
	var p CandidatePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return CandidatePayload{}, &ProtocolError{Reason: fmt.Sprintf("bad candidate payload: %v", err)}
	}
	return p, nil
}

// VoiceState decodes a voice_state payload.
func (m Message) VoiceState() (VoiceStatePayload, error) {
	var p VoiceStatePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return VoiceStatePayload{}, &ProtocolError{Reason: fmt.Sprintf("bad voice_state payload: %v", err)}
	}
	return p, nil
}

// Participants decodes a participants_list payload.
func (m Message) Participants() (ParticipantsPayload, error) {
	var p ParticipantsPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return ParticipantsPayload{}, &ProtocolError{Reason: fmt.Sprintf("bad participants_list payload: %v", err)}
	}
	return p, nil
}

// JoinUser decodes a join payload.
func (m Message) JoinUser() (ParticipantInfo, error) {
	var p JoinPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return ParticipantInfo{}, &ProtocolError{Reason: fmt.Sprintf("bad join payload: %v", err)}
	}
	if p.User.ID == "" {
		return ParticipantInfo{}, &ProtocolError{Reason: "join payload without user id"}
	}
	return p.User, nil
}

// mustPayload marshals a payload that cannot fail (plain structs,
// no cycles, no unsupported types).
func mustPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("signaling: marshaling payload: %v", err))
	}
	return data
}

// NewJoin announces the local user to the channel.
func NewJoin(from string, user ParticipantInfo) Message {
	return Message{Type: TypeJoin, From: from, Payload: mustPayload(JoinPayload{User: user})}
}

// NewLeave announces departure from the channel.
func NewLeave(from string) Message {
	return Message{Type: TypeLeave, From: from}
}

// NewOffer directs an SDP offer at a single peer.
func NewOffer(from, to, sdp string) Message {
	return Message{Type: TypeOffer, From: from, To: to,
		Payload: mustPayload(DescriptionPayload{Type: "offer", SDP: sdp})}
}

// NewAnswer directs an SDP answer at a single peer.
func NewAnswer(from, to, sdp string) Message {
	return Message{Type: TypeAnswer, From: from, To: to,
		Payload: mustPayload(DescriptionPayload{Type: "answer", SDP: sdp})}
}

// NewCandidate directs a trickled ICE candidate at a single peer.
func NewCandidate(from, to string, candidate webrtc.ICECandidateInit) Message {
	return Message{Type: TypeCandidate, From: from, To: to,
		Payload: mustPayload(CandidatePayload{Candidate: candidate})}
}

// NewVoiceState broadcasts the local speaking/muted state.
func NewVoiceState(from string, speaking, muted bool) Message {
	return Message{Type: TypeVoiceState, From: from,
		Payload: mustPayload(VoiceStatePayload{Speaking: speaking, Muted: muted})}
}

// NewParticipantsRequest asks the server for a fresh channel snapshot.
func NewParticipantsRequest(from string) Message {
	return Message{Type: TypeParticipants, From: from}
}
