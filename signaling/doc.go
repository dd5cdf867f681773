// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

// Package signaling implements the client side of Harmonium's voice
// signaling protocol: one WebSocket per voice-channel session carrying
// JSON messages (join, leave, offer, answer, ice-candidate,
// voice_state, participants_list).
//
// [Channel] owns the socket for the lifetime of a coordinator: it
// serializes outbound [Message] values, decodes inbound frames on a
// single read loop, and fans them out to subscribers. Sends are
// fire-and-forget; when the socket is down they fail with
// [ErrNotConnected] and are never queued; a stale offer is useless
// after a reconnect, so callers regenerate instead.
//
// Close codes collapse into exactly three classes: [CloseNormal]
// (deliberate shutdown, no reconnect), [CloseRejected] (auth or
// access denied, fatal), and [CloseAbnormal] (everything else, which
// the coordinator answers with backoff and a fresh Connect).
//
// The socket itself is abstracted behind [Dialer] and [Conn].
// [WebsocketDialer] is the production implementation on
// gorilla/websocket. [MemoryServer] provides an in-process hub for
// tests that reproduces the live server's behavior: a
// participants_list snapshot on connect (including the connecting
// user), a join broadcast to everyone else, directed routing by
// to_user_id, and a leave broadcast on disconnect.
package signaling
