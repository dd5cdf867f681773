// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

// Package voice implements the client-side coordinator for a
// Harmonium voice channel: a full mesh of WebRTC audio connections,
// one [PeerSession] per remote participant, driven by the signaling
// channel and exposed to the UI through typed events.
//
// [Coordinator] owns everything with a lifetime: the signaling
// connection, the shared microphone capture, the session table, and
// the reconnection controller. Initialize joins the channel;
// Disconnect is the single cancellation point and is safe to call
// from any state, any number of times.
//
// Each PeerSession is an explicit state machine (New → OfferSent |
// OfferReceived → AnswerExchanged → Connected → Failed → Closed)
// fed by decoded signaling messages. Simultaneous offers (glare) are
// resolved deterministically by participant id: the lexicographically
// smaller id rolls its offer back and answers, so the larger id's
// offer always survives. ICE candidates that outrun their remote
// description are buffered in arrival order and flushed once the
// description lands.
//
// Transport failures on the signaling socket are recovered by
// exponential backoff with a bounded attempt count; every peer
// session is rebuilt from scratch after a reconnect. Per-peer
// negotiation failures are isolated: one peer's broken SDP never
// touches the other sessions or the signaling channel.
package voice
