// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth supplies bearer tokens for the signaling handshake.
// The coordinator asks its [TokenProvider] immediately before each
// dial, so refreshing providers can hand out a fresh token on every
// reconnect attempt.
package auth
