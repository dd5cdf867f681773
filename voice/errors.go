// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"errors"
	"fmt"
)

// ErrAlreadyInitialized is returned by Initialize when the
// coordinator is already running and Disconnect has not been called.
var ErrAlreadyInitialized = errors.New("voice: already initialized")

// Kind classifies coordinator errors by recovery policy.
type Kind int

const (
	// KindAuth: no or invalid token. Fatal, surfaced, never retried.
	KindAuth Kind = iota + 1

	// KindTransport: signaling socket failure. Recovered by the
	// reconnection controller up to its attempt cap.
	KindTransport

	// KindNegotiation: SDP or ICE application failure on one peer.
	// Triggers a single automatic re-initiation of that session.
	KindNegotiation

	// KindCapture: microphone unavailable or denied. Fatal for
	// Initialize, surfaced, never retried.
	KindCapture

	// KindMaxReconnect: the reconnection controller exhausted its
	// attempts. Fatal; the coordinator goes idle.
	KindMaxReconnect

	// KindProtocol: malformed or unroutable signaling traffic.
	// Logged and ignored, never propagated.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindNegotiation:
		return "negotiation"
	case KindCapture:
		return "capture"
	case KindMaxReconnect:
		return "max-reconnect"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is a classified coordinator error. Inspect with errors.As and
// KindOf:
//
//	var voiceErr *voice.Error
//	if errors.As(err, &voiceErr) && voiceErr.Kind == voice.KindAuth { ... }
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("voice: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("voice: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, or 0 when err is not a voice
// error.
func KindOf(err error) Kind {
	var voiceErr *Error
	if errors.As(err, &voiceErr) {
		return voiceErr.Kind
	}
	return 0
}

// wrapError builds a classified error around a cause.
func wrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// newError builds a classified error with no underlying cause.
func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
