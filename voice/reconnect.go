// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import "time"

// ReconnectPolicy bounds the automatic recovery of the signaling
// connection. Zero fields take the defaults below.
type ReconnectPolicy struct {
	// BaseDelay is the wait before the first attempt; each further
	// attempt doubles it.
	BaseDelay time.Duration

	// MaxDelay caps the per-attempt wait.
	MaxDelay time.Duration

	// MaxAttempts is the total number of connect attempts before the
	// coordinator gives up with KindMaxReconnect.
	MaxAttempts int
}

const (
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultMaxAttempts = 5
)

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.BaseDelay == 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	return p
}

// Backoff returns the delay preceding the given zero-based attempt:
// BaseDelay << attempt, capped at MaxDelay.
func (p ReconnectPolicy) Backoff(attempt int) time.Duration {
	if attempt >= 30 {
		return p.MaxDelay
	}
	delay := p.BaseDelay << uint(attempt)
	if delay <= 0 || delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
