// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the voice coordinator so that
// reconnection backoff, voice-activity debounce, and hysteresis
// windows are deterministic under test.
//
// Production code receives Real(). Tests receive Fake(initial) and
// drive it with Advance, which fires expired timers in deadline order.
package clock
