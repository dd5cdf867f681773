// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

// Package vad classifies the local audio stream as speaking or
// silent. The [Detector] consumes normalized energy samples from the
// capture device and emits only state transitions, never per-sample
// results, so the coordinator can broadcast a voice_state exactly
// when something changed.
//
// Classification combines an exponential moving average over the
// energy with an instantaneous peak check. Transitions are
// asymmetric: silent→speaking fires on the first active frame, while
// speaking→silent requires a run of consecutive silent frames so a
// breath pause doesn't flicker the indicator. A short debounce window
// coalesces any remaining rapid toggles before a transition is
// emitted.
package vad
