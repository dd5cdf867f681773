// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"math"

	"github.com/pion/webrtc/v4"
)

// CaptureDevice acquires the local microphone. Acquire is called
// lazily, once, by the coordinator; Release must undo it. A second
// Acquire without an intervening Release returns the same source.
type CaptureDevice interface {
	Acquire(ctx context.Context) (AudioSource, error)
	Release()
}

// AudioSource is a live local audio capture.
type AudioSource interface {
	// Track is the outgoing audio track shared by every peer
	// session. It stays attached for the source's whole lifetime;
	// muting disables it in place via SetEnabled.
	Track() webrtc.TrackLocal

	// Levels delivers one energy sample per capture frame,
	// normalized to [0, 1]. The voice-activity detector consumes
	// this stream. The channel closes when the source is released.
	Levels() <-chan float64

	// SetEnabled enables or disables the outgoing track in place,
	// without renegotiation. Disabled sources still deliver levels
	// so the detector can keep tracking (and tagging) muted speech.
	SetEnabled(enabled bool)

	// Enabled reports whether the outgoing track is live.
	Enabled() bool
}

// Playback renders remote audio. The coordinator hands over each
// remote track as soon as the owning peer session connects.
type Playback interface {
	PlayRemote(peerID string, track *webrtc.TrackRemote)
}

// Level computes the normalized RMS energy of one frame of 16-bit
// PCM samples. Capture implementations feed this into
// AudioSource.Levels.
func Level(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSquares float64
	for _, s := range samples {
		v := float64(s)
		sumSquares += v * v
	}
	rms := math.Sqrt(sumSquares / float64(len(samples)))
	return rms / float64(math.MaxInt16)
}
