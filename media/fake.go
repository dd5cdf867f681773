// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Compile-time interface checks.
var (
	_ CaptureDevice = (*FakeCapture)(nil)
	_ AudioSource   = (*FakeSource)(nil)
	_ Playback      = (*RecordingPlayback)(nil)
)

// FakeCapture is an in-process CaptureDevice for tests and the demo
// binary. It produces a silent Opus track and an energy stream that
// tests drive with PushLevel.
type FakeCapture struct {
	// FailWith, when set, makes Acquire fail, simulating a denied
	// or missing microphone.
	FailWith error

	mu     sync.Mutex
	source *FakeSource
}

// NewFakeCapture creates an unacquired fake microphone.
func NewFakeCapture() *FakeCapture {
	return &FakeCapture{}
}

// Acquire returns the shared fake source, creating it on first use.
func (c *FakeCapture) Acquire(_ context.Context) (AudioSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.FailWith != nil {
		return nil, c.FailWith
	}
	if c.source != nil {
		return c.source, nil
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "voicemesh-fake",
	)
	if err != nil {
		return nil, fmt.Errorf("creating fake audio track: %w", err)
	}
	c.source = &FakeSource{
		track:   track,
		levels:  make(chan float64, 256),
		enabled: true,
	}
	return c.source, nil
}

// Release closes the level stream and forgets the source.
func (c *FakeCapture) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.source != nil {
		c.source.close()
		c.source = nil
	}
}

// Acquired reports whether the microphone is currently held.
func (c *FakeCapture) Acquired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source != nil
}

// FakeSource is the AudioSource produced by FakeCapture.
type FakeSource struct {
	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	levels  chan float64
	closed  bool
	enabled bool
}

// Track returns the silent local track.
func (s *FakeSource) Track() webrtc.TrackLocal { return s.track }

// Levels returns the test-driven energy stream.
func (s *FakeSource) Levels() <-chan float64 { return s.levels }

// SetEnabled flips the simulated track state.
func (s *FakeSource) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// Enabled reports the simulated track state.
func (s *FakeSource) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// PushLevel injects one energy sample, as a capture callback would.
// Samples pushed after release are dropped.
func (s *FakeSource) PushLevel(level float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.levels <- level:
	default:
	}
}

func (s *FakeSource) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.levels)
	}
}

// RecordingPlayback records which peers delivered remote tracks.
type RecordingPlayback struct {
	mu     sync.Mutex
	tracks map[string]*webrtc.TrackRemote
}

// NewRecordingPlayback creates an empty recorder.
func NewRecordingPlayback() *RecordingPlayback {
	return &RecordingPlayback{tracks: make(map[string]*webrtc.TrackRemote)}
}

// PlayRemote records the track against its peer.
func (p *RecordingPlayback) PlayRemote(peerID string, track *webrtc.TrackRemote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks[peerID] = track
}

// Peers returns the sorted ids of peers whose audio arrived.
func (p *RecordingPlayback) Peers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id := range p.tracks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ErrNoMicrophone is a ready-made Acquire failure for tests.
var ErrNoMicrophone = errors.New("media: microphone unavailable")
