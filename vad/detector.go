// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package vad

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harmonium-chat/voicemesh/lib/clock"
)

// Config tunes the detector. Zero values take the defaults below.
type Config struct {
	// SpeakThreshold is the smoothed-energy level at or above which
	// a frame counts as speech. Energy is normalized to [0, 1].
	SpeakThreshold float64

	// PeakThreshold lets a single loud frame trigger speech even
	// before the moving average catches up, so the first syllable
	// isn't clipped.
	PeakThreshold float64

	// Smoothing is the EMA coefficient applied to each new sample.
	Smoothing float64

	// HangoverFrames is how many consecutive silent frames it takes
	// to leave the speaking state. Entering it is immediate.
	HangoverFrames int

	// Debounce is the window in which rapid toggles are coalesced
	// into at most one emitted transition.
	Debounce time.Duration
}

const (
	defaultSpeakThreshold = 0.05
	defaultPeakThreshold  = 0.25
	defaultSmoothing      = 0.3
	defaultHangoverFrames = 8
	defaultDebounce       = 50 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.SpeakThreshold == 0 {
		c.SpeakThreshold = defaultSpeakThreshold
	}
	if c.PeakThreshold == 0 {
		c.PeakThreshold = defaultPeakThreshold
	}
	if c.Smoothing == 0 {
		c.Smoothing = defaultSmoothing
	}
	if c.HangoverFrames == 0 {
		c.HangoverFrames = defaultHangoverFrames
	}
	if c.Debounce == 0 {
		c.Debounce = defaultDebounce
	}
	return c
}

// Detector turns a stream of energy samples into speaking/silent
// transitions. Safe for concurrent use; in practice Process is called
// from the capture goroutine and SetMuted from the coordinator.
type Detector struct {
	cfg    Config
	clk    clock.Clock
	logger *slog.Logger

	mu           sync.Mutex
	ema          float64
	speaking     bool // raw classification, pre-debounce
	emitted      bool // last state delivered to subscribers
	silentRun    int
	muted        bool
	timerPending bool
	nextID       int
	subs         map[int]func(speaking, muted bool)
}

// New creates a detector. Transitions are scheduled on clk so tests
// can drive the debounce window deterministically.
func New(cfg Config, clk clock.Clock, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:    cfg.withDefaults(),
		clk:    clk,
		logger: logger,
		subs:   make(map[int]func(speaking, muted bool)),
	}
}

// OnTransition registers a handler for emitted state changes. The
// handler receives the new speaking state and the muted flag in
// effect at emission time, so receivers can tell "silent because
// muted" from "silent because quiet".
func (d *Detector) OnTransition(handler func(speaking, muted bool)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.subs[id] = handler
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

// Process classifies one energy sample. Called once per capture
// frame.
func (d *Detector) Process(level float64) {
	d.mu.Lock()

	d.ema = d.cfg.Smoothing*level + (1-d.cfg.Smoothing)*d.ema
	active := d.ema >= d.cfg.SpeakThreshold || level >= d.cfg.PeakThreshold

	changed := false
	if active {
		d.silentRun = 0
		if !d.speaking {
			// Silent→speaking is immediate; waiting would clip the
			// start of speech.
			d.speaking = true
			changed = true
		}
	} else if d.speaking {
		d.silentRun++
		if d.silentRun >= d.cfg.HangoverFrames {
			d.speaking = false
			d.silentRun = 0
			changed = true
		}
	}

	if changed && !d.timerPending {
		d.timerPending = true
		d.clk.AfterFunc(d.cfg.Debounce, d.emit)
	}
	d.mu.Unlock()
}

// SetMuted records the mute flag that tags emitted transitions.
// Detection keeps running while muted; the UI still wants to show
// "you are talking while muted".
func (d *Detector) SetMuted(muted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted = muted
}

// Speaking reports the last emitted state.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.emitted
}

// emit fires at the end of a debounce window. If the raw state
// toggled back in the meantime, the window coalesced the pair into
// nothing.
func (d *Detector) emit() {
	d.mu.Lock()
	d.timerPending = false
	if d.speaking == d.emitted {
		d.mu.Unlock()
		return
	}
	d.emitted = d.speaking
	speaking, muted := d.emitted, d.muted
	handlers := make([]func(bool, bool), 0, len(d.subs))
	for _, h := range d.subs {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()

	d.logger.Debug("voice activity transition", "speaking", speaking, "muted", muted)
	for _, h := range handlers {
		h(speaking, muted)
	}
}
