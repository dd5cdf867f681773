// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// EventKind discriminates coordinator events.
type EventKind int

const (
	// EventParticipantJoined fires when a new remote participant is
	// first observed. Participant is set.
	EventParticipantJoined EventKind = iota + 1

	// EventParticipantLeft fires when a participant leaves or their
	// session is torn down for good. Participant is set.
	EventParticipantLeft

	// EventParticipantsUpdated carries a fresh snapshot after any
	// membership or voice-state change. Participants is set.
	EventParticipantsUpdated

	// EventTrackAdded fires when a remote audio track is handed to
	// playback. PeerID and Track are set.
	EventTrackAdded

	// EventVoiceActivity fires on a speaking-state change, local or
	// remote. PeerID and Speaking are set.
	EventVoiceActivity

	// EventStatusChanged drives the UI connection banner. Status is
	// set.
	EventStatusChanged

	// EventError surfaces fatal or notable errors. Err is set.
	EventError
)

// Status is the coarse connection state shown by the UI.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Event is one coordinator notification. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind         EventKind
	Participant  Participant
	Participants []Participant
	PeerID       string
	Track        *webrtc.TrackRemote
	Speaking     bool
	Status       Status
	Err          error
}

// eventBus is a registration table of event subscribers. Handlers
// are invoked synchronously, outside the bus lock, in unspecified
// order.
type eventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]func(Event))}
}

func (b *eventBus) subscribe(handler func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *eventBus) publish(event Event) {
	b.mu.Lock()
	handlers := make([]func(Event), 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}
