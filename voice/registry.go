// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"sort"
	"sync"
)

// Participant is one member of the voice channel as the UI sees it.
type Participant struct {
	ID          string
	DisplayName string
	Status      string
	Speaking    bool
	Muted       bool
}

// Registry is the authoritative client-side view of channel
// membership. It holds remote participants only; the local user is
// tracked by the coordinator.
type Registry struct {
	mu      sync.Mutex
	members map[string]Participant
}

func NewRegistry() *Registry {
	return &Registry{members: make(map[string]Participant)}
}

// Upsert inserts or replaces a participant and reports whether they
// were previously unknown.
func (r *Registry) Upsert(p Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, known := r.members[p.ID]
	r.members[p.ID] = p
	return !known
}

// Remove deletes a participant, returning the last known record.
func (r *Registry) Remove(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.members[id]
	if ok {
		delete(r.members, id)
	}
	return p, ok
}

// SetVoiceState updates speaking/muted for a known participant and
// reports whether anything changed. Unknown ids are ignored.
func (r *Registry) SetVoiceState(id string, speaking, muted bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.members[id]
	if !ok || (p.Speaking == speaking && p.Muted == muted) {
		return false
	}
	p.Speaking = speaking
	p.Muted = muted
	r.members[id] = p
	return true
}

func (r *Registry) Get(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.members[id]
	return p, ok
}

// Snapshot returns all participants sorted by id for stable display
// and iteration order.
func (r *Registry) Snapshot() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]Participant, 0, len(r.members))
	for _, p := range r.members {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Clear empties the registry. Used on disconnect.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = make(map[string]Participant)
}
