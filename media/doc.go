// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

// Package media defines the capture and playback capabilities the
// voice coordinator drives but does not implement. The embedding
// application supplies real implementations backed by its audio
// stack; [FakeCapture] and [RecordingPlayback] serve tests and the
// demo binary.
//
// The local microphone is a shared resource: the coordinator acquires
// exactly one [AudioSource] and every peer session attaches the same
// local track. Only the coordinator may acquire or release it.
package media
