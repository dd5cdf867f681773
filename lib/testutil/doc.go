// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared by voicemesh tests,
// chiefly channel receive/close assertions with timeout safety valves
// so a broken test fails instead of hanging.
package testutil
