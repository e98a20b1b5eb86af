// Copyright 2024 The preheat authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"time"
)

// defaultBootWindow is how long after startup the session boost stays
// active.
const defaultBootWindow = 2 * time.Minute

// Session tracks the boot window during which the predictor preloads
// the top priority apps unconditionally. The heuristics deciding
// whether a daemon start is a session start live outside the core;
// this is just the boolean and the window.
type Session struct {
	enabled bool
	started time.Time
	window  time.Duration
}

// NewSession creates the session gate. With enabled false the boost
// never fires.
func NewSession(enabled bool) *Session {
	return &Session{
		enabled: enabled,
		started: time.Now(),
		window:  defaultBootWindow,
	}
}

// InBootWindow reports whether the boost should run this tick.
func (s *Session) InBootWindow() bool {
	return s.enabled && time.Since(s.started) < s.window
}

// Remaining returns the time left in the boot window.
func (s *Session) Remaining() time.Duration {
	if !s.InBootWindow() {
		return 0
	}
	return s.window - time.Since(s.started)
}
