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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Pause is the externally toggled gate that suppresses the predict
// phase. The control tool creates the flag file with an expiry unix
// timestamp (0 means until reboot); the daemon only ever reads it and
// removes it once expired.
type Pause struct {
	path    string
	watcher *fsnotify.Watcher
}

// NewPause sets up the pause gate on the given flag file. A watcher on
// the parent directory reports toggles promptly in the log; the
// authoritative check still happens at the top of every predict phase.
func NewPause(path string) *Pause {
	p := &Pause{path: path}
	if path == "" {
		return p
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("cannot watch pause file: %v", err)
		return p
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		log.Warn("cannot watch %s: %v", filepath.Dir(path), err)
		w.Close()
		return p
	}
	p.watcher = w
	go p.watch()
	return p
}

// watch logs pause toggles as they happen.
func (p *Pause) watch() {
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != p.path {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
				log.Info("preloading paused")
			case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
				log.Info("preloading resumed")
			}
		case _, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (p *Pause) Close() {
	if p.watcher != nil {
		p.watcher.Close()
	}
}

// Active reports whether preloading is currently paused. An expired
// flag file is removed on the way.
func (p *Pause) Active() bool {
	if p.path == "" {
		return false
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return false
	}

	expiry, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		log.Warn("invalid pause file %s, removing", p.path)
		os.Remove(p.path)
		return false
	}

	if expiry == 0 {
		// Until reboot.
		return true
	}
	if expiry > time.Now().Unix() {
		return true
	}

	log.Debug("pause expired, removing stale pause file")
	os.Remove(p.path)
	return false
}
