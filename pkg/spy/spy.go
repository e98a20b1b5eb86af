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

// Package spy is the observer: it diffs the running-process set against
// the model on every scan half-tick and folds start/exit events,
// running-time accounting and launch weighting into the model, then
// registers newly seen executables in the update half-tick.
package spy

import (
	"os"

	"github.com/preheatd/preheat/pkg/model"
	"github.com/preheatd/preheat/pkg/pattern"
	"github.com/preheatd/preheat/pkg/proc"

	logger "github.com/preheatd/preheat/pkg/log"
)

var log = logger.NewLogger("spy")

// ProcSource is the part of the proc reader the observer needs.
type ProcSource interface {
	ForEachRunning(visit func(pid int, path string)) error
	ReadMaps(pid int) ([]proc.Region, error)
	ParentPID(pid int) (int, error)
	Comm(pid int) (string, error)
}

// DesktopFilter reports whether an exe path has a desktop entry. The
// discovery itself lives outside the core; nil means "no".
type DesktopFilter func(path string) bool

// Options carries the observer configuration.
type Options struct {
	// MinSize is the minimum total map size of a tracked exe, in bytes.
	MinSize int64
	// ExcludePatterns force matching exes into the observation pool.
	ExcludePatterns []string
	// UserAppPaths are directory prefixes of user applications.
	UserAppPaths []string
	// ManualApps are exes forced into the priority pool.
	ManualApps []string
	// MapPrefix and ExePrefix are include-only filters; empty means
	// everything is included.
	MapPrefix []string
	ExePrefix []string
	// HasDesktopEntry is the desktop-entry hook, may be nil.
	HasDesktopEntry DesktopFilter
}

// Spy drives model evolution from /proc scans.
type Spy struct {
	state *model.State
	src   ProcSource
	opts  Options

	manual map[string]bool

	// Per-tick scratch, filled by the scan and reset by the update half.
	newExes   map[string]int
	probePids map[*model.Exe]int
}

// New creates an observer for the given model state.
func New(state *model.State, src ProcSource, opts Options) *Spy {
	s := &Spy{
		state:     state,
		src:       src,
		opts:      opts,
		manual:    make(map[string]bool),
		newExes:   make(map[string]int),
		probePids: make(map[*model.Exe]int),
	}
	for _, path := range opts.ManualApps {
		s.manual[path] = true
	}
	return s
}

// classify decides the pool of a newly registered exe.
func (s *Spy) classify(path string) model.Pool {
	if pattern.MatchesAny(path, s.opts.ExcludePatterns) {
		return model.PoolObservation
	}
	if pattern.UnderAny(path, s.opts.UserAppPaths) || s.hasDesktopEntry(path) || s.manual[path] {
		return model.PoolPriority
	}
	return model.PoolObservation
}

func (s *Spy) hasDesktopEntry(path string) bool {
	return s.opts.HasDesktopEntry != nil && s.opts.HasDesktopEntry(path)
}

// trackedExe applies the include-only exe filter.
func (s *Spy) trackedExe(path string) bool {
	if len(s.opts.ExePrefix) == 0 {
		return true
	}
	return pattern.UnderAny(path, s.opts.ExePrefix)
}

// trackedMap applies the include-only map filter.
func (s *Spy) trackedMap(path string) bool {
	if len(s.opts.MapPrefix) == 0 {
		return true
	}
	return pattern.UnderAny(path, s.opts.MapPrefix)
}

// Scan runs the scan half of a tick: diff the live process set against
// the model, apply start/exit events and advance accounting.
func (s *Spy) Scan() error {
	state := s.state
	now := state.Time
	period := now - state.LastAccountingTimestamp

	prev := make(map[*model.Exe]bool, len(state.RunningExes))
	for _, x := range state.RunningExes {
		prev[x] = true
	}

	observed := make(map[*model.Exe]map[int]bool)
	started := make(map[*model.Exe]bool)

	err := s.src.ForEachRunning(func(pid int, path string) {
		if !s.trackedExe(path) {
			return
		}
		x := state.LookupExe(path)
		if x == nil {
			if _, bad := state.BadExes[path]; !bad {
				if _, queued := s.newExes[path]; !queued {
					s.newExes[path] = pid
				}
			}
			return
		}
		if observed[x] == nil {
			observed[x] = make(map[int]bool)
		}
		observed[x][pid] = true

		if info, ok := x.RunningPids[pid]; ok {
			s.accrueWeight(x, info, now)
		} else {
			s.startTracker(x, pid, now)
			started[x] = true
			// A fresh launch of a known exe refreshes its map profile
			// in the update half.
			s.probePids[x] = pid
		}
	})
	if err != nil {
		return err
	}

	// Running-time accounting for the previous running set, using the
	// markov states as they were before this scan's transitions.
	if period > 0 {
		for x := range prev {
			x.Time += period
		}
		state.EachMarkov(func(m *model.Markov) {
			if m.State == 3 {
				m.Time += period
			}
		})
	}

	// Exit events: pids that disappeared since the last scan. The set
	// to examine is the previous running set plus fresh starters.
	touched := started
	for x := range prev {
		if _, ok := touched[x]; !ok {
			touched[x] = false
		}
	}
	running := make([]*model.Exe, 0, len(observed))
	for x := range touched {
		for pid, info := range x.RunningPids {
			if observed[x] == nil || !observed[x][pid] {
				s.exitTracker(x, info, now)
			}
		}
		if x.Running() {
			running = append(running, x)
		}
	}

	// Fold the transitions into the markov edges only after all pid
	// events have been applied.
	for x := range touched {
		wasRunning := prev[x]
		if x.Running() == wasRunning {
			continue
		}
		x.ChangeTimestamp = now
		if x.Running() {
			x.RunningTimestamp = now
			x.UpdateTime = now
		}
		for m := range x.Markovs {
			state.MarkovStateChanged(m)
		}
	}

	state.RunningExes = running
	state.LastAccountingTimestamp = now
	state.LastRunningTimestamp = now
	return nil
}

// startTracker records a new pid of a known exe.
func (s *Spy) startTracker(x *model.Exe, pid, now int) {
	x.RunningPids[pid] = &model.ProcInfo{
		PID:              pid,
		ParentPID:        s.parentOf(pid),
		StartTime:        now,
		LastWeightUpdate: now,
		UserInitiated:    s.userInitiated(x.Path, pid),
	}
	x.RawLaunches++
}

// exitTracker closes out a vanished pid. The launch weight has already
// been accrued incrementally, only the duration is added here. The run
// is credited up to the last scan that saw the pid alive, not up to
// the scan that noticed the exit.
func (s *Spy) exitTracker(x *model.Exe, info *model.ProcInfo, now int) {
	if d := info.LastWeightUpdate - info.StartTime; d > 0 {
		x.TotalDurationSec += uint64(d)
	}
	delete(x.RunningPids, info.PID)
}

// accrueWeight advances the launch weight of a still-running pid to
// the current elapsed runtime.
func (s *Spy) accrueWeight(x *model.Exe, info *model.ProcInfo, now int) {
	if now <= info.LastWeightUpdate {
		return
	}
	elapsed := float64(now - info.StartTime)
	previous := float64(info.LastWeightUpdate - info.StartTime)
	delta := LaunchWeight(elapsed, info.UserInitiated) - LaunchWeight(previous, info.UserInitiated)
	if delta > 0 {
		x.WeightedLaunches += delta
	}
	info.LastWeightUpdate = now
}

// parentOf is best-effort: 0 when the parent cannot be determined.
func (s *Spy) parentOf(pid int) int {
	ppid, err := s.src.ParentPID(pid)
	if err != nil {
		return 0
	}
	return ppid
}

// userInitiated decides whether a launch looks interactive: the parent
// is a shell, terminal or launcher, or the exe has a desktop entry
// (the fallback for confined processes whose parent is a sandbox
// helper).
func (s *Spy) userInitiated(path string, pid int) bool {
	if ppid := s.parentOf(pid); ppid > 0 {
		if comm, err := s.src.Comm(ppid); err == nil && userInitiatedParent(comm) {
			return true
		}
	}
	return s.hasDesktopEntry(path)
}

// UpdateModel runs the update half of a tick: read maps for the exes
// queued by the scan, register new exes and refresh map probabilities
// of re-launched ones.
func (s *Spy) UpdateModel() error {
	for path, pid := range s.newExes {
		s.registerNewExe(path, pid)
	}
	s.newExes = make(map[string]int)

	for x, pid := range s.probePids {
		s.refreshExemaps(x, pid)
	}
	s.probePids = make(map[*model.Exe]int)
	return nil
}

// readFilteredMaps reads the file-backed regions of a pid, applying
// the include-only map filter.
func (s *Spy) readFilteredMaps(pid int) []proc.Region {
	regions, err := s.src.ReadMaps(pid)
	if err != nil {
		return nil
	}
	if len(s.opts.MapPrefix) == 0 {
		return regions
	}
	filtered := regions[:0]
	for _, r := range regions {
		if s.trackedMap(r.Path) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// registerNewExe turns a queued (path, pid) into a tracked exe, or
// into a bad-exe verdict.
func (s *Spy) registerNewExe(path string, pid int) {
	state := s.state
	now := state.Time

	regions := s.readFilteredMaps(pid)

	var size uint64
	for _, r := range regions {
		size += r.Length
	}

	if len(regions) == 0 && s.manual[path] {
		// The process vanished or denied access; a manual app still
		// gets a whole-file region for its own binary.
		if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
			regions = []proc.Region{{Path: path, Offset: 0, Length: uint64(fi.Size())}}
			size = uint64(fi.Size())
		}
	}

	if len(regions) == 0 || (size < uint64(s.opts.MinSize) && !s.manual[path]) {
		state.BadExes[path] = now
		log.Debug("%s: %d mapped bytes, below tracking threshold", path, size)
		return
	}

	x := state.NewExe(path, true)
	x.Pool = s.classify(path)
	s.startTracker(x, pid, now)
	for _, r := range regions {
		state.AddExemap(x, r.Path, r.Offset, r.Length)
	}
	state.RegisterExe(x, true)
	state.RunningExes = append(state.RunningExes, x)
	log.Debug("tracking new exe %s (%d maps, %d bytes, pool %d)",
		path, len(regions), size, x.Pool)
}

// refreshExemaps folds one more launch observation into the exe's map
// probabilities: present regions approach 1, vanished ones decay, new
// ones start at their observed frequency.
func (s *Spy) refreshExemaps(x *model.Exe, pid int) {
	regions := s.readFilteredMaps(pid)
	if len(regions) == 0 {
		return
	}
	n := float64(x.RawLaunches)
	if n < 1 {
		n = 1
	}

	present := make(map[model.MapKey]bool, len(regions))
	for _, r := range regions {
		present[model.MapKey{Path: r.Path, Offset: r.Offset, Length: r.Length}] = true
	}

	for key, em := range x.Exemaps {
		if present[key] {
			em.Prob += (1 - em.Prob) / n
		} else {
			em.Prob -= em.Prob / n
		}
		delete(present, key)
	}
	for key := range present {
		em := s.state.AddExemap(x, key.Path, key.Offset, key.Length)
		em.Prob = 1 / n
		em.Map.UpdateTime = s.state.Time
	}
}

// SeedManualApps registers configured manual apps that are not tracked
// yet, so they can be preloaded before their first observed run, and
// rebuilds the priority mesh. Returns the number of new registrations.
func (s *Spy) SeedManualApps(paths []string) int {
	registered := 0
	for _, path := range paths {
		s.manual[path] = true
		if s.state.LookupExe(path) != nil {
			continue
		}
		x := s.state.NewExe(path, false)
		x.Pool = model.PoolPriority
		s.state.RegisterExe(x, false)
		registered++
	}
	s.state.BuildPriorityMesh()
	if registered > 0 {
		log.Info("registered %d manual apps", registered)
		s.state.Dirty = true
	}
	return registered
}
