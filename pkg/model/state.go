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

// Package model holds the daemon's learned state: the graph of
// executables, shared file-region maps, exe-to-map edges and pairwise
// markov correlation edges, together with its persistent form.
//
// The package owns the operations where integrity matters (sequence
// numbers, map reference counts, markov twin registration); the
// observer and predictor drive evolution through them.
package model

import (
	logger "github.com/preheatd/preheat/pkg/log"
)

var log = logger.NewLogger("model")

// Memstat is the memory snapshot stored with the state, in bytes.
type Memstat struct {
	Total   uint64
	Free    uint64
	Cached  uint64
	Buffers uint64
}

// State is the global model state. It is owned by the daemon loop and
// must not be shared across goroutines.
type State struct {
	// Time is the virtual clock: monotonic seconds accumulated across
	// the daemon's whole lifetime, advanced by cycle/2 per half-tick.
	Time int
	// LastRunningTimestamp is the virtual-clock time of the last scan.
	LastRunningTimestamp int
	// LastAccountingTimestamp is the virtual-clock time running-time
	// accounting last ran.
	LastAccountingTimestamp int

	// Dirty is set when anything changed since the last save;
	// ModelDirty schedules the update half of the current tick.
	Dirty      bool
	ModelDirty bool

	// Exes indexes all tracked executables by canonical path.
	Exes map[string]*Exe
	// BadExes records paths considered too small to track, with the
	// virtual-clock time of the verdict. Rechecked every boot.
	BadExes map[string]int
	// RunningExes lists the exes observed running in the last scan.
	RunningExes []*Exe
	// Families groups exe paths for aggregate statistics.
	Families map[string]*Family

	// Memstat is the last memory snapshot and its timestamp.
	Memstat          Memstat
	MemstatTimestamp int

	maps    map[MapKey]*Map
	mapsArr []*Map

	exeSeq int
	mapSeq int
}

// NewState creates an empty model.
func NewState() *State {
	return &State{
		Exes:     make(map[string]*Exe),
		BadExes:  make(map[string]int),
		Families: make(map[string]*Family),
		maps:     make(map[MapKey]*Map),
	}
}

// LookupExe finds a tracked exe by canonical path.
func (s *State) LookupExe(path string) *Exe {
	return s.Exes[path]
}

// LookupMap finds a registered map by content address.
func (s *State) LookupMap(key MapKey) *Map {
	return s.maps[key]
}

// Maps returns the registered maps in registration order.
func (s *State) Maps() []*Map {
	return s.mapsArr
}

// NumMaps returns the number of registered maps.
func (s *State) NumMaps() int {
	return len(s.maps)
}

// NewExe creates an exe for the given path. The exe is not registered
// until RegisterExe is called.
func (s *State) NewExe(path string, running bool) *Exe {
	return newExe(path, running, s.Time, s.LastRunningTimestamp)
}

// RegisterExe assigns the exe its sequence number and indexes it. With
// createMarkovs set and the exe in the priority pool, a markov edge is
// created to every already-registered priority-pool exe.
func (s *State) RegisterExe(x *Exe, createMarkovs bool) {
	if _, ok := s.Exes[x.Path]; ok {
		log.Error("exe %s is already registered", x.Path)
		return
	}
	s.exeSeq++
	x.Seq = s.exeSeq
	if createMarkovs && x.Pool == PoolPriority {
		for _, peer := range s.Exes {
			if peer.Pool == PoolPriority {
				s.newMarkov(peer, x, true)
			}
		}
	}
	s.Exes[x.Path] = x
}

// registerLoadedExe indexes an exe restored from disk, keeping its
// persisted sequence number.
func (s *State) registerLoadedExe(x *Exe) {
	s.Exes[x.Path] = x
	if x.Seq > s.exeSeq {
		s.exeSeq = x.Seq
	}
}

// UnregisterExe removes the exe and all its edges from the model.
func (s *State) UnregisterExe(x *Exe) {
	if _, ok := s.Exes[x.Path]; !ok {
		log.Error("exe %s is not registered", x.Path)
		return
	}
	for m := range x.Markovs {
		m.forget(x)
	}
	x.Markovs = make(map[*Markov]struct{})
	for key, em := range x.Exemaps {
		s.unrefMap(em.Map)
		delete(x.Exemaps, key)
	}
	delete(s.Exes, x.Path)
}

// AddExemap attaches the region to the exe, creating and referencing
// the shared map as needed. Each exe carries at most one exemap per
// unique region; re-adding an existing region is a no-op.
func (s *State) AddExemap(x *Exe, path string, offset, length uint64) *Exemap {
	key := MapKey{Path: path, Offset: offset, Length: length}
	if em, ok := x.Exemaps[key]; ok {
		return em
	}

	m := s.maps[key]
	if m == nil {
		m = newMap(path, offset, length, s.Time)
	}
	s.refMap(m)

	em := &Exemap{Map: m, Prob: 1.0}
	x.Exemaps[key] = em
	x.Size += m.Length
	return em
}

// HasMarkov reports whether the pair already has a correlation edge.
func (s *State) HasMarkov(a, b *Exe) bool {
	for m := range a.Markovs {
		if m.other(a) == b {
			return true
		}
	}
	return false
}

// BuildPriorityMesh ensures every priority-pool exe has a markov edge
// to every other priority-pool exe. Invoked after bulk seeding.
func (s *State) BuildPriorityMesh() int {
	built := 0
	for _, a := range s.Exes {
		if a.Pool != PoolPriority {
			continue
		}
		for _, b := range s.Exes {
			if b.Pool != PoolPriority || b.Seq <= a.Seq {
				continue
			}
			if !s.HasMarkov(a, b) {
				s.newMarkov(a, b, true)
				built++
			}
		}
	}
	if built > 0 {
		log.Info("priority mesh: created %d markov edges", built)
		s.Dirty = true
	}
	return built
}

// MarkovStateChanged folds a running-state transition of either
// endpoint into the edge statistics.
func (s *State) MarkovStateChanged(m *Markov) {
	s.markovStateChanged(m)
}

// refMap registers the map on its first reference.
func (s *State) refMap(m *Map) {
	if m.refcount == 0 {
		if m.Seq == 0 {
			s.mapSeq++
			m.Seq = s.mapSeq
		} else if m.Seq > s.mapSeq {
			// Loaded map with a persisted seq; keep the counter ahead.
			s.mapSeq = m.Seq
		}
		s.maps[m.Key()] = m
		s.mapsArr = append(s.mapsArr, m)
	}
	m.refcount++
}

// unrefMap drops one reference and unregisters the map when the last
// reference goes away.
func (s *State) unrefMap(m *Map) {
	if m.refcount <= 0 {
		log.Error("map %s: unref with refcount %d", m.Path, m.refcount)
		return
	}
	m.refcount--
	if m.refcount == 0 {
		delete(s.maps, m.Key())
		for i, mm := range s.mapsArr {
			if mm == m {
				s.mapsArr = append(s.mapsArr[:i], s.mapsArr[i+1:]...)
				break
			}
		}
	}
}

// DropExemap removes one exe-to-map edge, releasing the map reference.
func (s *State) DropExemap(x *Exe, em *Exemap) {
	key := em.Map.Key()
	if x.Exemaps[key] != em {
		return
	}
	delete(x.Exemaps, key)
	x.Size -= em.Map.Length
	s.unrefMap(em.Map)
}

// DumpLog writes a summary of the model to the log.
func (s *State) DumpLog() {
	log.Info("persistent state stats:")
	log.Info("preheat time = %d", s.Time)
	log.Info("num exes = %d", len(s.Exes))
	log.Info("num bad exes = %d", len(s.BadExes))
	log.Info("num maps = %d", len(s.maps))
	log.Info("num families = %d", len(s.Families))
	log.Info("runtime state stats:")
	log.Info("num running exes = %d", len(s.RunningExes))
}
