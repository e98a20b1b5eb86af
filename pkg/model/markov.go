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

package model

import (
	"math"
)

// Markov is the pairwise correlation edge between two distinct exes.
// The joint running state (a_running, b_running) is modeled as a
// 4-state continuous-time Markov chain:
//
//	state = 2*[b running] + [a running]
//
// An edge is always a member of both endpoints' Markovs sets; the
// constructor and destructor enforce this twin registration so use
// sites never remove an edge from one side only.
type Markov struct {
	A, B *Exe
	// State is the current joint state, 0..3.
	State int
	// ChangeTimestamp is the virtual-clock time of the last transition.
	ChangeTimestamp int
	// Time is the total virtual-clock seconds both exes were running
	// simultaneously (time spent in state 3).
	Time int
	// TimeToLeave is the running mean sojourn time per state.
	TimeToLeave [4]float64
	// Weight counts transitions; the diagonal counts sojourns in the
	// state and is the denominator of the sojourn mean.
	Weight [4][4]int
}

// jointState computes 2*[b running] + [a running].
func jointState(a, b *Exe) int {
	s := 0
	if a.Running() {
		s |= 1
	}
	if b.Running() {
		s |= 2
	}
	return s
}

// newMarkov creates the edge and registers it with both endpoints.
// With initialize set, the state is seeded from the endpoints' current
// running status: the change timestamp starts from the earliest of the
// endpoints' change times still in the past, and the state bits of
// endpoints that flipped after that timestamp are folded back.
func (s *State) newMarkov(a, b *Exe, initialize bool) *Markov {
	if a == nil || b == nil || a == b {
		log.Error("refusing to create degenerate markov edge")
		return nil
	}

	m := &Markov{A: a, B: b}

	if initialize {
		m.State = jointState(a, b)
		m.ChangeTimestamp = s.Time
		if a.ChangeTimestamp > 0 && b.ChangeTimestamp > 0 {
			if a.ChangeTimestamp < s.Time {
				m.ChangeTimestamp = a.ChangeTimestamp
			}
			if b.ChangeTimestamp < s.Time && b.ChangeTimestamp < m.ChangeTimestamp {
				m.ChangeTimestamp = b.ChangeTimestamp
			}
			if a.ChangeTimestamp > m.ChangeTimestamp {
				m.State ^= 1
			}
			if b.ChangeTimestamp > m.ChangeTimestamp {
				m.State ^= 2
			}
		}
		s.markovStateChanged(m)
	}

	a.Markovs[m] = struct{}{}
	b.Markovs[m] = struct{}{}
	return m
}

// markovStateChanged folds a transition of either endpoint into the
// edge statistics. Multiple transitions at the same virtual-clock time
// coalesce into one.
func (s *State) markovStateChanged(m *Markov) {
	if m.ChangeTimestamp == s.Time {
		return
	}

	oldState := m.State
	newState := jointState(m.A, m.B)
	if oldState == newState {
		log.Error("markov %s <-> %s: state change without state change",
			m.A.Path, m.B.Path)
		return
	}

	m.Weight[oldState][oldState]++
	n := m.Weight[oldState][oldState]
	m.TimeToLeave[oldState] += (float64(s.Time-m.ChangeTimestamp) - m.TimeToLeave[oldState]) / float64(n)

	m.Weight[oldState][newState]++
	m.State = newState
	m.ChangeTimestamp = s.Time
}

// forget drops the edge. With from set, only the other endpoint's
// registration is removed (the caller is iterating from's set); with
// from nil both sides are cleaned up.
func (m *Markov) forget(from *Exe) {
	if from != nil {
		other := m.other(from)
		delete(other.Markovs, m)
		return
	}
	delete(m.A.Markovs, m)
	delete(m.B.Markovs, m)
}

// other returns the endpoint that is not x.
func (m *Markov) other(x *Exe) *Exe {
	if m.A == x {
		return m.B
	}
	return m.A
}

// Correlation computes the Pearson correlation coefficient between the
// two exes being run, over the whole model lifetime. The result is in
// [-1, 1]; numerical overshoot is clamped.
func (s *State) Correlation(m *Markov) float64 {
	t := float64(s.Time)
	a := float64(m.A.Time)
	b := float64(m.B.Time)
	ab := float64(m.Time)

	var corr float64
	if a == 0 || a == t || b == 0 || b == t {
		corr = 0
	} else {
		numerator := t*ab - a*b
		denominator2 := (a * b) * ((t - a) * (t - b))
		corr = numerator / math.Sqrt(denominator2)
	}

	if math.Abs(corr) > 1.00001 {
		log.Error("correlation %f out of range for %s <-> %s, clamping",
			corr, m.A.Path, m.B.Path)
	}
	return math.Max(-1, math.Min(1, corr))
}

// EachMarkov calls fn once per markov edge in the model.
func (s *State) EachMarkov(fn func(m *Markov)) {
	for _, x := range s.Exes {
		for m := range x.Markovs {
			// Visit each edge from its A side only, so twins do not
			// double-count.
			if m.A == x {
				fn(m)
			}
		}
	}
}
