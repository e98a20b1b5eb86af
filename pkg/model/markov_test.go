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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// markovPair builds two priority exes with one edge in state 0 at t=0.
func markovPair(t *testing.T) (*State, *Exe, *Exe, *Markov) {
	t.Helper()
	s := NewState()
	a := s.NewExe("/usr/bin/A", false)
	a.Pool = PoolPriority
	s.RegisterExe(a, true)
	b := s.NewExe("/usr/bin/B", false)
	b.Pool = PoolPriority
	s.RegisterExe(b, true)

	var m *Markov
	for mm := range a.Markovs {
		m = mm
	}
	require.NotNil(t, m)
	require.Equal(t, 0, m.State)
	return s, a, b, m
}

func TestMarkovTransitionSequence(t *testing.T) {
	s, a, b, m := markovPair(t)

	// t=10: a starts.
	s.Time = 10
	addRunningPid(a, 1)
	s.MarkovStateChanged(m)
	assert.Equal(t, 1, m.State)

	// t=25: b starts.
	s.Time = 25
	addRunningPid(b, 2)
	s.MarkovStateChanged(m)
	assert.Equal(t, 3, m.State)

	// Both running over [25,40]: state-3 co-running time accrues.
	m.Time += 15

	// t=40: a exits.
	s.Time = 40
	delete(a.RunningPids, 1)
	s.MarkovStateChanged(m)
	assert.Equal(t, 2, m.State)

	// t=55: b exits.
	s.Time = 55
	delete(b.RunningPids, 2)
	s.MarkovStateChanged(m)
	assert.Equal(t, 0, m.State)

	assert.InDelta(t, 10, m.TimeToLeave[0], 1e-9)
	assert.InDelta(t, 15, m.TimeToLeave[1], 1e-9)
	assert.InDelta(t, 15, m.TimeToLeave[3], 1e-9)
	assert.InDelta(t, 15, m.TimeToLeave[2], 1e-9)

	assert.Equal(t, 1, m.Weight[0][1])
	assert.Equal(t, 1, m.Weight[1][3])
	assert.Equal(t, 1, m.Weight[3][2])
	assert.Equal(t, 1, m.Weight[2][0])
	assert.Equal(t, 15, m.Time)

	// Sojourn counters back the running means.
	for st := 0; st < 4; st++ {
		assert.Equal(t, 1, m.Weight[st][st], "sojourns in state %d", st)
	}
}

func TestMarkovStateMatchesRunningBits(t *testing.T) {
	s, a, b, m := markovPair(t)

	events := []struct {
		time  int
		apply func()
	}{
		{5, func() { addRunningPid(a, 1) }},
		{10, func() { addRunningPid(b, 2) }},
		{15, func() { delete(b.RunningPids, 2) }},
		{20, func() { addRunningPid(b, 3) }},
		{25, func() { delete(a.RunningPids, 1) }},
		{30, func() { delete(b.RunningPids, 3) }},
	}
	for _, ev := range events {
		s.Time = ev.time
		ev.apply()
		s.MarkovStateChanged(m)
		assert.Equal(t, jointState(a, b), m.State, "after t=%d", ev.time)
	}
}

func TestMarkovCoalescing(t *testing.T) {
	s, a, _, m := markovPair(t)

	s.Time = 10
	addRunningPid(a, 1)
	s.MarkovStateChanged(m)
	saved := *m

	// A second call at the same virtual time is a no-op.
	s.MarkovStateChanged(m)
	assert.Equal(t, saved.Weight, m.Weight)
	assert.Equal(t, saved.TimeToLeave, m.TimeToLeave)
	assert.Equal(t, saved.State, m.State)
}

func TestMarkovInitialStateSeeding(t *testing.T) {
	s := NewState()
	s.Time = 100

	a := s.NewExe("/usr/bin/A", true)
	a.Pool = PoolPriority
	addRunningPid(a, 1)
	a.ChangeTimestamp = 80
	s.RegisterExe(a, true)

	b := s.NewExe("/usr/bin/B", true)
	b.Pool = PoolPriority
	addRunningPid(b, 2)
	b.ChangeTimestamp = 90
	s.RegisterExe(b, true)

	var m *Markov
	for mm := range a.Markovs {
		m = mm
	}
	require.NotNil(t, m)

	// Seeding must leave the edge consistent with the running bits.
	assert.Equal(t, jointState(m.A, m.B), m.State)
	assert.Equal(t, s.Time, m.ChangeTimestamp)
}

func TestCorrelation(t *testing.T) {
	s, a, b, m := markovPair(t)
	s.Time = 100

	// Degenerate margins yield zero.
	a.Time, b.Time, m.Time = 0, 50, 0
	assert.Equal(t, 0.0, s.Correlation(m))
	a.Time, b.Time = 100, 50
	assert.Equal(t, 0.0, s.Correlation(m))

	// Perfect co-occurrence yields +1.
	a.Time, b.Time, m.Time = 50, 50, 50
	assert.InDelta(t, 1.0, s.Correlation(m), 1e-9)

	// Perfect avoidance yields -1.
	a.Time, b.Time, m.Time = 50, 50, 0
	assert.InDelta(t, -1.0, s.Correlation(m), 1e-9)

	// Independence yields 0: P(ab) = P(a)P(b).
	a.Time, b.Time, m.Time = 50, 40, 20
	assert.InDelta(t, 0.0, s.Correlation(m), 1e-9)

	// Always within [-1, 1].
	for _, times := range [][3]int{{10, 90, 10}, {99, 99, 99}, {1, 1, 1}, {30, 70, 25}} {
		a.Time, b.Time, m.Time = times[0], times[1], times[2]
		corr := s.Correlation(m)
		assert.LessOrEqual(t, math.Abs(corr), 1.0, "times %v", times)
	}
}
