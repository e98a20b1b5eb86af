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

package prophet

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preheatd/preheat/pkg/config"
	"github.com/preheatd/preheat/pkg/model"
	"github.com/preheatd/preheat/pkg/proc"
)

type fakeMem struct {
	ms proc.Memstat
}

func (f *fakeMem) ReadMemstat() (proc.Memstat, error) {
	return f.ms, nil
}

// call records one readahead request.
type call struct {
	path           string
	offset, length uint64
}

// recorder captures readahead calls instead of doing I/O.
type recorder struct {
	sync.Mutex
	calls []call
}

func (r *recorder) readahead(path string, offset, length uint64) error {
	r.Lock()
	defer r.Unlock()
	r.calls = append(r.calls, call{path, offset, length})
	return nil
}

func (r *recorder) total() uint64 {
	r.Lock()
	defer r.Unlock()
	var sum uint64
	for _, c := range r.calls {
		sum += c.length
	}
	return sum
}

func defaultOpts() Options {
	return Options{
		Cycle:          20,
		UseCorrelation: true,
		MemTotalPct:    -10,
		MemFreePct:     50,
		MemCachedPct:   0,
		MaxProcs:       4,
		SortStrategy:   config.SortPath,
	}
}

// addExe registers a priority exe with one private map of the given
// length and an optional running pid.
func addExe(s *model.State, path string, length uint64, running bool) *model.Exe {
	x := s.NewExe(path, running)
	x.Pool = model.PoolPriority
	if running {
		x.RunningPids[len(s.Exes)+1000] = &model.ProcInfo{PID: len(s.Exes) + 1000}
	}
	s.RegisterExe(x, false)
	if length > 0 {
		s.AddExemap(x, path, 0, length)
	}
	return x
}

func newProphet(s *model.State, ms proc.Memstat, opts Options) (*Prophet, *recorder) {
	rec := &recorder{}
	p := New(s, &fakeMem{ms: ms}, opts)
	p.readahead = rec.readahead
	return p, rec
}

func TestBudget(t *testing.T) {
	tcases := []struct {
		name     string
		ms       proc.Memstat
		total    int
		free     int
		cached   int
		expected uint64
	}{
		{
			name:     "all free memory drained",
			ms:       proc.Memstat{Total: 1000000, Free: 0, Cached: 0},
			total:    -10,
			free:     50,
			cached:   0,
			expected: 0,
		},
		{
			name:     "half of free minus tenth of total",
			ms:       proc.Memstat{Total: 1000, Free: 500, Cached: 100},
			total:    -10,
			free:     50,
			cached:   0,
			expected: 150,
		},
		{
			name:     "cached contributes",
			ms:       proc.Memstat{Total: 1000, Free: 100, Cached: 200},
			total:    0,
			free:     50,
			cached:   50,
			expected: 150,
		},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			opts := defaultOpts()
			opts.MemTotalPct = tc.total
			opts.MemFreePct = tc.free
			opts.MemCachedPct = tc.cached
			p := New(model.NewState(), &fakeMem{}, opts)
			assert.Equal(t, tc.expected, p.Budget(tc.ms))
		})
	}
}

func TestZeroBudgetIssuesNoReadahead(t *testing.T) {
	s := model.NewState()
	s.Time = 1000
	x := addExe(s, "/opt/app", 65536, false)
	x.Time = 500

	// free=0, cached=0: B = max(0, -0.1*total) = 0.
	p, rec := newProphet(s, proc.Memstat{Total: 1 << 30}, defaultOpts())
	require.NoError(t, p.Predict())
	assert.Empty(t, rec.calls)
}

func TestBudgetRespected(t *testing.T) {
	s := model.NewState()
	s.Time = 1000

	for _, e := range []struct {
		path   string
		length uint64
		time   int
	}{
		{"/opt/a", 400, 900},
		{"/opt/b", 400, 500},
		{"/opt/c", 400, 100},
	} {
		x := addExe(s, e.path, e.length, false)
		x.Time = e.time
	}

	opts := defaultOpts()
	opts.MemTotalPct = 0
	opts.MemFreePct = 100
	// Budget of 900 bytes fits two 400-byte maps.
	p, rec := newProphet(s, proc.Memstat{Free: 900}, opts)
	require.NoError(t, p.Predict())

	assert.Len(t, rec.calls, 2)
	assert.LessOrEqual(t, rec.total(), uint64(900))
}

func TestRunningExeMapsNeverSelected(t *testing.T) {
	s := model.NewState()
	s.Time = 1000

	idle := addExe(s, "/opt/idle", 4096, false)
	idle.Time = 500
	busy := addExe(s, "/opt/busy", 4096, true)
	busy.Time = 500

	// The idle exe also shares a library with the running one; the
	// shared map is already in use and must not be selected.
	s.AddExemap(idle, "/lib/shared.so", 0, 8192)
	s.AddExemap(busy, "/lib/shared.so", 0, 8192)

	opts := defaultOpts()
	opts.MemTotalPct = 0
	opts.MemFreePct = 100
	p, rec := newProphet(s, proc.Memstat{Free: 1 << 20}, opts)
	require.NoError(t, p.Predict())

	paths := map[string]bool{}
	for _, c := range rec.calls {
		paths[c.path] = true
	}
	assert.True(t, paths["/opt/idle"])
	assert.False(t, paths["/opt/busy"])
	assert.False(t, paths["/lib/shared.so"])
}

func TestSelectionPrefersLikelyExes(t *testing.T) {
	s := model.NewState()
	s.Time = 1000

	often := addExe(s, "/opt/often", 512, false)
	often.Time = 900
	rarely := addExe(s, "/opt/rarely", 512, false)
	rarely.Time = 10

	opts := defaultOpts()
	opts.MemTotalPct = 0
	opts.MemFreePct = 100
	// Budget fits exactly one map.
	p, rec := newProphet(s, proc.Memstat{Free: 512}, opts)
	require.NoError(t, p.Predict())

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "/opt/often", rec.calls[0].path)
}

func TestManualAppsAreCertain(t *testing.T) {
	s := model.NewState()
	s.Time = 1000

	popular := addExe(s, "/opt/popular", 512, false)
	popular.Time = 999
	manual := addExe(s, "/opt/manual", 512, false)
	manual.Time = 0

	opts := defaultOpts()
	opts.MemTotalPct = 0
	opts.MemFreePct = 100
	opts.ManualApps = []string{"/opt/manual"}
	p, rec := newProphet(s, proc.Memstat{Free: 512}, opts)
	require.NoError(t, p.Predict())

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "/opt/manual", rec.calls[0].path)
}

func TestSelectionDeterministicOnTies(t *testing.T) {
	run := func() []string {
		s := model.NewState()
		s.Time = 1000
		for _, path := range []string{"/opt/a", "/opt/b", "/opt/c", "/opt/d"} {
			x := addExe(s, path, 256, false)
			x.Time = 500
		}
		opts := defaultOpts()
		opts.MemTotalPct = 0
		opts.MemFreePct = 100
		opts.SortStrategy = config.SortNone
		opts.MaxProcs = 1
		p, rec := newProphet(s, proc.Memstat{Free: 512}, opts)
		require.NoError(t, p.Predict())
		var paths []string
		for _, c := range rec.calls {
			paths = append(paths, c.path)
		}
		return paths
	}

	first := run()
	require.Len(t, first, 2)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, run())
	}
}

func TestPathSortOrder(t *testing.T) {
	s := model.NewState()
	s.Time = 1000

	x := addExe(s, "/opt/app", 0, false)
	x.Time = 500
	s.AddExemap(x, "/zzz/lib.so", 0, 100)
	s.AddExemap(x, "/aaa/lib.so", 0, 100)
	s.AddExemap(x, "/aaa/lib.so", 4096, 100)

	opts := defaultOpts()
	opts.MemTotalPct = 0
	opts.MemFreePct = 100
	opts.SortStrategy = config.SortPath
	opts.MaxProcs = 1
	p, rec := newProphet(s, proc.Memstat{Free: 1 << 20}, opts)
	require.NoError(t, p.Predict())

	require.Len(t, rec.calls, 3)
	assert.Equal(t, call{"/aaa/lib.so", 0, 100}, rec.calls[0])
	assert.Equal(t, call{"/aaa/lib.so", 4096, 100}, rec.calls[1])
	assert.Equal(t, call{"/zzz/lib.so", 0, 100}, rec.calls[2])
}

func TestCorrelationBidsShiftSelection(t *testing.T) {
	build := func(useCorrelation bool) float64 {
		s := model.NewState()
		s.Time = 1000

		a := addExe(s, "/opt/peer", 512, true)
		a.Time = 500
		b := addExe(s, "/opt/follower", 512, false)
		b.Time = 500

		// A positive-correlation edge in state "peer running".
		m := func() *model.Markov {
			s.BuildPriorityMesh()
			var mm *model.Markov
			for e := range b.Markovs {
				mm = e
			}
			return mm
		}()
		require.NotNil(t, m)
		m.Time = 400
		st := m.State
		m.Weight[st][st] = 5
		m.TimeToLeave[st] = 30
		if m.A == b {
			m.Weight[st][st|1] = 5
		} else {
			m.Weight[st][st|2] = 5
		}

		opts := defaultOpts()
		opts.UseCorrelation = useCorrelation
		p, _ := newProphet(s, proc.Memstat{Free: 1 << 20}, opts)
		p.bidExes()
		return b.Lnprob()
	}

	with := build(true)
	without := build(false)
	assert.Less(t, with, without,
		"positive correlation with a running peer must lower the bid")
}

func TestBoostTopApps(t *testing.T) {
	s := model.NewState()
	s.Time = 1000

	for _, e := range []struct {
		path     string
		weighted float64
	}{
		{"/opt/first", 10},
		{"/opt/second", 5},
		{"/opt/third", 1},
	} {
		x := addExe(s, e.path, 1024, false)
		x.WeightedLaunches = e.weighted
	}
	running := addExe(s, "/opt/running", 1024, true)
	running.WeightedLaunches = 100

	opts := defaultOpts()
	opts.SortStrategy = config.SortNone
	opts.MaxProcs = 1
	p, rec := newProphet(s, proc.Memstat{}, opts)
	require.NoError(t, p.Boost(2))

	paths := map[string]bool{}
	for _, c := range rec.calls {
		paths[c.path] = true
	}
	assert.Equal(t, map[string]bool{"/opt/first": true, "/opt/second": true}, paths)
}
