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

package spy

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preheatd/preheat/pkg/model"
	"github.com/preheatd/preheat/pkg/proc"
)

// fakeSource is an in-memory ProcSource.
type fakeSource struct {
	procs   map[int]string
	maps    map[int][]proc.Region
	parents map[int]int
	comms   map[int]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		procs:   map[int]string{},
		maps:    map[int][]proc.Region{},
		parents: map[int]int{},
		comms:   map[int]string{},
	}
}

func (f *fakeSource) ForEachRunning(visit func(pid int, path string)) error {
	for pid, path := range f.procs {
		visit(pid, path)
	}
	return nil
}

func (f *fakeSource) ReadMaps(pid int) ([]proc.Region, error) {
	regions, ok := f.maps[pid]
	if !ok {
		return nil, os.ErrNotExist
	}
	return regions, nil
}

func (f *fakeSource) ParentPID(pid int) (int, error) {
	if ppid, ok := f.parents[pid]; ok {
		return ppid, nil
	}
	return 0, os.ErrNotExist
}

func (f *fakeSource) Comm(pid int) (string, error) {
	if comm, ok := f.comms[pid]; ok {
		return comm, nil
	}
	return "", os.ErrNotExist
}

// shellChild makes pid look like an interactive launch.
func (f *fakeSource) shellChild(pid int) {
	f.parents[pid] = 1
	f.comms[1] = "bash"
}

const testCycle = 20

// fullTick runs one full tick: scan at the current time, update half
// a cycle later, leaving the clock advanced by a full cycle.
func fullTick(t *testing.T, s *Spy, state *model.State) {
	t.Helper()
	require.NoError(t, s.Scan())
	state.Time += testCycle / 2
	require.NoError(t, s.UpdateModel())
	state.Time += testCycle / 2
}

func catRegions() []proc.Region {
	return []proc.Region{{Path: "/bin/cat", Offset: 0, Length: 64 * 1024}}
}

func newSpy(state *model.State, src ProcSource, opts Options) *Spy {
	if opts.MinSize == 0 {
		opts.MinSize = 1024
	}
	return New(state, src, opts)
}

func TestColdStartSingleLaunch(t *testing.T) {
	state := model.NewState()
	src := newFakeSource()
	s := newSpy(state, src, Options{})

	src.procs[1000] = "/bin/cat"
	src.maps[1000] = catRegions()
	src.shellChild(1000)

	// Tick 0: discover and register.
	fullTick(t, s, state)
	x := state.LookupExe("/bin/cat")
	require.NotNil(t, x)
	assert.True(t, x.Running())
	assert.Equal(t, uint64(1), x.RawLaunches)

	// Ticks 1 and 2: still running.
	fullTick(t, s, state)
	fullTick(t, s, state)

	// Tick 3: gone.
	delete(src.procs, 1000)
	fullTick(t, s, state)

	assert.False(t, x.Running())
	assert.Empty(t, x.RunningPids)
	assert.Equal(t, uint64(1), x.RawLaunches)

	// The run was credited from registration (cycle/2 into tick 0) to
	// the last scan that saw it (tick 2): 3*cycle/2 seconds.
	assert.Equal(t, uint64(3*testCycle/2), x.TotalDurationSec)
	expected := LaunchWeight(3*testCycle/2, true)
	assert.InDelta(t, expected, x.WeightedLaunches, 1e-9)
	assert.InDelta(t, math.Log1p(3*testCycle/120.0), x.WeightedLaunches, 1e-9)
}

func TestRunningSetMatchesRunningPids(t *testing.T) {
	state := model.NewState()
	src := newFakeSource()
	s := newSpy(state, src, Options{})

	src.procs[1] = "/bin/a"
	src.maps[1] = []proc.Region{{Path: "/bin/a", Offset: 0, Length: 4096}}
	src.procs[2] = "/bin/b"
	src.maps[2] = []proc.Region{{Path: "/bin/b", Offset: 0, Length: 4096}}

	check := func() {
		running := map[*model.Exe]bool{}
		for _, x := range state.RunningExes {
			running[x] = true
		}
		for _, x := range state.Exes {
			assert.Equal(t, running[x], x.Running(), "exe %s", x.Path)
		}
	}

	fullTick(t, s, state)
	check()

	delete(src.procs, 1)
	fullTick(t, s, state)
	check()

	src.procs[1] = "/bin/a"
	fullTick(t, s, state)
	check()

	delete(src.procs, 1)
	delete(src.procs, 2)
	fullTick(t, s, state)
	check()
	assert.Empty(t, state.RunningExes)
}

func TestPoolClassification(t *testing.T) {
	state := model.NewState()
	src := newFakeSource()
	s := newSpy(state, src, Options{
		ExcludePatterns: []string{"/usr/lib/*"},
		UserAppPaths:    []string{"/opt"},
		ManualApps:      []string{"/srv/manual"},
		HasDesktopEntry: func(path string) bool { return path == "/usr/bin/gui" },
	})

	tcases := []struct {
		path     string
		expected model.Pool
	}{
		{"/usr/lib/helper", model.PoolObservation},
		{"/opt/app/bin/run", model.PoolPriority},
		{"/usr/bin/gui", model.PoolPriority},
		{"/srv/manual", model.PoolPriority},
		{"/usr/sbin/cron", model.PoolObservation},
	}
	for _, tc := range tcases {
		assert.Equal(t, tc.expected, s.classify(tc.path), "path %s", tc.path)
	}
}

func TestMarkovEdgesOnlyForPriorityPairs(t *testing.T) {
	state := model.NewState()
	src := newFakeSource()
	s := newSpy(state, src, Options{UserAppPaths: []string{"/opt"}})

	src.procs[1] = "/opt/a"
	src.maps[1] = []proc.Region{{Path: "/opt/a", Offset: 0, Length: 8192}}
	src.procs[2] = "/opt/b"
	src.maps[2] = []proc.Region{{Path: "/opt/b", Offset: 0, Length: 8192}}
	src.procs[3] = "/usr/sbin/daemon"
	src.maps[3] = []proc.Region{{Path: "/usr/sbin/daemon", Offset: 0, Length: 8192}}

	fullTick(t, s, state)

	a := state.LookupExe("/opt/a")
	b := state.LookupExe("/opt/b")
	d := state.LookupExe("/usr/sbin/daemon")
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotNil(t, d)

	assert.Len(t, a.Markovs, 1)
	assert.Len(t, b.Markovs, 1)
	assert.Len(t, d.Markovs, 0)
}

func TestSmallExeGoesBad(t *testing.T) {
	state := model.NewState()
	src := newFakeSource()
	s := New(state, src, Options{MinSize: 1000000})

	src.procs[1] = "/bin/tiny"
	src.maps[1] = []proc.Region{{Path: "/bin/tiny", Offset: 0, Length: 4096}}

	fullTick(t, s, state)

	assert.Nil(t, state.LookupExe("/bin/tiny"))
	assert.Contains(t, state.BadExes, "/bin/tiny")

	// A bad exe is not queued again on the next scan.
	fullTick(t, s, state)
	assert.Nil(t, state.LookupExe("/bin/tiny"))
}

func TestUnreadableMapsGoBad(t *testing.T) {
	state := model.NewState()
	src := newFakeSource()
	s := newSpy(state, src, Options{})

	src.procs[1] = "/bin/confined"
	// No maps entry: ReadMaps fails as it does for AppArmor-confined
	// processes.

	fullTick(t, s, state)

	assert.Nil(t, state.LookupExe("/bin/confined"))
	assert.Contains(t, state.BadExes, "/bin/confined")
}

func TestManualAppSynthesizesWholeFileMap(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "manualapp")
	require.NoError(t, os.WriteFile(bin, make([]byte, 12345), 0755))

	state := model.NewState()
	src := newFakeSource()
	s := newSpy(state, src, Options{ManualApps: []string{bin}})

	src.procs[1] = bin
	// Maps unreadable for this pid.

	fullTick(t, s, state)

	x := state.LookupExe(bin)
	require.NotNil(t, x)
	assert.Equal(t, model.PoolPriority, x.Pool)
	em := x.Exemaps[model.MapKey{Path: bin, Offset: 0, Length: 12345}]
	require.NotNil(t, em)
	assert.Equal(t, uint64(12345), x.Size)
}

func TestSeedManualApps(t *testing.T) {
	state := model.NewState()
	src := newFakeSource()
	s := newSpy(state, src, Options{})

	n := s.SeedManualApps([]string{"/usr/bin/emacs", "/usr/bin/firefox"})
	assert.Equal(t, 2, n)

	emacs := state.LookupExe("/usr/bin/emacs")
	require.NotNil(t, emacs)
	assert.Equal(t, model.PoolPriority, emacs.Pool)
	assert.False(t, emacs.Running())
	// The mesh pass connected the seeded priority exes.
	assert.Len(t, emacs.Markovs, 1)

	// Seeding again is idempotent.
	assert.Equal(t, 0, s.SeedManualApps([]string{"/usr/bin/emacs"}))
}

func TestWeightFairness(t *testing.T) {
	run := func(ticks int) float64 {
		state := model.NewState()
		src := newFakeSource()
		s := newSpy(state, src, Options{})
		src.procs[1] = "/bin/app"
		src.maps[1] = []proc.Region{{Path: "/bin/app", Offset: 0, Length: 8192}}
		src.shellChild(1)
		for i := 0; i < ticks; i++ {
			fullTick(t, s, state)
		}
		delete(src.procs, 1)
		fullTick(t, s, state)
		return state.LookupExe("/bin/app").WeightedLaunches
	}

	w5, w10 := run(5), run(10)
	assert.Greater(t, w10, w5, "longer run must accumulate strictly more weight")
}

func TestLaunchWeightProperties(t *testing.T) {
	// User-initiated launches always weigh at least as much.
	for _, d := range []float64{0, 1, 4.999, 5, 60, 3600} {
		assert.GreaterOrEqual(t, LaunchWeight(d, true), LaunchWeight(d, false), "d=%v", d)
	}
	// The short-lived penalty steps off at 5 seconds.
	assert.GreaterOrEqual(t, LaunchWeight(5, true), LaunchWeight(4.999, true)*(1/0.3))
	// Monotone in duration.
	assert.Greater(t, LaunchWeight(100, true), LaunchWeight(50, true))
	// Negative durations do not produce negative weight.
	assert.Equal(t, 0.0, LaunchWeight(-10, true))
}

func TestRefreshExemapsTracksLaunchFrequency(t *testing.T) {
	state := model.NewState()
	src := newFakeSource()
	s := newSpy(state, src, Options{})

	src.procs[1] = "/bin/app"
	src.maps[1] = []proc.Region{
		{Path: "/bin/app", Offset: 0, Length: 8192},
		{Path: "/lib/plugin.so", Offset: 0, Length: 4096},
	}
	fullTick(t, s, state)
	x := state.LookupExe("/bin/app")
	require.NotNil(t, x)

	// First launch ends.
	delete(src.procs, 1)
	fullTick(t, s, state)

	// Second launch maps the binary but not the plugin.
	src.procs[2] = "/bin/app"
	src.maps[2] = []proc.Region{{Path: "/bin/app", Offset: 0, Length: 8192}}
	fullTick(t, s, state)

	binKey := model.MapKey{Path: "/bin/app", Offset: 0, Length: 8192}
	plugKey := model.MapKey{Path: "/lib/plugin.so", Offset: 0, Length: 4096}
	assert.InDelta(t, 1.0, x.Exemaps[binKey].Prob, 1e-9)
	assert.InDelta(t, 0.5, x.Exemaps[plugKey].Prob, 1e-9)
}

func TestExePrefixFilter(t *testing.T) {
	state := model.NewState()
	src := newFakeSource()
	s := newSpy(state, src, Options{ExePrefix: []string{"/usr"}})

	src.procs[1] = "/usr/bin/tracked"
	src.maps[1] = []proc.Region{{Path: "/usr/bin/tracked", Offset: 0, Length: 8192}}
	src.procs[2] = "/opt/ignored"
	src.maps[2] = []proc.Region{{Path: "/opt/ignored", Offset: 0, Length: 8192}}

	fullTick(t, s, state)

	assert.NotNil(t, state.LookupExe("/usr/bin/tracked"))
	assert.Nil(t, state.LookupExe("/opt/ignored"))
	assert.NotContains(t, state.BadExes, "/opt/ignored")
}

func TestMapPrefixFilter(t *testing.T) {
	state := model.NewState()
	src := newFakeSource()
	s := newSpy(state, src, Options{MapPrefix: []string{"/usr"}})

	src.procs[1] = "/usr/bin/app"
	src.maps[1] = []proc.Region{
		{Path: "/usr/bin/app", Offset: 0, Length: 8192},
		{Path: "/opt/lib/other.so", Offset: 0, Length: 4096},
	}

	fullTick(t, s, state)

	x := state.LookupExe("/usr/bin/app")
	require.NotNil(t, x)
	assert.Len(t, x.Exemaps, 1)
	assert.Equal(t, uint64(8192), x.Size)
}

func TestExeTimeAccounting(t *testing.T) {
	state := model.NewState()
	src := newFakeSource()
	s := newSpy(state, src, Options{})

	src.procs[1] = "/bin/app"
	src.maps[1] = []proc.Region{{Path: "/bin/app", Offset: 0, Length: 8192}}

	fullTick(t, s, state)
	x := state.LookupExe("/bin/app")
	require.NotNil(t, x)
	assert.Equal(t, 0, x.Time)

	// Each subsequent tick credits one full cycle of running time.
	fullTick(t, s, state)
	assert.Equal(t, testCycle, x.Time)
	fullTick(t, s, state)
	assert.Equal(t, 2*testCycle, x.Time)

	assert.LessOrEqual(t, x.Time, state.Time)
}
