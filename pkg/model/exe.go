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

// Pool classifies an exe for correlation tracking. Only priority-pool
// exes get markov edges and participate in prediction.
type Pool int

const (
	// PoolObservation is for passively tracked exes.
	PoolObservation Pool = iota
	// PoolPriority is for user applications participating in
	// correlation-driven prediction.
	PoolPriority
)

// ProcInfo records one running pid of an exe.
type ProcInfo struct {
	// PID and ParentPID identify the process.
	PID       int
	ParentPID int
	// StartTime is the virtual-clock time the pid was first observed.
	StartTime int
	// LastWeightUpdate is the virtual-clock time launch weight was last
	// accrued for this pid.
	LastWeightUpdate int
	// UserInitiated is true when the launch looks interactive (shell or
	// launcher parent, or the exe has a desktop entry).
	UserInitiated bool
}

// Exe is a tracked executable, identified by its canonical path.
type Exe struct {
	// Path is the canonical absolute path of the binary.
	Path string
	// Seq is the stable sequence number assigned at registration.
	Seq int
	// Size is the sum of the lengths of all mapped regions.
	Size uint64
	// Time is the total virtual-clock seconds this exe has been running.
	Time int
	// UpdateTime is the virtual-clock time of the last update.
	UpdateTime int
	// RunningTimestamp is the virtual-clock time the exe was last seen
	// running, -1 if never.
	RunningTimestamp int
	// ChangeTimestamp is the virtual-clock time the running state last
	// flipped.
	ChangeTimestamp int
	// Pool is the correlation-tracking classification.
	Pool Pool

	// WeightedLaunches accumulates the duration- and intent-weighted
	// launch score; RawLaunches counts every observed launch.
	WeightedLaunches float64
	RawLaunches      uint64
	// TotalDurationSec sums the durations of finished runs, in
	// virtual-clock seconds.
	TotalDurationSec uint64

	// Exemaps holds one edge per unique mapped region.
	Exemaps map[MapKey]*Exemap
	// Markovs holds every markov edge this exe is an endpoint of.
	Markovs map[*Markov]struct{}
	// RunningPids maps live pids to their tracking info.
	RunningPids map[int]*ProcInfo

	// lnprob is predictor scratch: negative log probability that the
	// exe will be running in the next cycle.
	lnprob float64
}

// newExe creates an unregistered exe.
func newExe(path string, running bool, now, lastRunning int) *Exe {
	x := &Exe{
		Path:             path,
		ChangeTimestamp:  now,
		UpdateTime:       -1,
		RunningTimestamp: -1,
		Exemaps:          make(map[MapKey]*Exemap),
		Markovs:          make(map[*Markov]struct{}),
		RunningPids:      make(map[int]*ProcInfo),
	}
	if running {
		x.UpdateTime = lastRunning
		x.RunningTimestamp = lastRunning
	}
	return x
}

// Running reports whether at least one pid of this exe is alive.
func (x *Exe) Running() bool {
	return len(x.RunningPids) > 0
}

// Lnprob returns the predictor's current bid for this exe.
func (x *Exe) Lnprob() float64 {
	return x.lnprob
}

// SetLnprob stores the predictor's bid for this exe.
func (x *Exe) SetLnprob(v float64) {
	x.lnprob = v
}
