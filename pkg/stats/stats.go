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

// Package stats collects the daemon's runtime metrics. The collectors
// are registered on a package-local prometheus registry; nothing is
// exported over the network from here.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all preheat collectors.
var Registry = prometheus.NewRegistry()

var (
	// ScanCycles counts completed scan half-ticks.
	ScanCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "preheat_scan_cycles_total",
		Help: "Number of completed process scan cycles.",
	})
	// PredictCycles counts completed prediction passes.
	PredictCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "preheat_predict_cycles_total",
		Help: "Number of completed prediction passes.",
	})
	// StateSaves counts successful state file writes.
	StateSaves = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "preheat_state_saves_total",
		Help: "Number of successful state file saves.",
	})
	// StateSaveErrors counts failed state file writes.
	StateSaveErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "preheat_state_save_errors_total",
		Help: "Number of failed state file saves.",
	})
	// ReadaheadCalls counts successful readahead syscalls.
	ReadaheadCalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "preheat_readahead_calls_total",
		Help: "Number of successful readahead calls.",
	})
	// ReadaheadErrors counts failed readahead syscalls.
	ReadaheadErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "preheat_readahead_errors_total",
		Help: "Number of failed readahead calls.",
	})
	// ReadaheadBytes counts bytes requested from the kernel.
	ReadaheadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "preheat_readahead_bytes_total",
		Help: "Number of bytes requested via readahead.",
	})
	// TrackedExes is the current number of tracked executables.
	TrackedExes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "preheat_tracked_exes",
		Help: "Number of tracked executables.",
	})
	// TrackedMaps is the current number of registered maps.
	TrackedMaps = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "preheat_tracked_maps",
		Help: "Number of registered file-region maps.",
	})
	// RunningExes is the number of exes seen running in the last scan.
	RunningExes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "preheat_running_exes",
		Help: "Number of tracked executables currently running.",
	})
)

func init() {
	Registry.MustRegister(
		ScanCycles,
		PredictCycles,
		StateSaves,
		StateSaveErrors,
		ReadaheadCalls,
		ReadaheadErrors,
		ReadaheadBytes,
		TrackedExes,
		TrackedMaps,
		RunningExes,
	)
}
