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

// DiscoveryMethod records how a family was formed.
type DiscoveryMethod int

const (
	// DiscoveryConfig means the family came from the configuration.
	DiscoveryConfig DiscoveryMethod = iota
	// DiscoveryAuto means the family was detected from naming patterns.
	DiscoveryAuto
	// DiscoveryManual means the family was created by an operator.
	DiscoveryManual
)

// Family is a named grouping of exe paths used for aggregate
// statistics. Families are off the hot path: stats are recomputed on
// demand from the member exes.
type Family struct {
	// ID is the unique family identifier.
	ID string
	// Method records how the family was discovered.
	Method DiscoveryMethod
	// MemberPaths lists the member exe paths in insertion order.
	MemberPaths []string

	// Aggregates, valid after UpdateStats.
	TotalWeightedLaunches float64
	TotalRawLaunches      uint64
	LastUsed              int
}

// NewFamily creates and registers a family. An existing family with
// the same ID is returned instead.
func (s *State) NewFamily(id string, method DiscoveryMethod) *Family {
	if f, ok := s.Families[id]; ok {
		return f
	}
	f := &Family{ID: id, Method: method}
	s.Families[id] = f
	return f
}

// AddMember adds an exe path to the family, ignoring duplicates.
func (f *Family) AddMember(path string) {
	for _, p := range f.MemberPaths {
		if p == path {
			return
		}
	}
	f.MemberPaths = append(f.MemberPaths, path)
}

// UpdateStats recomputes the family aggregates from its member exes.
// Members that are not tracked contribute nothing.
func (f *Family) UpdateStats(s *State) {
	f.TotalWeightedLaunches = 0
	f.TotalRawLaunches = 0
	f.LastUsed = 0

	for _, path := range f.MemberPaths {
		x := s.Exes[path]
		if x == nil {
			continue
		}
		f.TotalWeightedLaunches += x.WeightedLaunches
		f.TotalRawLaunches += x.RawLaunches
		if x.RunningTimestamp > f.LastUsed {
			f.LastUsed = x.RunningTimestamp
		}
	}
}
