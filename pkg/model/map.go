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

// MapKey is the content address of a map: two maps with equal key are
// the same map.
type MapKey struct {
	Path   string
	Offset uint64
	Length uint64
}

// Map is a file region mapped by at least one tracked executable. Maps
// are shared between exes and owned by reference count: a map is in the
// state registry iff its refcount is positive.
type Map struct {
	// Path is the absolute path of the mapped file.
	Path string
	// Offset is the region's file offset in bytes.
	Offset uint64
	// Length is the region length in bytes.
	Length uint64
	// Seq is the stable sequence number assigned at registration.
	Seq int
	// UpdateTime is the virtual-clock time of the last update.
	UpdateTime int
	// Block is a transient device-order sort hint for the predictor.
	// Negative when unknown. Never persisted.
	Block int64

	refcount int
}

// Key returns the content address of the map.
func (m *Map) Key() MapKey {
	return MapKey{Path: m.Path, Offset: m.Offset, Length: m.Length}
}

// Refcount returns the number of exemaps referencing this map.
func (m *Map) Refcount() int {
	return m.refcount
}

// newMap creates an unregistered map with refcount 0.
func newMap(path string, offset, length uint64, now int) *Map {
	return &Map{
		Path:       path,
		Offset:     offset,
		Length:     length,
		UpdateTime: now,
		Block:      -1,
	}
}

// Exemap is the directed edge from an exe to one of its maps. It owns
// one reference on the map. Prob is the observed relative frequency
// that the region was present when the exe ran.
type Exemap struct {
	Map  *Map
	Prob float64
}
