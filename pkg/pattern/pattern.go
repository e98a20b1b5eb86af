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

// Package pattern implements the path matching used to classify
// executables: glob matching where '*' does not cross '/', and
// directory-boundary aware prefix matching.
package pattern

import (
	"path/filepath"
	"strings"
)

// Match checks a single path against a single glob pattern. The glob
// syntax is that of filepath.Match: '*' matches any sequence of
// non-separator characters, so "/usr/lib/*" matches "/usr/lib/foo.so"
// but not "/usr/lib/x/y.so". Malformed patterns never match.
func Match(path, pattern string) bool {
	if path == "" || pattern == "" {
		return false
	}
	ok, err := filepath.Match(pattern, path)
	return err == nil && ok
}

// MatchesAny checks the path against a list of glob patterns and
// returns true on the first match.
func MatchesAny(path string, patterns []string) bool {
	for _, p := range patterns {
		if Match(path, p) {
			return true
		}
	}
	return false
}

// UnderAny checks whether the path lies under any of the given
// directory prefixes. A prefix matches only on a directory boundary:
// "/opt" matches "/opt" and "/opt/app" but not "/optical". Trailing
// slashes on prefixes are ignored.
func UnderAny(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		for len(prefix) > 1 && strings.HasSuffix(prefix, "/") {
			prefix = prefix[:len(prefix)-1]
		}
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		if len(path) == len(prefix) || path[len(prefix)] == '/' {
			return true
		}
	}
	return false
}
