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

// Package config reads the daemon configuration from an INI-style key
// file with sections [model], [system] and [preheat]. Invalid or
// out-of-range values are logged and replaced by their defaults; loading
// never fails hard.
package config

import (
	"os"
	"strings"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"

	logger "github.com/preheatd/preheat/pkg/log"
)

var log = logger.NewLogger("config")

// SortStrategy selects how the predictor orders maps before readahead.
type SortStrategy int

const (
	// SortNone issues readahead in selection order.
	SortNone SortStrategy = iota
	// SortPath orders maps by path.
	SortPath
	// SortBlock orders maps by on-disk block hint.
	SortBlock
	// SortBlockThenPath orders by block hint when available, path otherwise.
	SortBlockThenPath
)

// Model holds the [model] section.
type Model struct {
	// Cycle is the tick period in seconds, at least 2.
	Cycle int
	// UseCorrelation includes the markov term in running probabilities.
	UseCorrelation bool
	// MinSize is the minimum total map size for a tracked exe, in bytes.
	MinSize int64
	// MemTotal, MemFree and MemCached are signed percentages of the
	// corresponding meminfo figures, summed into the preload budget.
	MemTotal  int
	MemFree   int
	MemCached int
}

// System holds the [system] section.
type System struct {
	// DoScan enables the observer.
	DoScan bool
	// DoPredict enables the predictor.
	DoPredict bool
	// Autosave is the persistence period in seconds.
	Autosave int
	// MapPrefix restricts tracked maps to the given path prefixes.
	MapPrefix []string
	// ExePrefix restricts tracked exes to the given path prefixes.
	ExePrefix []string
	// MaxProcs caps the number of parallel readahead workers.
	MaxProcs int
	// SortStrategy selects the readahead ordering.
	SortStrategy SortStrategy
	// ManualApps is the path of a newline-separated list of exes forced
	// into the priority pool.
	ManualApps string
}

// Preheat holds the [preheat] section with the two-pool classification
// inputs.
type Preheat struct {
	// ExcludePatterns lists glob patterns for exes that never enter the
	// priority pool.
	ExcludePatterns []string
	// UserAppPaths lists directory prefixes whose exes are considered
	// user applications.
	UserAppPaths []string
	// BoostApps is the number of top priority-pool exes preloaded
	// unconditionally during the session boot window.
	BoostApps int
}

// Config is the full daemon configuration.
type Config struct {
	Model   Model
	System  System
	Preheat Preheat
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Model: Model{
			Cycle:          20,
			UseCorrelation: true,
			MinSize:        2000000,
			MemTotal:       -10,
			MemFree:        50,
			MemCached:      0,
		},
		System: System{
			DoScan:       true,
			DoPredict:    true,
			Autosave:     3600,
			MaxProcs:     30,
			SortStrategy: SortBlockThenPath,
		},
		Preheat: Preheat{
			BoostApps: 5,
		},
	}
}

// Load reads the configuration file at the given path on top of the
// defaults. A missing file yields the defaults. The returned error is
// non-nil only when the file exists but cannot be parsed at all; the
// caller is still handed a usable default configuration in that case.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	// ';' separates list entries, so it must not start an inline comment.
	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			log.Info("no configuration file at %s, using defaults", path)
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "failed to load configuration %s", path)
	}

	cfg.fromFile(f)
	cfg.validate()
	return cfg, nil
}

func (c *Config) fromFile(f *ini.File) {
	model := f.Section("model")
	c.Model.Cycle = intKey(model, "cycle", c.Model.Cycle)
	c.Model.UseCorrelation = boolKey(model, "usecorrelation", c.Model.UseCorrelation)
	c.Model.MinSize = int64Key(model, "minsize", c.Model.MinSize)
	c.Model.MemTotal = intKey(model, "memtotal", c.Model.MemTotal)
	c.Model.MemFree = intKey(model, "memfree", c.Model.MemFree)
	c.Model.MemCached = intKey(model, "memcached", c.Model.MemCached)

	system := f.Section("system")
	c.System.DoScan = boolKey(system, "doscan", c.System.DoScan)
	c.System.DoPredict = boolKey(system, "dopredict", c.System.DoPredict)
	c.System.Autosave = intKey(system, "autosave", c.System.Autosave)
	c.System.MapPrefix = listKey(system, "mapprefix")
	c.System.ExePrefix = listKey(system, "exeprefix")
	c.System.MaxProcs = intKey(system, "maxprocs", c.System.MaxProcs)
	c.System.SortStrategy = SortStrategy(intKey(system, "sortstrategy", int(c.System.SortStrategy)))
	c.System.ManualApps = system.Key("manualapps").String()

	preheat := f.Section("preheat")
	c.Preheat.ExcludePatterns = listKey(preheat, "excludepatterns")
	c.Preheat.UserAppPaths = listKey(preheat, "userapppaths")
	c.Preheat.BoostApps = intKey(preheat, "boostapps", c.Preheat.BoostApps)
}

// validate replaces out-of-range values with defaults.
func (c *Config) validate() {
	def := Defaults()

	if c.Model.Cycle < 2 {
		log.Warn("invalid cycle %d (must be >= 2), using default %d", c.Model.Cycle, def.Model.Cycle)
		c.Model.Cycle = def.Model.Cycle
	}
	if c.Model.MinSize < 0 {
		log.Warn("invalid minsize %d, using default %d", c.Model.MinSize, def.Model.MinSize)
		c.Model.MinSize = def.Model.MinSize
	}
	if c.System.Autosave <= 0 {
		log.Warn("invalid autosave %d, using default %d", c.System.Autosave, def.System.Autosave)
		c.System.Autosave = def.System.Autosave
	}
	if c.System.MaxProcs < 0 {
		log.Warn("invalid maxprocs %d, using default %d", c.System.MaxProcs, def.System.MaxProcs)
		c.System.MaxProcs = def.System.MaxProcs
	}
	if c.System.SortStrategy < SortNone || c.System.SortStrategy > SortBlockThenPath {
		log.Warn("invalid sortstrategy %d, using default %d", c.System.SortStrategy, def.System.SortStrategy)
		c.System.SortStrategy = def.System.SortStrategy
	}
	if c.Preheat.BoostApps < 0 {
		log.Warn("invalid boostapps %d, using default %d", c.Preheat.BoostApps, def.Preheat.BoostApps)
		c.Preheat.BoostApps = def.Preheat.BoostApps
	}
}

// ManualAppList reads the manual-app file, one absolute exe path per
// line. Blank lines and '#' comments are skipped. A missing or
// unreadable file is not an error, it just yields no entries.
func (c *Config) ManualAppList() []string {
	if c.System.ManualApps == "" {
		return nil
	}
	data, err := os.ReadFile(c.System.ManualApps)
	if err != nil {
		log.Warn("cannot read manual app list %s: %v", c.System.ManualApps, err)
		return nil
	}
	var apps []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		apps = append(apps, line)
	}
	return apps
}

func intKey(s *ini.Section, name string, def int) int {
	k := s.Key(name)
	if k.String() == "" {
		return def
	}
	v, err := k.Int()
	if err != nil {
		log.Warn("invalid value for %s.%s: %v, using default %d", s.Name(), name, err, def)
		return def
	}
	return v
}

func int64Key(s *ini.Section, name string, def int64) int64 {
	k := s.Key(name)
	if k.String() == "" {
		return def
	}
	v, err := k.Int64()
	if err != nil {
		log.Warn("invalid value for %s.%s: %v, using default %d", s.Name(), name, err, def)
		return def
	}
	return v
}

func boolKey(s *ini.Section, name string, def bool) bool {
	k := s.Key(name)
	if k.String() == "" {
		return def
	}
	v, err := k.Bool()
	if err != nil {
		log.Warn("invalid value for %s.%s: %v, using default %v", s.Name(), name, err, def)
		return def
	}
	return v
}

func listKey(s *ini.Section, name string) []string {
	var out []string
	for _, v := range s.Key(name).Strings(";") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
