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

// Package prophet is the predictor: once per tick it estimates which
// not-running priority applications are likely to start soon, selects
// their file regions under the memory budget and asks the kernel to
// populate the page cache with them.
package prophet

import (
	"math"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/preheatd/preheat/pkg/config"
	"github.com/preheatd/preheat/pkg/model"
	"github.com/preheatd/preheat/pkg/proc"
	"github.com/preheatd/preheat/pkg/stats"

	logger "github.com/preheatd/preheat/pkg/log"
)

var log = logger.NewLogger("prophet")

// manualLnprob is the bid of a manual app: certain to run.
const manualLnprob = -1e10

// MemstatReader provides the memory snapshot used for budgeting.
type MemstatReader interface {
	ReadMemstat() (proc.Memstat, error)
}

// Options carries the predictor configuration.
type Options struct {
	// Cycle is the tick period in seconds.
	Cycle int
	// UseCorrelation includes the markov terms in the bids.
	UseCorrelation bool
	// MemTotalPct, MemFreePct and MemCachedPct are signed percentages
	// summed into the budget.
	MemTotalPct  int
	MemFreePct   int
	MemCachedPct int
	// MaxProcs caps the parallel readahead workers.
	MaxProcs int
	// SortStrategy selects the I/O ordering.
	SortStrategy config.SortStrategy
	// ManualApps are always treated as certain to run.
	ManualApps []string
}

// Prophet computes and issues preload decisions.
type Prophet struct {
	state  *model.State
	mem    MemstatReader
	opts   Options
	manual map[string]bool

	// readahead is the I/O primitive, replaceable in tests.
	readahead func(path string, offset, length uint64) error
}

// New creates a predictor over the given model state.
func New(state *model.State, mem MemstatReader, opts Options) *Prophet {
	p := &Prophet{
		state:     state,
		mem:       mem,
		opts:      opts,
		manual:    make(map[string]bool),
		readahead: readaheadFile,
	}
	for _, path := range opts.ManualApps {
		p.manual[path] = true
	}
	return p
}

// Budget computes the preload budget in bytes from the memory
// snapshot: max(0, memfree%*free + memtotal%*total + memcached%*cached).
// The percentages are signed, so negative contributions subtract.
func (p *Prophet) Budget(ms proc.Memstat) uint64 {
	b := int64(p.opts.MemFreePct)*int64(ms.Free)/100 +
		int64(p.opts.MemTotalPct)*int64(ms.Total)/100 +
		int64(p.opts.MemCachedPct)*int64(ms.Cached)/100
	if b < 0 {
		return 0
	}
	return uint64(b)
}

// Predict runs one prediction pass: estimate running probabilities,
// pick the best map set under the budget and dispatch readahead.
func (p *Prophet) Predict() error {
	ms, err := p.mem.ReadMemstat()
	if err != nil {
		return err
	}
	p.state.Memstat = model.Memstat{
		Total:   ms.Total,
		Free:    ms.Free,
		Cached:  ms.Cached,
		Buffers: ms.Buffers,
	}
	p.state.MemstatTimestamp = p.state.Time

	budget := p.Budget(ms)
	if budget == 0 {
		log.Debug("zero preload budget, skipping prediction")
		return nil
	}

	p.bidExes()
	selected := p.selectMaps(p.candidateMaps(), budget)
	if len(selected) == 0 {
		return nil
	}
	p.sortForIO(selected)
	return p.dispatch(selected)
}

// bidExes computes the lnprob of every exe: the smaller (more
// negative), the more likely the exe is to be running next cycle.
//
// The base term is the log-complement of the exe's lifetime running
// frequency. Each markov edge with usable statistics then bids
//
//	corr * log(1 - P(leave state) * P(exe bit set after leaving))
//
// so positively correlated running peers pull the bid down and
// anti-correlated ones push it up, monotonically in the correlation.
func (p *Prophet) bidExes() {
	t := float64(p.state.Time)
	for _, x := range p.state.Exes {
		if p.manual[x.Path] {
			x.SetLnprob(manualLnprob)
			continue
		}
		p0 := 0.0
		if t > 0 {
			p0 = float64(x.Time) / t
		}
		if p0 > 1-1e-9 {
			p0 = 1 - 1e-9
		}
		x.SetLnprob(math.Log(1 - p0))
	}

	if !p.opts.UseCorrelation {
		return
	}

	p.state.EachMarkov(func(m *model.Markov) {
		p.markovBid(m, m.A)
		p.markovBid(m, m.B)
	})
}

// markovBid folds one markov edge into the bid of endpoint y.
func (p *Prophet) markovBid(m *model.Markov, y *model.Exe) {
	if p.manual[y.Path] {
		return
	}
	state := m.State
	if m.Weight[state][state] == 0 || m.TimeToLeave[state] <= 1 {
		return
	}

	// Probability that the chain leaves the current state within the
	// next cycle, from the exponential sojourn model.
	pChange := 1 - math.Exp(-float64(p.opts.Cycle)/m.TimeToLeave[state])

	// Probability that y is running after the change, from the
	// transition counts.
	ybit := 1
	if y == m.B {
		ybit = 2
	}
	var w, wtotal float64
	for next := 0; next < 4; next++ {
		if next == state {
			continue
		}
		wtotal += float64(m.Weight[state][next])
		if next&ybit != 0 {
			w += float64(m.Weight[state][next])
		}
	}
	if wtotal == 0 {
		return
	}
	pRunsNext := pChange * (w / wtotal)

	corr := p.state.Correlation(m)
	if term := corr * math.Log1p(-pRunsNext); !math.IsNaN(term) && !math.IsInf(term, 0) {
		y.SetLnprob(y.Lnprob() + term)
	}
}

// candidate couples a map with its accumulated preload score.
type candidate struct {
	m     *model.Map
	score float64
}

// candidateMaps collects the maps of not-running priority-pool exes,
// scored by owner bid and per-map probability. A map shared with a
// running exe is never a candidate: it is already in use.
func (p *Prophet) candidateMaps() []candidate {
	scores := make(map[*model.Map]float64)
	exclude := make(map[*model.Map]bool)

	for _, x := range p.state.Exes {
		if x.Running() {
			for _, em := range x.Exemaps {
				exclude[em.Map] = true
			}
			continue
		}
		if x.Pool != model.PoolPriority {
			continue
		}
		// -lnprob >= 0 grows with the running probability.
		goodness := -x.Lnprob()
		for _, em := range x.Exemaps {
			if s := em.Prob * goodness; s > 0 {
				scores[em.Map] += s
			}
		}
	}

	cands := make([]candidate, 0, len(scores))
	for m, score := range scores {
		if !exclude[m] && m.Length > 0 {
			cands = append(cands, candidate{m: m, score: score})
		}
	}
	return cands
}

// selectMaps greedily picks candidates by score density until the
// budget is exhausted. Ties break on map sequence number so the
// selection is deterministic.
func (p *Prophet) selectMaps(cands []candidate, budget uint64) []*model.Map {
	sort.Slice(cands, func(i, j int) bool {
		di := cands[i].score / float64(cands[i].m.Length)
		dj := cands[j].score / float64(cands[j].m.Length)
		if di != dj {
			return di > dj
		}
		return cands[i].m.Seq < cands[j].m.Seq
	})

	var selected []*model.Map
	var total uint64
	for _, c := range cands {
		if total+c.m.Length > budget {
			continue
		}
		selected = append(selected, c.m)
		total += c.m.Length
	}
	log.Debug("selected %d of %d candidate maps, %d of %d budget bytes",
		len(selected), len(cands), total, budget)
	return selected
}

// sortForIO orders the selected maps for the readahead pass.
func (p *Prophet) sortForIO(maps []*model.Map) {
	switch p.opts.SortStrategy {
	case config.SortNone:
		return
	case config.SortPath:
		sort.Slice(maps, func(i, j int) bool { return pathOrder(maps[i], maps[j]) })
	case config.SortBlock, config.SortBlockThenPath:
		populateBlocks(maps)
		sort.Slice(maps, func(i, j int) bool {
			bi, bj := maps[i].Block, maps[j].Block
			if bi >= 0 && bj >= 0 && bi != bj {
				return bi < bj
			}
			if (bi >= 0) != (bj >= 0) {
				return bi >= 0
			}
			return pathOrder(maps[i], maps[j])
		})
	}
}

func pathOrder(a, b *model.Map) bool {
	if a.Path != b.Path {
		return a.Path < b.Path
	}
	if a.Offset != b.Offset {
		return a.Offset < b.Offset
	}
	return a.Seq < b.Seq
}

// populateBlocks fills the device-order hint, best effort: maps whose
// files cannot be stat'ed keep a negative hint and fall back to path
// order.
func populateBlocks(maps []*model.Map) {
	for _, m := range maps {
		if m.Block >= 0 {
			continue
		}
		var st unix.Stat_t
		if err := unix.Stat(m.Path, &st); err != nil {
			continue
		}
		m.Block = int64(st.Dev)<<32 | int64(st.Ino&0xffffffff)
	}
}

// dispatch fans the readahead calls out over a bounded worker pool and
// waits for completion. Per-file errors are counted but not fatal.
func (p *Prophet) dispatch(maps []*model.Map) error {
	workers := p.opts.MaxProcs
	if workers < 1 {
		workers = 1
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, m := range maps {
		m := m
		g.Go(func() error {
			if err := p.readahead(m.Path, m.Offset, m.Length); err != nil {
				stats.ReadaheadErrors.Inc()
				log.Debug("readahead %s: %v", m.Path, err)
				return nil
			}
			stats.ReadaheadCalls.Inc()
			stats.ReadaheadBytes.Add(float64(m.Length))
			return nil
		})
	}
	return g.Wait()
}

// readaheadFile asks the kernel to populate the page cache for one
// file region.
func readaheadFile(path string, offset, length uint64) error {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	_, _, errno := unix.Syscall(unix.SYS_READAHEAD, uintptr(fd), uintptr(offset), uintptr(length))
	if errno != 0 {
		return errno
	}
	return nil
}

// Boost preloads the maps of the top-n not-running priority exes by
// weighted launch count, regardless of bids. Used during the session
// boot window.
func (p *Prophet) Boost(n int) error {
	if n <= 0 {
		return nil
	}
	var top []*model.Exe
	for _, x := range p.state.Exes {
		if x.Pool == model.PoolPriority && !x.Running() {
			top = append(top, x)
		}
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].WeightedLaunches != top[j].WeightedLaunches {
			return top[i].WeightedLaunches > top[j].WeightedLaunches
		}
		return top[i].Seq < top[j].Seq
	})
	if len(top) > n {
		top = top[:n]
	}

	seen := make(map[*model.Map]bool)
	var maps []*model.Map
	for _, x := range top {
		for _, em := range x.Exemaps {
			if !seen[em.Map] && em.Map.Length > 0 {
				seen[em.Map] = true
				maps = append(maps, em.Map)
			}
		}
	}
	if len(maps) == 0 {
		return nil
	}
	p.sortForIO(maps)
	return p.dispatch(maps)
}
