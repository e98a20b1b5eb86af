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

// Package proc is the daemon's read-only window into /proc: running
// process enumeration with executable path resolution, file-backed
// memory map extraction, and memory statistics.
//
// Per-pid failures are expected (processes vanish mid-scan, AppArmor
// denies exe readlinks) and are skipped silently; only an aggregate
// count is logged once per scan.
package proc

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v3/mem"

	logger "github.com/preheatd/preheat/pkg/log"
)

var log = logger.NewLogger("proc")

// resolveCacheSize bounds the cmdline-fallback resolution cache.
const resolveCacheSize = 512

// Region is a file-backed region of a process address space.
type Region struct {
	// Path is the absolute path of the mapped file.
	Path string
	// Offset is the file offset of the region in bytes.
	Offset uint64
	// Length is the region length in bytes.
	Length uint64
}

// Memstat is a snapshot of /proc/meminfo, in bytes.
type Memstat struct {
	Total   uint64
	Free    uint64
	Cached  uint64
	Buffers uint64
}

// Source reads process information from a proc filesystem.
type Source struct {
	fs      procfs.FS
	resolve *lru.Cache
}

// NewSource returns a Source reading from the given proc mount point,
// or the default /proc when empty.
func NewSource(mountPoint string) (*Source, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open proc filesystem at %s", mountPoint)
	}
	cache, err := lru.New(resolveCacheSize)
	if err != nil {
		return nil, err
	}
	return &Source{fs: fs, resolve: cache}, nil
}

// ForEachRunning enumerates the running processes and calls visit with
// each pid and the resolved executable path. Processes whose executable
// cannot be resolved are omitted; the aggregate failure count is logged
// once per call.
func (s *Source) ForEachRunning(visit func(pid int, path string)) error {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return errors.Wrap(err, "cannot enumerate processes")
	}

	var errs *multierror.Error
	failed := 0
	for _, p := range procs {
		path, err := s.exePath(p)
		if err != nil {
			failed++
			errs = multierror.Append(errs, err)
			continue
		}
		visit(p.PID, path)
	}
	if failed > 0 {
		log.Debug("scan: %d of %d processes not resolvable", failed, len(procs))
		if log.DebugEnabled() {
			log.Debug("scan failures: %v", errs.ErrorOrNil())
		}
	}
	return nil
}

// exePath resolves the executable behind a process. The exe symlink is
// authoritative; when unreadable the first cmdline token is validated
// against the filesystem instead.
func (s *Source) exePath(p procfs.Proc) (string, error) {
	path, err := p.Executable()
	if err == nil && strings.HasPrefix(path, "/") && !strings.HasSuffix(path, " (deleted)") {
		return path, nil
	}

	argv, cmdErr := p.CmdLine()
	if cmdErr != nil || len(argv) == 0 || argv[0] == "" {
		return "", errors.Errorf("pid %d: no exe link, no cmdline", p.PID)
	}
	return s.resolveCommand(argv[0], p.PID)
}

// resolveCommand validates a cmdline token as an executable path.
// Results are cached, failures included, since the same interpreters
// show up scan after scan.
func (s *Source) resolveCommand(cmd string, pid int) (string, error) {
	if cached, ok := s.resolve.Get(cmd); ok {
		if path, ok := cached.(string); ok && path != "" {
			return path, nil
		}
		return "", errors.Errorf("pid %d: unresolvable command %q", pid, cmd)
	}

	path, err := realPath(cmd)
	if err != nil {
		s.resolve.Add(cmd, "")
		return "", errors.Wrapf(err, "pid %d: unresolvable command %q", pid, cmd)
	}
	s.resolve.Add(cmd, path)
	return path, nil
}

// realPath canonicalizes a command token into an absolute path of an
// existing regular file.
func realPath(cmd string) (string, error) {
	if !strings.HasPrefix(cmd, "/") {
		return "", errors.Errorf("not an absolute path: %q", cmd)
	}
	path, err := filepath.EvalSymlinks(cmd)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !fi.Mode().IsRegular() {
		return "", errors.Errorf("not a regular file: %q", path)
	}
	return path, nil
}

// ReadMaps returns the file-backed regions mapped by the process.
// Anonymous mappings and kernel pseudo-entries ([heap], [stack],
// [vdso], sockets, pipes, deleted files) are skipped.
func (s *Source) ReadMaps(pid int) ([]Region, error) {
	p, err := s.fs.Proc(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "pid %d", pid)
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, errors.Wrapf(err, "pid %d: cannot read maps", pid)
	}

	regions := make([]Region, 0, len(maps))
	for _, m := range maps {
		if !fileBacked(m.Pathname) {
			continue
		}
		start, end := uint64(m.StartAddr), uint64(m.EndAddr)
		if end < start || m.Offset < 0 {
			continue
		}
		regions = append(regions, Region{
			Path:   m.Pathname,
			Offset: uint64(m.Offset),
			Length: end - start,
		})
	}
	return regions, nil
}

// fileBacked reports whether a maps pathname refers to a real file.
func fileBacked(pathname string) bool {
	if !strings.HasPrefix(pathname, "/") {
		return false
	}
	return !strings.HasSuffix(pathname, " (deleted)")
}

// ParentPID returns the parent process ID of the given pid.
func (s *Source) ParentPID(pid int) (int, error) {
	p, err := s.fs.Proc(pid)
	if err != nil {
		return 0, errors.Wrapf(err, "pid %d", pid)
	}
	stat, err := p.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "pid %d: cannot read stat", pid)
	}
	return stat.PPID, nil
}

// Comm returns the command name (/proc/<pid>/comm) of the given pid.
func (s *Source) Comm(pid int) (string, error) {
	p, err := s.fs.Proc(pid)
	if err != nil {
		return "", errors.Wrapf(err, "pid %d", pid)
	}
	comm, err := p.Comm()
	if err != nil {
		return "", errors.Wrapf(err, "pid %d: cannot read comm", pid)
	}
	return comm, nil
}

// ReadMemstat snapshots system memory statistics.
func (s *Source) ReadMemstat() (Memstat, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Memstat{}, errors.Wrap(err, "cannot read meminfo")
	}
	return Memstat{
		Total:   vm.Total,
		Free:    vm.Free,
		Cached:  vm.Cached,
		Buffers: vm.Buffers,
	}, nil
}
