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

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FormatVersion is the state file version. Only the major number is
// compared: a different major on disk rejects the file.
const FormatVersion = "1.2.0"

// State file record tags.
const (
	tagPreload = "PRELOAD"
	tagMap     = "MAP"
	tagBadExe  = "BADEXE"
	tagExe     = "EXE"
	tagExemap  = "EXEMAP"
	tagMarkov  = "MARKOV"
	tagFamily  = "FAMILY"
	tagCRC32   = "CRC32"
)

// errOlderVersion marks a state file from an older incompatible major
// version; it is rejected without being preserved.
var errOlderVersion = errors.New("state file is of an older major version")

// parseError is a recoverable corruption: the file is renamed aside
// and the daemon starts with an empty model.
type parseError struct {
	lineno int
	msg    string
}

func (e *parseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.lineno, e.msg)
}

// Load reads the model from the state file. A missing file is a first
// run; a corrupt file is renamed to <statefile>.broken.<timestamp> and
// an empty model is returned. Load never fails the daemon.
func Load(statefile string) *State {
	s := NewState()
	if statefile == "" {
		return s
	}

	log.Info("loading state from %s", statefile)

	data, err := os.ReadFile(statefile)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info("state file not found, first run")
		} else if os.IsPermission(err) {
			log.Error("cannot open %s for reading: %v, continuing without saved state", statefile, err)
		} else {
			log.Warn("cannot read %s, ignoring: %v", statefile, err)
		}
		return s
	}

	if err := s.parse(data); err != nil {
		if errors.Is(err, errOlderVersion) {
			log.Warn("state file is of an old version that I cannot understand anymore, ignoring it")
			return NewState()
		}
		brokenStateFile(statefile, err.Error())
		return NewState()
	}

	// Markov states are not persisted; with no running pids loaded
	// every edge starts in state 0 at the restored clock.
	s.EachMarkov(func(m *Markov) {
		m.State = jointState(m.A, m.B)
		m.ChangeTimestamp = s.Time
	})

	log.Info("loaded %d exes, %d maps", len(s.Exes), len(s.maps))
	return s
}

// brokenStateFile renames a corrupt state file aside so it is kept for
// inspection while the daemon proceeds empty.
func brokenStateFile(statefile, reason string) {
	broken := fmt.Sprintf("%s.broken.%s", statefile, time.Now().Format("20060102_150405"))
	if err := os.Rename(statefile, broken); err != nil {
		log.Warn("state file corrupt (%s), could not rename: %v, starting fresh", reason, err)
		return
	}
	log.Warn("state file corrupt (%s), renamed to %s, starting fresh", reason, broken)
}

// loadContext tracks file-local indices while parsing.
type loadContext struct {
	maps map[int]*Map
	exes map[int]*Exe
}

// parse reads the whole state file body into s. Any error leaves the
// caller responsible for discarding s.
func (s *State) parse(data []byte) error {
	body, err := verifyFooter(data)
	if err != nil {
		return err
	}

	lc := &loadContext{
		maps: make(map[int]*Map),
		exes: make(map[int]*Exe),
	}

	lineno := 0
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lineno++
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		fields := strings.Fields(line)
		tag := fields[0]
		args := fields[1:]

		if lineno == 1 && tag != tagPreload {
			return &parseError{lineno, "invalid header"}
		}

		var err error
		switch tag {
		case tagPreload:
			if lineno != 1 {
				err = errors.New("misplaced header")
				break
			}
			err = s.readHeader(args)
		case tagMap:
			err = s.readMap(lc, args)
		case tagBadExe:
			err = readBadExe(args)
		case tagExe:
			err = s.readExe(lc, args)
		case tagExemap:
			err = s.readExemap(lc, args)
		case tagMarkov:
			err = s.readMarkov(lc, args)
		case tagFamily:
			err = s.readFamily(args)
		default:
			err = errors.Errorf("invalid tag %q", tag)
		}
		if err != nil {
			if errors.Is(err, errOlderVersion) {
				return err
			}
			return &parseError{lineno, err.Error()}
		}
	}
	if err := sc.Err(); err != nil {
		return &parseError{lineno, err.Error()}
	}
	if lineno == 0 {
		return &parseError{0, "empty state file"}
	}

	// Drop the load-time references; maps no exemap ended up using go
	// away here.
	for _, m := range lc.maps {
		s.unrefMap(m)
	}
	return nil
}

// verifyFooter locates the CRC32 footer, checks the checksum over the
// preceding body and returns the body.
func verifyFooter(data []byte) ([]byte, error) {
	idx := bytes.LastIndex(data, []byte("\n" + tagCRC32 + "\t"))
	if idx < 0 {
		return nil, &parseError{0, "missing CRC32 footer"}
	}
	body := data[:idx+1]
	footer := strings.TrimRight(string(data[idx+1:]), "\n")

	fields := strings.Fields(footer)
	if len(fields) != 2 {
		return nil, &parseError{0, "malformed CRC32 footer"}
	}
	stored, err := strconv.ParseUint(fields[1], 16, 32)
	if err != nil {
		return nil, &parseError{0, "malformed CRC32 footer"}
	}
	if crc32.ChecksumIEEE(body) != uint32(stored) {
		return nil, &parseError{0, "CRC32 checksum mismatch"}
	}
	return body, nil
}

// readHeader parses "PRELOAD <semver> <time>" and gates on the major
// version.
func (s *State) readHeader(args []string) error {
	if len(args) < 2 {
		return errors.New("invalid header syntax")
	}
	fileMajor, err := majorVersion(args[0])
	if err != nil {
		return err
	}
	runMajor, _ := majorVersion(FormatVersion)
	if fileMajor > runMajor {
		return errors.New("state file is of a newer major version")
	}
	if fileMajor < runMajor {
		return errOlderVersion
	}

	t, err := strconv.Atoi(args[1])
	if err != nil || t < 0 {
		return errors.New("invalid time in header")
	}
	s.Time = t
	s.LastAccountingTimestamp = t
	s.LastRunningTimestamp = t
	return nil
}

func majorVersion(semver string) (int, error) {
	dot := strings.IndexByte(semver, '.')
	if dot < 0 {
		dot = len(semver)
	}
	major, err := strconv.Atoi(semver[:dot])
	if err != nil {
		return 0, errors.Errorf("invalid version %q", semver)
	}
	return major, nil
}

// readMap parses "MAP <seq> <update_time> <offset> <length> <rsv> <uri>".
func (s *State) readMap(lc *loadContext, args []string) error {
	if len(args) < 6 {
		return errors.New("invalid MAP syntax")
	}
	seq, err1 := strconv.Atoi(args[0])
	updateTime, err2 := strconv.Atoi(args[1])
	offset, err3 := strconv.ParseUint(args[2], 10, 64)
	length, err4 := strconv.ParseUint(args[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return errors.New("invalid MAP syntax")
	}
	path, err := pathFromURI(args[5])
	if err != nil {
		return err
	}

	if _, ok := lc.maps[seq]; ok {
		return errors.New("duplicate MAP index")
	}
	key := MapKey{Path: path, Offset: offset, Length: length}
	if _, ok := s.maps[key]; ok {
		return errors.New("duplicate MAP object")
	}

	m := newMap(path, offset, length, s.Time)
	m.Seq = seq
	m.UpdateTime = updateTime
	s.refMap(m)
	lc.maps[seq] = m
	return nil
}

// readBadExe validates "BADEXE <update_time> <rsv> <uri>" and discards
// it: previously rejected small binaries get another chance after every
// restart.
func readBadExe(args []string) error {
	if len(args) < 3 {
		return errors.New("invalid BADEXE syntax")
	}
	if _, err := strconv.Atoi(args[0]); err != nil {
		return errors.New("invalid BADEXE syntax")
	}
	_, err := pathFromURI(args[2])
	return err
}

// readExe parses an EXE record. Three generations are accepted:
//
//	EXE <seq> <update_time> <time> <rsv> <uri>                                          (5 fields)
//	EXE <seq> <update_time> <time> <rsv> <pool> <uri>                                   (6 fields)
//	EXE <seq> <update_time> <time> <rsv> <pool> <weighted> <raw> <duration> <uri>       (9 fields)
//
// Missing values default to the observation pool and zero launch
// counters.
func (s *State) readExe(lc *loadContext, args []string) error {
	if len(args) < 5 {
		return errors.New("invalid EXE syntax")
	}

	seq, err1 := strconv.Atoi(args[0])
	updateTime, err2 := strconv.Atoi(args[1])
	exeTime, err3 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return errors.New("invalid EXE syntax")
	}

	pool := PoolObservation
	weighted := 0.0
	var raw, duration uint64
	var uri string

	switch len(args) {
	case 5:
		uri = args[4]
	case 6:
		p, err := strconv.Atoi(args[4])
		if err != nil {
			return errors.New("invalid EXE syntax")
		}
		pool = Pool(p)
		uri = args[5]
	case 9:
		p, err1 := strconv.Atoi(args[4])
		w, err2 := strconv.ParseFloat(args[5], 64)
		r, err3 := strconv.ParseUint(args[6], 10, 64)
		d, err4 := strconv.ParseUint(args[7], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return errors.New("invalid EXE syntax")
		}
		pool, weighted, raw, duration = Pool(p), w, r, d
		uri = args[8]
	default:
		return errors.New("invalid EXE syntax")
	}
	if pool != PoolObservation && pool != PoolPriority {
		return errors.New("invalid EXE pool")
	}

	path, err := pathFromURI(uri)
	if err != nil {
		return err
	}

	if _, ok := lc.exes[seq]; ok {
		return errors.New("duplicate EXE index")
	}
	if _, ok := s.Exes[path]; ok {
		return errors.New("duplicate EXE object")
	}

	x := s.NewExe(path, false)
	x.Seq = seq
	x.UpdateTime = updateTime
	x.Time = exeTime
	x.ChangeTimestamp = -1
	x.Pool = pool
	x.WeightedLaunches = weighted
	x.RawLaunches = raw
	x.TotalDurationSec = duration

	lc.exes[seq] = x
	s.registerLoadedExe(x)
	return nil
}

// readExemap parses "EXEMAP <exe_seq> <map_seq> <prob>".
func (s *State) readExemap(lc *loadContext, args []string) error {
	if len(args) < 3 {
		return errors.New("invalid EXEMAP syntax")
	}
	iexe, err1 := strconv.Atoi(args[0])
	imap, err2 := strconv.Atoi(args[1])
	prob, err3 := strconv.ParseFloat(args[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return errors.New("invalid EXEMAP syntax")
	}

	x := lc.exes[iexe]
	m := lc.maps[imap]
	if x == nil || m == nil {
		return errors.New("invalid EXEMAP index")
	}

	em := s.AddExemap(x, m.Path, m.Offset, m.Length)
	em.Prob = prob
	return nil
}

// readMarkov parses "MARKOV <a> <b> <time> <ttl[0..3]> <weight[0..3][0..3]>".
func (s *State) readMarkov(lc *loadContext, args []string) error {
	if len(args) < 3+4+16 {
		return errors.New("invalid MARKOV syntax")
	}
	ia, err1 := strconv.Atoi(args[0])
	ib, err2 := strconv.Atoi(args[1])
	mtime, err3 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return errors.New("invalid MARKOV syntax")
	}

	a := lc.exes[ia]
	b := lc.exes[ib]
	if a == nil || b == nil || a == b {
		return errors.New("invalid MARKOV index")
	}
	if s.HasMarkov(a, b) {
		return errors.New("duplicate MARKOV edge")
	}

	m := s.newMarkov(a, b, false)
	m.Time = mtime

	for i := 0; i < 4; i++ {
		ttl, err := strconv.ParseFloat(args[3+i], 64)
		if err != nil {
			return errors.New("invalid MARKOV syntax")
		}
		m.TimeToLeave[i] = ttl
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			w, err := strconv.Atoi(args[7+i*4+j])
			if err != nil {
				return errors.New("invalid MARKOV syntax")
			}
			m.Weight[i][j] = w
		}
	}
	return nil
}

// readFamily parses "FAMILY <id> <method> <path1;path2;...>".
func (s *State) readFamily(args []string) error {
	if len(args) < 3 {
		return errors.New("invalid FAMILY syntax")
	}
	method, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.New("invalid FAMILY syntax")
	}

	// Member paths are written raw, so a path with spaces spans several
	// fields; they are rejoined with single spaces.
	f := s.NewFamily(args[0], DiscoveryMethod(method))
	for _, member := range strings.Split(strings.Join(args[2:], " "), ";") {
		if member = strings.TrimSpace(member); member != "" {
			f.AddMember(member)
		}
	}
	return nil
}

// pathToURI encodes a path as a file:// URI so whitespace survives the
// field-separated format.
func pathToURI(path string) string {
	u := url.URL{Scheme: "file", Path: path}
	return u.String()
}

// pathFromURI decodes a file:// URI back into a path.
func pathFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid file URI %q", uri)
	}
	if u.Scheme != "file" || u.Path == "" {
		return "", errors.Errorf("invalid file URI %q", uri)
	}
	return u.Path, nil
}

// Save writes the model atomically: body and CRC32 footer go to
// <statefile>.tmp which is fsynced and renamed over the live file. On
// failure the live file is left intact and the error is returned so
// the caller can keep the dirty flag. A successful save clears the
// dirty flag and the bad-exe set (rejected binaries are retried).
func (s *State) Save(statefile string) error {
	if statefile == "" {
		return nil
	}

	log.Info("saving state to %s", statefile)

	tmpfile := statefile + ".tmp"
	fd, err := unix.Open(tmpfile, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC|unix.O_NOFOLLOW, 0600)
	if err != nil {
		return errors.Wrapf(err, "cannot open %s for writing", tmpfile)
	}
	f := os.NewFile(uintptr(fd), tmpfile)

	if err := s.writeTo(f); err != nil {
		f.Close()
		os.Remove(tmpfile)
		return errors.Wrapf(err, "failed writing state to %s", tmpfile)
	}

	if err := f.Sync(); err != nil {
		log.Error("fsync failed for %s: %v, state may be lost on crash", tmpfile, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpfile)
		return errors.Wrapf(err, "failed closing %s", tmpfile)
	}
	if err := os.Rename(tmpfile, statefile); err != nil {
		os.Remove(tmpfile)
		return errors.Wrapf(err, "failed to rename %s to %s", tmpfile, statefile)
	}

	s.Dirty = false
	s.BadExes = make(map[string]int)
	return nil
}

// writeTo emits the body followed by the CRC32 footer. The checksum
// covers everything up to and including the newline before the footer.
func (s *State) writeTo(f io.Writer) error {
	crc := crc32.NewIEEE()
	w := bufio.NewWriter(io.MultiWriter(f, crc))

	if err := s.writeBody(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(f, "%s\t%08X\n", tagCRC32, crc.Sum32())
	return err
}

func (s *State) writeBody(w *bufio.Writer) error {
	fmt.Fprintf(w, "%s\t%s\t%d\n", tagPreload, FormatVersion, s.Time)

	for _, m := range s.mapsArr {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			tagMap, m.Seq, m.UpdateTime, m.Offset, m.Length, -1, pathToURI(m.Path))
	}
	for path, updateTime := range s.BadExes {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n",
			tagBadExe, updateTime, -1, pathToURI(path))
	}
	for _, x := range s.Exes {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%.6f\t%d\t%d\t%s\n",
			tagExe, x.Seq, x.UpdateTime, x.Time, -1, int(x.Pool),
			x.WeightedLaunches, x.RawLaunches, x.TotalDurationSec, pathToURI(x.Path))
	}
	for _, x := range s.Exes {
		for _, em := range x.Exemaps {
			fmt.Fprintf(w, "%s\t%d\t%d\t%g\n",
				tagExemap, x.Seq, em.Map.Seq, em.Prob)
		}
	}
	var werr error
	s.EachMarkov(func(m *Markov) {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d", tagMarkov, m.A.Seq, m.B.Seq, m.Time)
		for i := 0; i < 4; i++ {
			fmt.Fprintf(w, "\t%g", m.TimeToLeave[i])
		}
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				fmt.Fprintf(w, "\t%d", m.Weight[i][j])
			}
		}
		if _, err := fmt.Fprintln(w); err != nil && werr == nil {
			werr = err
		}
	})
	if werr != nil {
		return werr
	}
	for _, fam := range s.Families {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			tagFamily, fam.ID, int(fam.Method), strings.Join(fam.MemberPaths, ";"))
	}
	return nil
}
