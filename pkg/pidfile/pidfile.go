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

// Package pidfile implements the daemon's single-instance guarantee: an
// exclusive, non-blocking advisory lock on a PID file. The file stays
// open and locked for the lifetime of the process, and remains readable
// by external tools.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	pidFilePath = defaultPath()
	pidFile     *os.File
)

// ErrLocked is returned by Lock when another process holds the lock.
var ErrLocked = errors.New("PID file is locked by another process")

// GetPath returns the current pidfile path.
func GetPath() string {
	return pidFilePath
}

// SetPath sets the pidfile path to the given one.
func SetPath(path string) {
	release()
	pidFilePath = path
}

// Lock opens the PID file, takes an exclusive non-blocking flock on it,
// and writes os.Getpid() to it. If another process holds the lock, Lock
// fails with ErrLocked. On success the file is kept open and locked.
func Lock() error {
	if pidFile != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(pidFilePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create PID file directory")
	}

	f, err := os.OpenFile(pidFilePath, os.O_CREATE|os.O_RDWR|unix.O_NOFOLLOW, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to open PID file")
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return ErrLocked
		}
		return errors.Wrap(err, "failed to lock PID file")
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to truncate PID file")
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to write PID file")
	}

	pidFile = f
	return nil
}

// Read reads the content of the PID file. It returns the process ID
// found in the file, or 0 if the file does not exist.
func Read() (int, error) {
	buf, err := os.ReadFile(pidFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return -1, errors.Wrap(err, "failed to read PID file")
	}

	pid, err := strconv.Atoi(strings.TrimRight(string(buf), "\n"))
	if err != nil {
		return -1, errors.Wrapf(err, "invalid PID (%q) in PID file", string(buf))
	}

	return pid, nil
}

// release drops the lock and closes the PID file.
func release() {
	if pidFile != nil {
		unix.Flock(int(pidFile.Fd()), unix.LOCK_UN)
		pidFile.Close()
		pidFile = nil
	}
}

// Remove releases the lock and removes the PID file.
func Remove() error {
	release()
	err := os.Remove(pidFilePath)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// defaultPath returns the default pidfile path.
func defaultPath() string {
	var path string

	if len(os.Args) > 0 {
		name := filepath.Base(os.Args[0])
		if euid := os.Geteuid(); euid > 0 {
			path = filepath.Join("/tmp", name+".pid")
		} else {
			path = filepath.Join("/", "run", name+".pid")
		}
	}

	return path
}
