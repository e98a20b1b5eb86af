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

package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestLockAndRead(t *testing.T) {
	SetPath(filepath.Join(t.TempDir(), "preheatd.pid"))
	defer Remove()

	require.NoError(t, Lock())

	pid, err := Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// Locking again from the same process is a no-op.
	assert.NoError(t, Lock())
}

func TestLockIsExclusive(t *testing.T) {
	SetPath(filepath.Join(t.TempDir(), "preheatd.pid"))
	defer Remove()

	require.NoError(t, Lock())

	// A second open file description must not be able to take the lock
	// while we hold it.
	f, err := os.OpenFile(GetPath(), os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	assert.Equal(t, unix.EWOULDBLOCK, err)
}

func TestReadMissingFile(t *testing.T) {
	SetPath(filepath.Join(t.TempDir(), "missing.pid"))

	pid, err := Read()
	require.NoError(t, err)
	assert.Equal(t, 0, pid)
}

func TestReadGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0644))
	SetPath(path)

	pid, err := Read()
	assert.Error(t, err)
	assert.Equal(t, -1, pid)
}

func TestRemove(t *testing.T) {
	SetPath(filepath.Join(t.TempDir(), "preheatd.pid"))
	require.NoError(t, Lock())
	require.NoError(t, Remove())

	_, err := os.Stat(GetPath())
	assert.True(t, os.IsNotExist(err))

	// Removing a non-existent PID file is fine.
	assert.NoError(t, Remove())
}
