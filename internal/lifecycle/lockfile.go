// Copyright 2025 Tom Barlow
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

package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrInvalidPID is returned when the lock file does not hold a positive
// decimal PID.
var ErrInvalidPID = errors.New("invalid PID in lock file")

// LockFile is the daemon lock file. dedupv1_starter creates it with the
// daemon PID; this package only reads and removes it.
//
// There is no cross-process lock around it. Two concurrent invocations may
// both observe a stale file and both remove it.
type LockFile struct {
	path string
}

// NewLockFile returns the lock file at path.
func NewLockFile(path string) *LockFile {
	return &LockFile{path: path}
}

// Path returns the file location.
func (l *LockFile) Path() string {
	return l.path
}

// Read returns the PID stored in the file. A missing file returns an error
// matching os.ErrNotExist.
func (l *LockFile) Read() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to read lock file: %w", err)
	}

	line, _, _ := strings.Cut(string(data), "\n")
	line = strings.TrimSpace(line)
	pid, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPID, line)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("%w: PID must be positive, got %d", ErrInvalidPID, pid)
	}
	return pid, nil
}

// Remove deletes the file. A missing file is not an error.
func (l *LockFile) Remove() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Exists returns true if the file exists.
func (l *LockFile) Exists() bool {
	_, err := os.Stat(l.path)
	return err == nil
}
