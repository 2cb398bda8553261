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
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs"
)

// ErrProcessNotRunning is returned when the process does not exist or is a
// zombie.
var ErrProcessNotRunning = errors.New("process not running")

// ProcessTable answers liveness questions about PIDs.
type ProcessTable interface {
	Running(pid int) bool
}

// ProcessInspector is implemented by process tables that can describe a
// live process.
type ProcessInspector interface {
	Info(pid int) (*ProcessInfo, error)
}

// ProcessInfo contains information about a process.
type ProcessInfo struct {
	PID     int
	Running bool
	State   string
	Command string
}

// ProcFS is a ProcessTable backed by the proc filesystem under Root.
type ProcFS struct {
	// Root prefixes /proc. Empty means the host root.
	Root string
}

// NewProcFS returns a process table reading <root>/proc.
func NewProcFS(root string) *ProcFS {
	return &ProcFS{Root: root}
}

func (p *ProcFS) proc(pid int) (procfs.Proc, error) {
	mount := filepath.Join("/", p.Root, "proc")
	fs, err := procfs.NewFS(mount)
	if err != nil {
		return procfs.Proc{}, err
	}
	return fs.Proc(pid)
}

// Running reports whether pid names a live process. A zombie has exited
// and counts as not running.
func (p *ProcFS) Running(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := p.proc(pid)
	if err != nil {
		return false
	}
	stat, err := proc.Stat()
	if err != nil {
		// exited between lookup and read
		return false
	}
	return stat.State != "Z"
}

// Info returns information about pid. It returns ErrProcessNotRunning
// when the process is gone.
func (p *ProcFS) Info(pid int) (*ProcessInfo, error) {
	proc, err := p.proc(pid)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrProcessNotRunning
		}
		return nil, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return nil, ErrProcessNotRunning
	}

	info := &ProcessInfo{
		PID:     pid,
		Running: stat.State != "Z",
		State:   stat.State,
		Command: stat.Comm,
	}
	if cmdline, err := proc.CmdLine(); err == nil && len(cmdline) > 0 {
		info.Command = strings.Join(cmdline, " ")
	}
	return info, nil
}
