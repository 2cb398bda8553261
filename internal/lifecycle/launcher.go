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
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/tombee/dedupv1adm/internal/log"
	admerrors "github.com/tombee/dedupv1adm/pkg/errors"
)

// Command is a daemon launch command line.
type Command struct {
	Binary string
	Args   []string
}

// String returns the command line as logged and reported.
func (c *Command) String() string {
	return strings.Join(append([]string{c.Binary}, c.Args...), " ")
}

// StarterCommand builds the command that launches dedupv1d. Without
// bypass it goes through the setuid dedupv1_starter; with bypass it runs
// dedupv1d directly, which requires root. loggingFile is passed on when
// non-empty.
func StarterCommand(root, configFile string, opts StartOptions, loggingFile string) *Command {
	binary := filepath.Join(root, "bin", "dedupv1_starter")
	if opts.Bypass {
		binary = filepath.Join(root, "bin", "dedupv1d")
	}
	cmd := &Command{Binary: binary, Args: []string{configFile}}
	if opts.Create {
		cmd.Args = append(cmd.Args, "--create")
	}
	if opts.Force {
		cmd.Args = append(cmd.Args, "--force")
	}
	if loggingFile != "" {
		cmd.Args = append(cmd.Args, "--logging", loggingFile)
	}
	return cmd
}

// Launcher runs a launch command to completion. The starter daemonizes, so
// completion means the daemon process has been forked, not that it is
// ready.
type Launcher interface {
	Launch(ctx context.Context, cmd *Command) error
}

// ExecLauncher runs the command with os/exec.
type ExecLauncher struct {
	// Env is the environment of the child process
	Env []string

	// Stdout and Stderr receive the command output. They should be
	// files: with a pipe, Wait blocks until the daemonized child closes
	// its inherited descriptors.
	Stdout *os.File
	Stderr *os.File

	mw *log.Middleware
}

// NewExecLauncher creates a launcher passing output through to the
// terminal.
func NewExecLauncher(logger *slog.Logger) *ExecLauncher {
	return &ExecLauncher{
		Env:    os.Environ(),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		mw:     log.NewMiddleware(logger),
	}
}

// Launch implements Launcher. A non-zero exit is a *errors.ExecutionError.
func (l *ExecLauncher) Launch(ctx context.Context, command *Command) error {
	mw := l.mw
	if mw == nil {
		mw = log.NewMiddleware(nil)
	}
	return mw.Run(ctx, &log.Operation{Kind: "launch", Name: command.String()}, func() error {
		cmd := exec.CommandContext(ctx, command.Binary, command.Args...)
		cmd.Env = l.Env
		if l.Stdout != nil {
			cmd.Stdout = l.Stdout
		}
		if l.Stderr != nil {
			cmd.Stderr = l.Stderr
		}

		// Own process group: an interrupt of this tool must not reach
		// the daemon while it starts.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		err := cmd.Run()
		if err == nil {
			return nil
		}
		execErr := &admerrors.ExecutionError{Command: command.String(), ExitCode: -1, Cause: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			execErr.ExitCode = exitErr.ExitCode()
		}
		return execErr
	})
}
