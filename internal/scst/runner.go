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

package scst

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/tombee/dedupv1adm/internal/log"
	admerrors "github.com/tombee/dedupv1adm/pkg/errors"
)

// Runner runs an external command to completion and returns its combined
// output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	mw *log.Middleware
}

// NewExecRunner creates a runner that logs every command at debug level.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{mw: log.NewMiddleware(logger)}
}

// Run implements Runner. A non-zero exit is a *errors.ExecutionError
// carrying the exit code and output.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmdline := strings.Join(append([]string{name}, args...), " ")

	var output string
	err := r.middleware().Run(ctx, &log.Operation{Kind: "command", Name: cmdline}, func() error {
		out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
		output = string(out)
		if err == nil {
			return nil
		}
		execErr := &admerrors.ExecutionError{Command: cmdline, ExitCode: -1, Output: output, Cause: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			execErr.ExitCode = exitErr.ExitCode()
		}
		return execErr
	})
	return output, err
}

func (r *ExecRunner) middleware() *log.Middleware {
	if r.mw == nil {
		r.mw = log.NewMiddleware(nil)
	}
	return r.mw
}
