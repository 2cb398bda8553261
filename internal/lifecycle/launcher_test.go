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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	admerrors "github.com/tombee/dedupv1adm/pkg/errors"
)

func TestStarterCommand(t *testing.T) {
	tests := []struct {
		name        string
		opts        StartOptions
		loggingFile string
		wantBinary  string
		wantArgs    []string
	}{
		{
			name:       "plain",
			wantBinary: "/opt/dedupv1/bin/dedupv1_starter",
			wantArgs:   []string{"/etc/dedupv1/dedupv1.conf"},
		},
		{
			name:       "create and force",
			opts:       StartOptions{Create: true, Force: true},
			wantBinary: "/opt/dedupv1/bin/dedupv1_starter",
			wantArgs:   []string{"/etc/dedupv1/dedupv1.conf", "--create", "--force"},
		},
		{
			name:       "bypass",
			opts:       StartOptions{Bypass: true},
			wantBinary: "/opt/dedupv1/bin/dedupv1d",
			wantArgs:   []string{"/etc/dedupv1/dedupv1.conf"},
		},
		{
			name:        "logging",
			loggingFile: "/etc/dedupv1/logging.xml",
			wantBinary:  "/opt/dedupv1/bin/dedupv1_starter",
			wantArgs:    []string{"/etc/dedupv1/dedupv1.conf", "--logging", "/etc/dedupv1/logging.xml"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := StarterCommand("/opt/dedupv1", "/etc/dedupv1/dedupv1.conf", tt.opts, tt.loggingFile)
			assert.Equal(t, tt.wantBinary, cmd.Binary)
			assert.Equal(t, tt.wantArgs, cmd.Args)
		})
	}
}

func TestCommandString(t *testing.T) {
	cmd := &Command{Binary: "/bin/dedupv1_starter", Args: []string{"a.conf", "--create"}}
	assert.Equal(t, "/bin/dedupv1_starter a.conf --create", cmd.String())
}

func TestExecLauncher(t *testing.T) {
	l := NewExecLauncher(nil)
	l.Stdout, l.Stderr = nil, nil

	t.Run("success", func(t *testing.T) {
		err := l.Launch(context.Background(), &Command{Binary: "/bin/sh", Args: []string{"-c", "exit 0"}})
		assert.NoError(t, err)
	})

	t.Run("exit code", func(t *testing.T) {
		err := l.Launch(context.Background(), &Command{Binary: "/bin/sh", Args: []string{"-c", "exit 3"}})
		var execErr *admerrors.ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, 3, execErr.ExitCode)
	})

	t.Run("missing binary", func(t *testing.T) {
		err := l.Launch(context.Background(), &Command{Binary: "/nonexistent/dedupv1_starter"})
		var execErr *admerrors.ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, -1, execErr.ExitCode)
	})
}
