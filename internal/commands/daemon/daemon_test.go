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

package daemon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dedupv1adm/internal/commands/shared"
	"github.com/tombee/dedupv1adm/pkg/errors"
)

const statLine = "%d (dedupv1d) S 1 %d %d 0 -1 4194304 82 0 0 0 0 0 0 0 20 0 1 0 166217 2703360 314 " +
	"18446744073709551615 93921507770368 93921507790249 140729181574304 0 0 0 0 0 0 0 0 0 17 0 0 0 0 0 0 " +
	"93921507806256 93921507807872 93921813209088 140729181578151 140729181578171 140729181578171 140729181581291 0\n"

// installation is a dedupv1 root in a temp dir with its own /proc.
type installation struct {
	t      *testing.T
	dir    string
	config string
	lock   string
	data   string
}

func newInstallation(t *testing.T, monitorURL string) *installation {
	t.Helper()
	dir := t.TempDir()
	in := &installation{
		t:      t,
		dir:    dir,
		config: filepath.Join(dir, "dedupv1adm.yaml"),
		lock:   filepath.Join(dir, "dedupv1d.lock"),
		data:   filepath.Join(dir, "chunk-index"),
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "proc"), 0755))

	daemonConf := filepath.Join(dir, "dedupv1.conf")
	in.write(daemonConf, fmt.Sprintf("daemon.lockfile=%s\ndaemon.dirtyfile=%s\nchunk-index.filename=%s\n",
		in.lock, filepath.Join(dir, "dirty"), in.data))

	port := 0
	if monitorURL != "" {
		u, err := url.Parse(monitorURL)
		require.NoError(t, err)
		_, err = fmt.Sscan(u.Port(), &port)
		require.NoError(t, err)
	}
	in.write(in.config, fmt.Sprintf(`root: %s
daemon_config: %s
proc_root: %s
monitor:
  host: 127.0.0.1
  port: %d
  timeout: 2s
journal:
  path: %s
`, dir, daemonConf, dir, port, filepath.Join(dir, "journal.db")))
	return in
}

func (in *installation) write(path, content string) {
	in.t.Helper()
	require.NoError(in.t, os.WriteFile(path, []byte(content), 0644))
}

// running writes a lock file naming a live process.
func (in *installation) running(pid int) {
	in.t.Helper()
	procDir := filepath.Join(in.dir, "proc", fmt.Sprint(pid))
	require.NoError(in.t, os.MkdirAll(procDir, 0755))
	in.write(filepath.Join(procDir, "stat"), fmt.Sprintf(statLine, pid, pid, pid))
	in.write(in.lock, fmt.Sprintf("%d\n", pid))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	shared.ResetFlags()
	t.Cleanup(shared.ResetFlags)

	root := &cobra.Command{Use: "dedupv1adm", SilenceUsage: true, SilenceErrors: true}
	shared.RegisterFlags(root.PersistentFlags())
	for _, cmd := range NewCommands() {
		root.AddCommand(cmd)
	}

	var out, stderr bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func statusMonitor(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"ERROR": "Unknown monitor"}`)
			return
		}
		fmt.Fprint(w, `{"state": "ok"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusStopped(t *testing.T) {
	in := newInstallation(t, "")

	out, err := execute(t, "status", "--config", in.config)
	require.NoError(t, err)
	assert.Contains(t, out, "dedupv1d")
	assert.Contains(t, out, "stopped")
}

func TestStatusRunningJSON(t *testing.T) {
	in := newInstallation(t, statusMonitor(t).URL)
	in.running(4242)

	out, err := execute(t, "status", "--config", in.config, "--json")
	require.NoError(t, err)

	var resp statusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "running", string(resp.State))
	assert.Equal(t, 4242, resp.PID)
	assert.Equal(t, "dedupv1d", resp.Process, "comm is used without a cmdline")
	assert.Equal(t, "ok", resp.MonitorState)
}

func TestStatusStaleLock(t *testing.T) {
	in := newInstallation(t, "")
	in.write(in.lock, "4242\n")

	out, err := execute(t, "status", "--config", in.config, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "stopped"`)
}

func TestClean(t *testing.T) {
	in := newInstallation(t, "")
	in.write(in.data, "index")
	in.write(in.data+"-meta", "meta")

	out, err := execute(t, "clean", "--config", in.config)
	require.NoError(t, err)
	assert.Contains(t, out, "dedupv1 data removed (2 files)")

	assert.NoFileExists(t, in.data)
	assert.NoFileExists(t, in.data+"-meta")
}

func TestCleanWhileRunning(t *testing.T) {
	in := newInstallation(t, "")
	in.running(4242)
	in.write(in.data, "index")

	_, err := execute(t, "clean", "--config", in.config)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyRunning)
	assert.Equal(t, shared.ExitConflict, shared.ExitCode(err))
	assert.FileExists(t, in.data)
}

func TestCleanWhileRunningJSON(t *testing.T) {
	in := newInstallation(t, "")
	in.running(4242)

	out, err := execute(t, "clean", "--config", in.config, "--json")
	require.Error(t, err)
	assert.Equal(t, shared.ExitConflict, shared.ExitCode(err))

	var resp struct {
		Success bool             `json:"success"`
		Error   shared.JSONError `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, shared.ExitConflict, resp.Error.Code)
}

func TestStopNotRunning(t *testing.T) {
	in := newInstallation(t, "")

	_, err := execute(t, "stop", "--config", in.config)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotRunning)
	assert.Equal(t, shared.ExitFailure, shared.ExitCode(err))
}

func TestStopAfterDaemonKilled(t *testing.T) {
	in := newInstallation(t, "")
	in.write(in.lock, "4242\n")

	_, err := execute(t, "stop", "--config", in.config, "--force")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUncleanShutdown)
	assert.Equal(t, shared.ExitFailure, shared.ExitCode(err))
	assert.NoFileExists(t, in.lock)
}

func TestStartAlreadyRunning(t *testing.T) {
	in := newInstallation(t, "")
	in.running(4242)

	_, err := execute(t, "start", "--config", in.config)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyRunning)
	assert.Equal(t, shared.ExitConflict, shared.ExitCode(err))
}

func TestBootstrapWhileRunning(t *testing.T) {
	in := newInstallation(t, "")
	in.running(4242)

	_, err := execute(t, "bootstrap", "--config", in.config)
	require.Error(t, err)
	assert.Equal(t, shared.ExitConflict, shared.ExitCode(err))
	assert.FileExists(t, in.lock)
}

func TestMissingDaemonConfig(t *testing.T) {
	in := newInstallation(t, "")

	_, err := execute(t, "status", "--config", in.config, "--daemon-config", filepath.Join(in.dir, "missing.conf"))
	require.Error(t, err)
	var cfgErr *errors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "daemon_config", cfgErr.Key)
}

func TestCommandsAreGrouped(t *testing.T) {
	for _, cmd := range NewCommands() {
		t.Run(cmd.Name(), func(t *testing.T) {
			assert.Equal(t, groupAnnotation, cmd.Annotations["group"])
			assert.NotEmpty(t, cmd.Short)
		})
	}
}
