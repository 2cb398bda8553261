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

package monitor

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dedupv1adm/internal/commands/shared"
	client "github.com/tombee/dedupv1adm/internal/monitor"
	"github.com/tombee/dedupv1adm/pkg/errors"
)

func newDaemon(t *testing.T) *client.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/volume":
			fmt.Fprint(w, `{"0": {"name": "backup", "logical size": 1073741824}, "1": {"name": "archive", "logical size": 2048}}`)
		case "/flush":
			fmt.Fprintf(w, `{"force": %q}`, r.URL.Query().Get("force"))
		case "/trace":
			fmt.Fprint(w, "not json")
		case "/broken":
			fmt.Fprint(w, `{"ERROR": "Unknown monitor"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"ERROR": "Unknown monitor"}`)
		}
	}))
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return client.New(host, port)
}

func TestRun(t *testing.T) {
	c := newDaemon(t)

	tests := []struct {
		name   string
		params []string
		query  string
		raw    bool
		want   string
	}{
		{
			name:  "query string result",
			query: `.["1"].name`,
			want:  "archive\n",
		},
		{
			name:  "query number result",
			query: `.["0"]["logical size"]`,
			want:  "1073741824\n",
		},
		{
			name:  "query multiple results",
			query: `.[] | .name`,
			want:  "backup\narchive\n",
		},
		{
			name: "raw",
			raw:  true,
			want: `{"0": {"name": "backup", "logical size": 1073741824}, "1": {"name": "archive", "logical size": 2048}}` + "\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, c, "volume", client.ParseParams(tt.params), tt.query, tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestRunPrettyPrints(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, newDaemon(t), "flush", client.ParseParams([]string{"force=true"}), "", false)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"force\": \"true\"\n}\n", out.String())
}

func TestRunRawAcceptsText(t *testing.T) {
	c := newDaemon(t)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, c, "trace", nil, "", true))
	assert.Equal(t, "not json\n", out.String())

	var malformed *errors.MonitorMalformedError
	err := run(context.Background(), &out, c, "trace", nil, "", false)
	require.ErrorAs(t, err, &malformed)
}

func TestRunUnknownMonitor(t *testing.T) {
	c := newDaemon(t)

	for _, name := range []string{"nope", "broken"} {
		t.Run(name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, c, name, nil, "", false)
			require.Error(t, err)
			assert.True(t, errors.IsUnknownMonitor(err))
			assert.Equal(t, shared.ExitUnknownMonitor, shared.ExitCode(err))
			assert.Empty(t, out.String())
		})
	}
}

func TestCommandRejectsBadQuery(t *testing.T) {
	cmd := NewCommand()
	cmd.SetArgs([]string{"status", "--query", ".["})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SilenceUsage = true

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid jq expression")
}

func TestCommandRejectsRawQuery(t *testing.T) {
	cmd := NewCommand()
	cmd.SetArgs([]string{"status", "--raw", "--query", ".state"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SilenceUsage = true

	require.Error(t, cmd.Execute())
}
