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
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dedupv1adm/internal/daemonconf"
	admerrors "github.com/tombee/dedupv1adm/pkg/errors"
)

// newTestClient starts a server with the given monitors and returns a
// client pointing at it.
func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return New(host, port, opts...)
}

func monitors(bodies map[string]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := bodies[r.URL.Path[1:]]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"ERROR": "Unknown monitor"}`)
			return
		}
		fmt.Fprint(w, body)
	})
}

func TestReadKeepsParamOrder(t *testing.T) {
	queries := make(chan string, 1)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.RawQuery
		fmt.Fprint(w, `{}`)
	}))

	_, err := client.Read(context.Background(), "volume",
		P("op", "attach"), P("name", "vol 1"), P("logical-size", "1G"), P("filter", "block-index-filter"))
	require.NoError(t, err)
	assert.Equal(t, "op=attach&name=vol+1&logical-size=1G&filter=block-index-filter", <-queries)
}

func TestReadErrors(t *testing.T) {
	client := newTestClient(t, monitors(map[string]string{
		"broken": "<html>oops</html>",
		"ok":     `{"a": 1}`,
	}))
	ctx := context.Background()

	raw, err := client.Read(ctx, "ok")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, string(raw))

	_, err = client.Read(ctx, "broken")
	var malformed *admerrors.MonitorMalformedError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "<html>oops</html>", malformed.Raw)

	text, err := client.ReadRaw(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, "<html>oops</html>", text)

	_, err = client.Read(ctx, "nonsense")
	var unreachable *admerrors.MonitorUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, http.StatusBadRequest, unreachable.StatusCode)
	assert.True(t, admerrors.IsUnknownMonitor(err))
}

func TestReadConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().(*net.TCPAddr)
	srv.Close()

	client := New("127.0.0.1", addr.Port)
	_, err := client.Read(context.Background(), "status")

	var unreachable *admerrors.MonitorUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Zero(t, unreachable.StatusCode)
	assert.False(t, admerrors.IsUnknownMonitor(err))
}

func TestReadRetries(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"state": "ok"}`)
	}), WithRetries(3, time.Millisecond))

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.OK())
	assert.Equal(t, int32(3), calls.Load())
}

func TestReadDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}), WithRetries(3, time.Millisecond))

	_, err := client.Read(context.Background(), "status")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChangeState(t *testing.T) {
	queries := make(chan string, 2)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.RawQuery
		if r.URL.Query().Get("change-state") == "bogus" {
			fmt.Fprint(w, `{"ERROR": "Illegal state change"}`)
			return
		}
		fmt.Fprint(w, `{"state": "ok"}`)
	}))
	ctx := context.Background()

	require.NoError(t, client.ChangeState(ctx, ChangeStateWritebackStop))
	assert.Equal(t, "change-state=writeback-stop", <-queries)

	err := client.ChangeState(ctx, "bogus")
	var respErr *admerrors.MonitorResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, "Illegal state change", respErr.Message)
}

func TestStatusNotReady(t *testing.T) {
	client := newTestClient(t, monitors(map[string]string{"status": `{"state": "starting"}`}))

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.OK())
}

func TestSourceOrdersObjects(t *testing.T) {
	client := newTestClient(t, monitors(map[string]string{
		"target": `{"10": {"name": "iqn.b"}, "2": {"name": "iqn.a"}}`,
		"group":  `{"zeta": {}, "alpha": {}, "Default": {}}`,
		"user":   `{"bob": {"targets": []}, "alice": {"targets": ["iqn.a"]}}`,
		"volume": `{"7": null, "3": {"name": "vol3"}}`,
	}))
	src := NewSource(client)
	ctx := context.Background()

	targets, err := src.Targets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, 2, targets[0].TID)
	assert.Equal(t, 10, targets[1].TID)

	groups, err := src.Groups(ctx)
	require.NoError(t, err)
	var names []string
	for _, g := range groups {
		names = append(names, g.Name)
	}
	assert.Equal(t, []string{"Default", "alpha", "zeta"}, names)

	users, err := src.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", users[0].Name)

	volumes, err := src.Volumes(ctx)
	require.NoError(t, err)
	require.Len(t, volumes, 2)
	assert.Equal(t, "vol3", volumes[0].Name)
	assert.True(t, volumes[1].Detaching())
}

func TestResolveAddress(t *testing.T) {
	dc := daemonconf.New("/").Set(daemonconf.KeyMonitorHost, "10.0.0.5").Set(daemonconf.KeyMonitorPort, "9100")

	tests := []struct {
		name     string
		host     string
		port     int
		dc       *daemonconf.Config
		wantHost string
		wantPort int
	}{
		{name: "defaults", wantHost: DefaultHost, wantPort: DefaultPort},
		{name: "daemon config", dc: dc, wantHost: "10.0.0.5", wantPort: 9100},
		{name: "flags win", host: "example", port: 1234, dc: dc, wantHost: "example", wantPort: 1234},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, err := ResolveAddress(tt.host, tt.port, tt.dc)
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
		})
	}

	_, _, err := ResolveAddress("", 0, daemonconf.New("/").Set(daemonconf.KeyMonitorPort, "http"))
	var cfgErr *admerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestParseParams(t *testing.T) {
	assert.Equal(t,
		[]Param{{"op", "attach"}, {"name", "a=b"}, {"force", ""}},
		ParseParams([]string{"op=attach", "name=a=b", "force"}))
}

func TestSanitizeURL(t *testing.T) {
	u, err := url.Parse("http://localhost:9001/user?op=add&name=alice&secret-hash=abc&password=x")
	require.NoError(t, err)
	assert.Equal(t,
		"http://localhost:9001/user?op=add&name=alice&secret-hash=[REDACTED]&password=[REDACTED]",
		sanitizeURL(u))
}
