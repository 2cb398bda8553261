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
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/tombee/dedupv1adm/internal/monitor"
)

func statusServer(t *testing.T, handler http.HandlerFunc) *monitor.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return monitor.New(host, port)
}

func TestHealthChecker_Check(t *testing.T) {
	t.Run("ready when state is ok", func(t *testing.T) {
		client := statusServer(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"state": "ok"}`)
		})

		result := NewHealthChecker(client).Check(context.Background())
		if !result.Ready {
			t.Errorf("Check() ready = false, want true (error: %v)", result.Error)
		}
		if result.State != "ok" {
			t.Errorf("Check() state = %q, want ok", result.State)
		}
	})

	t.Run("not ready while starting", func(t *testing.T) {
		client := statusServer(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"state": "starting"}`)
		})

		result := NewHealthChecker(client).Check(context.Background())
		if result.Ready {
			t.Error("Check() ready = true, want false")
		}
		if result.Error != nil {
			t.Errorf("Check() error = %v, want nil", result.Error)
		}
	})

	t.Run("not ready on malformed response", func(t *testing.T) {
		client := statusServer(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `Starting...`)
		})

		result := NewHealthChecker(client).Check(context.Background())
		if result.Ready || result.Error == nil {
			t.Errorf("Check() = %+v, want not ready with error", result)
		}
	})

	t.Run("not ready when unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		u, _ := url.Parse(server.URL)
		server.Close()
		host, portStr, _ := net.SplitHostPort(u.Host)
		port, _ := strconv.Atoi(portStr)

		result := NewHealthChecker(monitor.New(host, port)).Check(context.Background())
		if result.Ready || result.Error == nil {
			t.Errorf("Check() = %+v, want not ready with error", result)
		}
	})
}
