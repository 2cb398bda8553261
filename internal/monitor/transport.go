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
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/dedupv1adm/internal/log"
)

const userAgent = "dedupv1adm/1.0"

// sensitiveParams are query parameter names whose values are redacted
// before logging. User monitor calls carry CHAP secrets.
var sensitiveParams = []string{
	"secret",
	"password",
	"auth",
}

// loggingTransport logs monitor requests with sanitized URLs and
// propagates the active trace id.
type loggingTransport struct {
	base   http.RoundTripper
	logger *slog.Logger
}

func newLoggingTransport(base http.RoundTripper, logger *slog.Logger) *loggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &loggingTransport{base: base, logger: logger}
}

// RoundTrip implements http.RoundTripper.
func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}
	if sc := trace.SpanContextFromContext(req.Context()); sc.HasTraceID() {
		req.Header.Set("X-Correlation-ID", sc.TraceID().String())
	}

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start).Milliseconds()
	logURL := sanitizeURL(req.URL)

	if err != nil {
		t.logger.DebugContext(req.Context(), "monitor request failed",
			"url", logURL,
			log.DurationKey, duration,
			"error", err.Error(),
		)
		return resp, err
	}
	t.logger.DebugContext(req.Context(), "monitor request",
		"url", logURL,
		"status", resp.StatusCode,
		log.DurationKey, duration,
	)
	return resp, nil
}

// sanitizeURL redacts sensitive query parameters. The parameter order is
// preserved.
func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.RawQuery == "" {
		return u.String()
	}

	parts := strings.Split(u.RawQuery, "&")
	for i, part := range parts {
		key, _, _ := strings.Cut(part, "=")
		if name, err := url.QueryUnescape(key); err == nil && isSensitiveParam(name) {
			parts[i] = key + "=[REDACTED]"
		}
	}
	safe := *u
	safe.RawQuery = strings.Join(parts, "&")
	return safe.String()
}

func isSensitiveParam(param string) bool {
	lower := strings.ToLower(param)
	for _, sensitive := range sensitiveParams {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}
