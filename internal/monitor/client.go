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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tombee/dedupv1adm/internal/daemonconf"
	"github.com/tombee/dedupv1adm/pkg/errors"
)

const (
	// DefaultHost is used when neither flags nor the daemon config name a host.
	DefaultHost = "localhost"
	// DefaultPort is the daemon's default monitor port.
	DefaultPort = 9001
	// DefaultTimeout bounds a single monitor request.
	DefaultTimeout = 30 * time.Second

	errorKey = "ERROR"
)

// Param is a single query parameter.
type Param struct {
	Key   string
	Value string
}

// P is shorthand for a Param literal.
func P(key, value string) Param {
	return Param{Key: key, Value: value}
}

// ParseParams turns "key=value" arguments into params. A bare "key"
// becomes a parameter with an empty value.
func ParseParams(args []string) []Param {
	params := make([]Param, 0, len(args))
	for _, arg := range args {
		k, v, _ := strings.Cut(arg, "=")
		params = append(params, Param{Key: k, Value: v})
	}
	return params
}

func encodeParams(params []Param) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, url.QueryEscape(p.Key)+"="+url.QueryEscape(p.Value))
	}
	return strings.Join(parts, "&")
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.HTTPClient.Timeout = d
		}
	}
}

// WithRetries retries idempotent reads that fail at the connection level
// or with a 5xx status. State changes are never retried.
func WithRetries(attempts int, interval time.Duration) Option {
	return func(c *Client) {
		c.Retries = attempts
		c.RetryInterval = interval
	}
}

// WithLogger sets the logger used by the request transport.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.HTTPClient.Transport = newLoggingTransport(nil, logger)
	}
}

// Client reads daemon monitors.
type Client struct {
	BaseURL       string
	HTTPClient    *http.Client
	Retries       int
	RetryInterval time.Duration
}

// New returns a client for the monitor at host:port.
func New(host string, port int, opts ...Option) *Client {
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		port = DefaultPort
	}
	c := &Client{
		BaseURL: "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		HTTPClient: &http.Client{
			Transport: newLoggingTransport(nil, nil),
			Timeout:   DefaultTimeout,
		},
		RetryInterval: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResolveAddress picks the monitor address. Explicit values win, then
// monitor.host and monitor.port from the daemon configuration, then the
// defaults.
func ResolveAddress(host string, port int, dc *daemonconf.Config) (string, int, error) {
	if host == "" && dc != nil {
		host = dc.Get(daemonconf.KeyMonitorHost)
	}
	if host == "" {
		host = DefaultHost
	}
	if port == 0 && dc != nil {
		if v := dc.Get(daemonconf.KeyMonitorPort); v != "" {
			p, err := strconv.Atoi(v)
			if err != nil || p <= 0 || p > 65535 {
				return "", 0, &errors.ConfigError{
					Key:    daemonconf.KeyMonitorPort,
					Reason: fmt.Sprintf("illegal port %q", v),
					Cause:  err,
				}
			}
			port = p
		}
	}
	if port == 0 {
		port = DefaultPort
	}
	return host, port, nil
}

// Read requests the named monitor and returns its JSON body.
func (c *Client) Read(ctx context.Context, name string, params ...Param) (json.RawMessage, error) {
	body, err := c.fetch(ctx, name, params, c.Retries)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, &errors.MonitorMalformedError{Monitor: name, Raw: string(body)}
	}
	return json.RawMessage(body), nil
}

// ReadRaw requests the named monitor and returns the body as text
// without requiring it to be JSON.
func (c *Client) ReadRaw(ctx context.Context, name string, params ...Param) (string, error) {
	body, err := c.fetch(ctx, name, params, c.Retries)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) fetch(ctx context.Context, name string, params []Param, retries int) ([]byte, error) {
	if retries <= 0 {
		return c.fetchOnce(ctx, name, params)
	}
	return backoff.Retry(ctx, func() ([]byte, error) {
		body, err := c.fetchOnce(ctx, name, params)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return body, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.RetryInterval)),
		backoff.WithMaxTries(uint(retries+1)),
	)
}

func (c *Client) fetchOnce(ctx context.Context, name string, params []Param) ([]byte, error) {
	u := c.BaseURL + "/" + url.PathEscape(name)
	if len(params) > 0 {
		u += "?" + encodeParams(params)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &errors.MonitorUnreachableError{Monitor: name, Cause: err}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &errors.MonitorUnreachableError{Monitor: name, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errors.MonitorUnreachableError{Monitor: name, StatusCode: resp.StatusCode, Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &errors.MonitorUnreachableError{Monitor: name, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func retryable(err error) bool {
	var unreachable *errors.MonitorUnreachableError
	if !errors.As(err, &unreachable) {
		return false
	}
	if unreachable.StatusCode == 0 {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return unreachable.StatusCode >= 500
}

// CheckError reports an "ERROR" member of an object response as a
// MonitorResponseError.
func CheckError(name string, raw json.RawMessage) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil
	}
	msg, ok := members[errorKey]
	if !ok {
		return nil
	}
	var text string
	if err := json.Unmarshal(msg, &text); err != nil {
		text = string(msg)
	}
	return &errors.MonitorResponseError{Monitor: name, Message: text}
}
