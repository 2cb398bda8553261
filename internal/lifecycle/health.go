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
	"time"

	"github.com/tombee/dedupv1adm/internal/monitor"
)

// StatusReader reads the daemon status monitor.
type StatusReader interface {
	Status(ctx context.Context) (*monitor.Status, error)
}

// HealthChecker probes daemon readiness through the status monitor.
type HealthChecker struct {
	monitor StatusReader
}

// HealthCheckResult contains the result of a readiness probe.
type HealthCheckResult struct {
	Ready        bool
	State        string
	ResponseTime time.Duration
	Error        error
}

// NewHealthChecker creates a checker reading status through m.
func NewHealthChecker(m StatusReader) *HealthChecker {
	return &HealthChecker{monitor: m}
}

// Check performs a single probe. The daemon is ready when the status
// monitor reports state "ok". Any failure to read the monitor is a
// not-ready result, never a fatal error: the monitor comes up late.
func (h *HealthChecker) Check(ctx context.Context) *HealthCheckResult {
	start := time.Now()
	status, err := h.monitor.Status(ctx)
	result := &HealthCheckResult{ResponseTime: time.Since(start), Error: err}
	if err != nil {
		return result
	}
	result.State = status.State
	result.Ready = status.OK()
	return result
}
