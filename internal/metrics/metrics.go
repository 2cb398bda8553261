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

// Package metrics holds the Prometheus instruments of the admin tool.
//
// The tool is a short-lived process, so nothing serves /metrics. Instead
// the registry is written to a node-exporter textfile collector file at
// the end of a command when metrics.textfile is configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tombee/dedupv1adm/pkg/errors"
)

// Result label values.
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

var (
	lifecycleOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedupv1adm_lifecycle_operations_total",
			Help: "Total daemon lifecycle operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	lifecycleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedupv1adm_lifecycle_errors_total",
			Help: "Total failed daemon lifecycle operations by operation and error type",
		},
		[]string{"operation", "error_type"},
	)

	daemonState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dedupv1adm_daemon_state",
			Help: "Daemon state as last observed by the controller (1 for the current state)",
		},
		[]string{"state"},
	)

	pollIterations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dedupv1adm_poll_iterations",
			Help:    "Poll iterations until the daemon reached the requested state",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
		[]string{"operation"},
	)

	reconcileItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedupv1adm_reconcile_items_total",
			Help: "Total reconciled kernel objects by kind, action and result",
		},
		[]string{"kind", "action", "result"},
	)
)

// States lists every daemon state the gauge knows about.
var States = []string{"stopped", "starting", "running", "stopping", "crashed"}

// RecordLifecycle counts a finished start, stop, restart or clean.
func RecordLifecycle(operation string, err error) {
	if err == nil {
		lifecycleOperations.WithLabelValues(operation, ResultOK).Inc()
		return
	}
	lifecycleOperations.WithLabelValues(operation, ResultFailed).Inc()
	lifecycleErrors.WithLabelValues(operation, errors.Classify(err)).Inc()
}

// SetDaemonState marks state as current and every other state as not.
func SetDaemonState(state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		daemonState.WithLabelValues(s).Set(v)
	}
}

// ObservePollIterations records how many poll rounds an operation took.
func ObservePollIterations(operation string, iterations int) {
	pollIterations.WithLabelValues(operation).Observe(float64(iterations))
}

// RecordReconcileItem counts one reconciled object.
func RecordReconcileItem(kind, action string, err error, skipped bool) {
	result := ResultOK
	switch {
	case skipped:
		result = ResultSkipped
	case err != nil:
		result = ResultFailed
	}
	reconcileItems.WithLabelValues(kind, action, result).Inc()
}

// WriteTextfile writes the default registry to path in the text
// exposition format. The write goes through a temp file and rename so
// the collector never reads a partial file.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
