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
	"log/slog"
	"strings"
	"time"

	"github.com/tombee/dedupv1adm/internal/log"
)

// Lifecycle event names.
const (
	EventStart           = "start"
	EventStartSuccess    = "start_success"
	EventStartFailure    = "start_failure"
	EventStop            = "stop"
	EventStopSuccess     = "stop_success"
	EventStopFailure     = "stop_failure"
	EventStaleLock       = "stale_lock"
	EventAlreadyRunning  = "already_running"
	EventUncleanShutdown = "unclean_shutdown"
	EventClean           = "clean"
)

// LifecycleEvent represents a lifecycle event (start, stop, etc.).
type LifecycleEvent struct {
	Timestamp    time.Time         `json:"timestamp"`
	InvocationID string            `json:"invocation_id,omitempty"`
	Event        string            `json:"event"`
	PID          int               `json:"pid,omitempty"`
	Success      bool              `json:"success"`
	Message      string            `json:"message,omitempty"`
	Flags        map[string]string `json:"flags,omitempty"`
	ConfigFile   string            `json:"config_file,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// EventRecorder persists lifecycle events.
type EventRecorder interface {
	Record(ctx context.Context, event *LifecycleEvent) error
}

// LifecycleLogger logs daemon lifecycle events to the structured log and,
// when a recorder is set, to the persistent journal. A journal failure is
// logged and otherwise ignored.
type LifecycleLogger struct {
	recorder     EventRecorder
	invocationID string
	logger       *slog.Logger
}

// NewLifecycleLogger creates a new lifecycle logger. recorder may be nil.
func NewLifecycleLogger(recorder EventRecorder, invocationID string, logger *slog.Logger) *LifecycleLogger {
	if logger == nil {
		logger = log.Discard()
	}
	return &LifecycleLogger{
		recorder:     recorder,
		invocationID: invocationID,
		logger:       logger,
	}
}

// LogStart logs a daemon start request with the launch command.
func (l *LifecycleLogger) LogStart(ctx context.Context, cmd *Command) {
	l.write(ctx, &LifecycleEvent{
		Event:      EventStart,
		Success:    true,
		Message:    "dedupv1d start initiated",
		Flags:      parseFlags(cmd.Args),
		ConfigFile: firstArg(cmd.Args),
	})
}

// LogStartSuccess logs a successful start with PID.
func (l *LifecycleLogger) LogStartSuccess(ctx context.Context, pid, iterations int, duration time.Duration) {
	l.write(ctx, &LifecycleEvent{
		Event:   EventStartSuccess,
		PID:     pid,
		Success: true,
		Message: fmt.Sprintf("dedupv1d started (poll iterations: %d, duration: %v)", iterations, duration.Round(time.Millisecond)),
	})
}

// LogStartFailure logs a failed start.
func (l *LifecycleLogger) LogStartFailure(ctx context.Context, err error) {
	l.write(ctx, &LifecycleEvent{
		Event:   EventStartFailure,
		Message: "dedupv1d failed to start",
		Error:   errString(err),
	})
}

// LogStop logs a stop request.
func (l *LifecycleLogger) LogStop(ctx context.Context, pid int, force bool) {
	message := "dedupv1d stop initiated"
	if force {
		message = "dedupv1d force stop initiated"
	}
	l.write(ctx, &LifecycleEvent{
		Event:   EventStop,
		PID:     pid,
		Success: true,
		Message: message,
		Flags:   map[string]string{"force": fmt.Sprint(force)},
	})
}

// LogStopSuccess logs a clean shutdown.
func (l *LifecycleLogger) LogStopSuccess(ctx context.Context, pid int, duration time.Duration) {
	l.write(ctx, &LifecycleEvent{
		Event:   EventStopSuccess,
		PID:     pid,
		Success: true,
		Message: fmt.Sprintf("dedupv1d stopped (duration: %v)", duration.Round(time.Millisecond)),
	})
}

// LogStopFailure logs a failed stop.
func (l *LifecycleLogger) LogStopFailure(ctx context.Context, pid int, err error) {
	l.write(ctx, &LifecycleEvent{
		Event:   EventStopFailure,
		PID:     pid,
		Message: "failed to stop dedupv1d",
		Error:   errString(err),
	})
}

// LogStaleLock logs the removal of a lock file left by a dead or
// force-replaced daemon.
func (l *LifecycleLogger) LogStaleLock(ctx context.Context, pid int, reason string) {
	l.write(ctx, &LifecycleEvent{
		Event:   EventStaleLock,
		PID:     pid,
		Success: true,
		Message: "lock file removed: " + reason,
	})
}

// LogAlreadyRunning logs a refused start.
func (l *LifecycleLogger) LogAlreadyRunning(ctx context.Context, pid int) {
	l.write(ctx, &LifecycleEvent{
		Event:   EventAlreadyRunning,
		PID:     pid,
		Message: "dedupv1d already running",
	})
}

// LogUncleanShutdown logs a daemon exit without the stopped mark.
func (l *LifecycleLogger) LogUncleanShutdown(ctx context.Context, pid int) {
	l.write(ctx, &LifecycleEvent{
		Event:   EventUncleanShutdown,
		PID:     pid,
		Message: "dedupv1d stopped with errors",
	})
}

// LogClean logs a data clean with the number of removed paths.
func (l *LifecycleLogger) LogClean(ctx context.Context, removed int) {
	l.write(ctx, &LifecycleEvent{
		Event:   EventClean,
		Success: true,
		Message: fmt.Sprintf("removed %d files", removed),
	})
}

func (l *LifecycleLogger) write(ctx context.Context, event *LifecycleEvent) {
	event.Timestamp = time.Now()
	event.InvocationID = l.invocationID

	attrs := []any{log.EventKey, event.Event}
	if event.PID > 0 {
		attrs = append(attrs, log.PIDKey, event.PID)
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	l.logger.DebugContext(ctx, event.Message, attrs...)

	if l.recorder == nil {
		return
	}
	if err := l.recorder.Record(ctx, event); err != nil {
		l.logger.WarnContext(ctx, "failed to record lifecycle event",
			log.EventKey, event.Event, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func firstArg(args []string) string {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return ""
	}
	return args[0]
}

// parseFlags converts command-line arguments to a map of flags.
// This is a simple parser for logging purposes.
func parseFlags(args []string) map[string]string {
	flags := make(map[string]string)

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		key := strings.TrimLeft(arg, "-")

		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			flags[key] = args[i+1]
			i++
		} else {
			flags[key] = "true"
		}
	}
	return flags
}
