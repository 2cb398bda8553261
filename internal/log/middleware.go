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

package log

import (
	"context"
	"log/slog"
	"time"
)

// Operation describes an external call for logging purposes: a command
// run against the kernel subsystem or a monitor request to the daemon.
type Operation struct {
	// Kind is the operation class, e.g. "command" or "monitor".
	Kind string

	// Name identifies the operation (command line or monitor name).
	Name string

	// Metadata contains additional attributes.
	Metadata map[string]any
}

func (op *Operation) attrs() []any {
	attrs := []any{"kind", op.Kind, "name", op.Name}
	for k, v := range op.Metadata {
		attrs = append(attrs, k, v)
	}
	return attrs
}

// Middleware wraps external calls with debug logging of the call and its
// outcome.
type Middleware struct {
	logger *slog.Logger
}

// NewMiddleware creates a new operation logging middleware.
func NewMiddleware(logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = Discard()
	}
	return &Middleware{logger: logger}
}

// Run executes fn and logs start, duration and result. Failures are
// logged at debug level too; the caller decides how loud they are.
func (m *Middleware) Run(ctx context.Context, op *Operation, fn func() error) error {
	start := time.Now()
	m.logger.DebugContext(ctx, "operation started", op.attrs()...)

	err := fn()

	attrs := append(op.attrs(), DurationKey, time.Since(start).Milliseconds())
	if err != nil {
		attrs = append(attrs, "error", err)
		m.logger.DebugContext(ctx, "operation failed", attrs...)
		return err
	}
	m.logger.DebugContext(ctx, "operation completed", attrs...)
	return nil
}
