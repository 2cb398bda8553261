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

package reconcile

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/dedupv1adm/pkg/errors"
)

var tracer = otel.Tracer("github.com/tombee/dedupv1adm/internal/reconcile")

// step records outcomes of one reconciliation step and applies the
// failure policy.
type step struct {
	ctx    context.Context
	res    *Result
	opts   ReconcileOptions
	logger *slog.Logger

	// bestEffort never stops the step on a per-object failure.
	bestEffort bool
}

// record adds o to the result. It returns o.Err when the step must stop:
// always in strict mode, and for active session conflicts even under force.
func (s *step) record(o Outcome) error {
	s.res.add(o)
	attrs := []any{"kind", o.Kind, "name", o.Name, "action", o.Action}

	switch {
	case o.Skipped:
		s.logger.DebugContext(s.ctx, "object skipped", attrs...)
		return nil
	case o.Err == nil:
		level := slog.LevelDebug
		if s.opts.Verbose {
			level = slog.LevelInfo
		}
		s.logger.Log(s.ctx, level, string(o.Kind)+" "+string(o.Action)+"ed", attrs...)
		return nil
	case s.bestEffort:
		s.logger.WarnContext(s.ctx, "cleanup failed", append(attrs, "error", o.Err)...)
		return nil
	case s.opts.Force && !errors.Is(o.Err, errors.ErrActiveSessions):
		s.logger.WarnContext(s.ctx, "reconcile failed, continuing", append(attrs, "error", o.Err)...)
		return nil
	default:
		return o.Err
	}
}

func startSpan(ctx context.Context, name string, opts ReconcileOptions) (context.Context, trace.Span) {
	return tracer.Start(ctx, "reconcile."+name, trace.WithAttributes(
		attribute.Bool("reconcile.force", opts.Force),
	))
}

func endSpan(span trace.Span, res *Result, err error) {
	if res != nil {
		span.SetAttributes(
			attribute.Int("reconcile.outcomes", len(res.Outcomes)),
			attribute.Int("reconcile.failures", len(res.Failed())),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
