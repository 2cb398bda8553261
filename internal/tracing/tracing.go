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

// Package tracing sets up the OpenTelemetry tracer provider. Lifecycle and
// reconciliation code creates spans through otel.Tracer; without Setup
// those spans go to the no-op provider.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ServiceName identifies dedupv1adm in exported spans.
const ServiceName = "dedupv1adm"

// Config holds tracing configuration.
type Config struct {
	// Enabled controls whether spans are exported.
	Enabled bool

	// Output is "stderr", "stdout" or a file path spans are appended to.
	Output string

	// PrettyPrint enables human-readable formatted output.
	PrettyPrint bool

	// ServiceVersion is the application version.
	ServiceVersion string

	// InvocationID tags every span of one run.
	InvocationID string
}

// Provider owns the SDK tracer provider and its output.
type Provider struct {
	tp  *sdktrace.TracerProvider
	out io.Closer
}

// Setup installs a global tracer provider exporting spans as JSON. With
// tracing disabled it returns a provider whose Shutdown does nothing.
func Setup(cfg Config, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	w, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	exporter, err := NewConsoleExporter(w, cfg.PrettyPrint)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.InvocationID != "" {
		attrs = append(attrs, attribute.String("dedupv1.invocation_id", cfg.InvocationID))
	}
	// No schema URL, so the merge with the default resource cannot
	// conflict.
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes("", attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Spans are exported synchronously: the process exits right after
	// the command.
	allOpts := append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSyncer(exporter),
	}, opts...)
	tp := sdktrace.NewTracerProvider(allOpts...)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, out: closer}, nil
}

// NewConsoleExporter creates a span exporter writing JSON to w.
func NewConsoleExporter(w io.Writer, pretty bool) (sdktrace.SpanExporter, error) {
	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create console exporter: %w", err)
	}
	return exporter, nil
}

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open trace output: %w", err)
	}
	return f, f, nil
}

// Shutdown flushes pending spans and closes the output.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	err := p.tp.Shutdown(ctx)
	if p.out != nil {
		if cerr := p.out.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
