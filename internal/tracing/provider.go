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

package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the provider.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Exporter is "stdout" or "none". With "none" spans are created and
	// sampled but not exported.
	Exporter string

	// Writer receives stdout exporter output. Default: os.Stdout.
	Writer io.Writer

	// PrettyPrint indents exported spans.
	PrettyPrint bool

	// SampleRatio is the fraction of root spans recorded. Spans marked as
	// errors are always kept.
	SampleRatio float64
}

// Provider owns the SDK tracer provider.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// New builds a provider and installs it as the global tracer provider.
// Extra options are appended, so tests can add a span recorder.
func New(cfg Config, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	all := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(NewSampler(cfg.SampleRatio)),
	}

	switch cfg.Exporter {
	case "", "none":
	case "stdout":
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		eopts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
		if cfg.PrettyPrint {
			eopts = append(eopts, stdouttrace.WithPrettyPrint())
		}
		exp, err := stdouttrace.New(eopts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		all = append(all, sdktrace.WithBatcher(exp))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(append(all, opts...)...)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Tracer returns a tracer from this provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// ForceFlush exports pending spans.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.tp.ForceFlush(ctx)
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
