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

// Package tracing builds the engine's OpenTelemetry TracerProvider and
// hands out the per-component tracers that tag spans around job
// dispatch, step execution, and sub-workflow polling.
package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Exporter selects where finished spans are sent.
type Exporter string

const (
	ExporterNone     Exporter = "none"
	ExporterStdout   Exporter = "stdout"
	ExporterOTLPGRPC Exporter = "otlp-grpc"
	ExporterOTLPHTTP Exporter = "otlp-http"
)

// Config configures the TracerProvider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Exporter       Exporter
	Endpoint       string
	Insecure       bool
	SampleRatio    float64
}

// DefaultConfig returns a config with no exporter (ExporterNone) and
// SampleRatio 1.0: spans are sampled but never exported — exporting is
// opt-in per deployment.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "kb-labs-workflow",
		ServiceVersion: "dev",
		Exporter:       ExporterNone,
		SampleRatio:    1.0,
	}
}

// FromEnv layers KB_WORKFLOW_TRACING_* environment variables over
// DefaultConfig, matching the engine's other FromEnv loaders.
func FromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("KB_WORKFLOW_TRACING_EXPORTER"); v != "" {
		cfg.Exporter = Exporter(v)
	}
	if v := os.Getenv("KB_WORKFLOW_TRACING_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("KB_WORKFLOW_TRACING_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("KB_WORKFLOW_TRACING_INSECURE"); v == "true" {
		cfg.Insecure = true
	}
	return cfg
}

// Provider wraps the SDK TracerProvider. The zero value is not usable;
// construct with New. A nil *Provider is valid everywhere Tracer is
// called and returns a no-op tracer, so callers never need a nil check.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// New builds a Provider from cfg. ExporterNone skips exporter
// construction entirely and returns spans that are created but never
// exported, which is cheaper than standing up a real pipeline in tests
// and local runs.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: building resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	return &Provider{tp: sdktrace.NewTracerProvider(opts...)}, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", ExporterNone:
		return nil, nil
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLPGRPC:
		creds := grpc.WithTransportCredentials(insecure.NewCredentials())
		conn, err := grpc.NewClient(cfg.Endpoint, creds)
		if err != nil {
			return nil, fmt.Errorf("tracing: dialing otlp-grpc endpoint %q: %w", cfg.Endpoint, err)
		}
		return otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	case ExporterOTLPHTTP:
		httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, httpOpts...)
	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}
}

// Tracer returns a named tracer. A nil Provider (no tracing configured)
// returns the package's no-op tracer, so every call site can inject
// *Provider.Tracer(name) unconditionally.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p == nil || p.tp == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Shutdown flushes and releases the underlying TracerProvider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
