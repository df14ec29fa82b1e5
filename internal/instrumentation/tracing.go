// Package instrumentation provides tracing helpers and Prometheus metrics
// for the orchestrator. Spans flow through the workflow engine and the
// cluster gateway; metrics are exposed on the server's /metrics endpoint.
package instrumentation

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope for all spans this module creates.
const TracerName = "github.com/env360/env360"

// Span attribute keys.
const (
	SpanAttrWorkflow     = "env360.workflow_uuid"
	SpanAttrWorkflowName = "env360.workflow_name"
	SpanAttrStep         = "env360.step"
)

// StartSpan starts a span on the globally registered tracer provider. When no
// provider is configured this is a cheap no-op span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartWorkflowSpan starts the root span for one workflow execution.
func StartWorkflowSpan(ctx context.Context, workflowName, workflowUUID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "workflow."+workflowName,
		attribute.String(SpanAttrWorkflowName, workflowName),
		attribute.String(SpanAttrWorkflow, workflowUUID))
}

// StartStepSpan starts a span for one workflow step.
func StartStepSpan(ctx context.Context, step, workflowUUID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "step."+step,
		attribute.String(SpanAttrStep, step),
		attribute.String(SpanAttrWorkflow, workflowUUID))
}

// SetSpanError records err on the span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess marks the span as completed successfully.
func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// TracingConfig controls the OTLP trace exporter.
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Insecure       bool
	SampleRate     float64
}

// TracingConfigFromEnv reads the exporter settings from the environment.
// Tracing is off unless TRACING_ENABLED is set.
func TracingConfigFromEnv(serviceVersion string) TracingConfig {
	return TracingConfig{
		Enabled:        getEnvBoolOrDefault("TRACING_ENABLED", false),
		ServiceName:    getEnvOrDefault("OTEL_SERVICE_NAME", "env360"),
		ServiceVersion: serviceVersion,
		Endpoint:       getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Insecure:       getEnvBoolOrDefault("OTEL_EXPORTER_OTLP_INSECURE", false),
		SampleRate:     getEnvFloatOrDefault("OTEL_TRACES_SAMPLER_ARG", 0.1),
	}
}

// SetupTracing installs a global tracer provider per the config and returns
// its shutdown function. With tracing disabled it installs nothing and the
// returned function is a no-op.
func SetupTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	var exporterOpts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		exporterOpts = append(exporterOpts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return noop, fmt.Errorf("failed to create otlp trace exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBoolOrDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvFloatOrDefault(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return parsed
}
