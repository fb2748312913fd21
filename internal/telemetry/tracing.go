// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package telemetry sets up OpenTelemetry tracing for battles and sessions.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const flushTimeout = 10 * time.Second

// Config holds the exporter settings.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// CollectorURL is an OTLP/HTTP host:port, without scheme.
	CollectorURL string
	Environment  string
	// SamplingRate is the fraction of root spans kept; children follow
	// their parent's decision.
	SamplingRate float64
}

// DefaultConfig returns settings for a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "agent-arena",
		ServiceVersion: "dev",
		CollectorURL:   "localhost:4318",
		Environment:    "development",
		SamplingRate:   1.0,
	}
}

// TracerProvider owns the SDK provider installed as the global one.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// NewTracerProvider installs a batching OTLP/HTTP provider globally.
func NewTracerProvider(ctx context.Context, config *Config) (*TracerProvider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SamplingRate < 0 || config.SamplingRate > 1 {
		return nil, fmt.Errorf("sampling rate %v outside [0, 1]", config.SamplingRate)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			AttrServiceName.String(config.ServiceName),
			AttrServiceVersion.String(config.ServiceVersion),
			attribute.String("deployment.environment", config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(config.CollectorURL),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	return install(sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
	)), nil
}

func install(tp *sdktrace.TracerProvider) *TracerProvider {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &TracerProvider{provider: tp}
}

// Shutdown flushes pending spans and stops the exporter.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	return errors.Join(tp.provider.ForceFlush(ctx), tp.provider.Shutdown(ctx))
}

// StartSpan starts spanName on the named tracer.
func StartSpan(ctx context.Context, tracerName, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, opts...)
}

// AddEvent adds an event to the span in ctx.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordError records err on the span in ctx without changing its status.
func RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err, trace.WithAttributes(attrs...))
	}
}

// SetSpanStatus sets the status of the span in ctx.
func SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(code, description)
	}
}

// Fail records err on the span in ctx and marks it as failed.
func Fail(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

const (
	AttrServiceName    = attribute.Key("service.name")
	AttrServiceVersion = attribute.Key("service.version")

	AttrBattleID = attribute.Key("arena.battle_id")
	AttrTaskID   = attribute.Key("arena.task_id")
	AttrAttempts = attribute.Key("arena.attempts")
	AttrOutcome  = attribute.Key("arena.outcome")
	AttrWinner   = attribute.Key("arena.winner")
	AttrAgentID  = attribute.Key("arena.agent_id")

	AttrSessionID = attribute.Key("opencode.session_id")
	AttrModel     = attribute.Key("opencode.model")
)

// BattleAttrs describes a battle span.
func BattleAttrs(battleID string, taskID, attempts int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBattleID.String(battleID),
		AttrTaskID.Int(taskID),
		AttrAttempts.Int(attempts),
	}
}

// SessionAttrs describes a session span. An empty model is omitted.
func SessionAttrs(agentID, model string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrAgentID.String(agentID)}
	if model != "" {
		attrs = append(attrs, AttrModel.String(model))
	}
	return attrs
}
