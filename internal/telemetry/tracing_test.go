// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	prev := otel.GetTracerProvider()
	exp := tracetest.NewInMemoryExporter()
	tp := install(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp)))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exp
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "agent-arena", cfg.ServiceName)
	assert.Equal(t, "localhost:4318", cfg.CollectorURL)
	assert.Equal(t, 1.0, cfg.SamplingRate)
}

func TestNewTracerProvider_RejectsBadSampling(t *testing.T) {
	_, err := NewTracerProvider(context.Background(), &Config{SamplingRate: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sampling rate")
}

func TestShutdown_NilProvider(t *testing.T) {
	tp := &TracerProvider{}
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestSpanHelpers_NoopProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test", "op")
	defer span.End()

	assert.NotPanics(t, func() {
		AddEvent(ctx, "something")
		RecordError(ctx, errors.New("boom"))
		SetSpanStatus(ctx, codes.Error, "boom")
		Fail(ctx, errors.New("boom"))
	})
}

func TestFail_MarksSpan(t *testing.T) {
	exp := recordSpans(t)

	ctx, span := StartSpan(context.Background(), "test", "publish")
	Fail(ctx, nil)
	Fail(ctx, errors.New("push rejected"))
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "publish", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "push rejected", spans[0].Status.Description)
	require.Len(t, spans[0].Events, 1, "nil errors are not recorded")
	assert.Equal(t, "exception", spans[0].Events[0].Name)
}

func TestAddEvent_Recorded(t *testing.T) {
	exp := recordSpans(t)

	ctx, span := StartSpan(context.Background(), "test", "session.run")
	AddEvent(ctx, "session.prompt", AttrSessionID.String("ses_1"))
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "session.prompt", spans[0].Events[0].Name)
}

func TestBattleAttrs(t *testing.T) {
	attrs := BattleAttrs("b1", 42, 3)
	assert.Len(t, attrs, 3)
	assert.Equal(t, "b1", attrs[0].Value.AsString())
	assert.Equal(t, int64(42), attrs[1].Value.AsInt64())
}

func TestSessionAttrs(t *testing.T) {
	assert.Len(t, SessionAttrs("a1", ""), 1)
	assert.Len(t, SessionAttrs("a1", "anthropic/claude"), 2)
}
