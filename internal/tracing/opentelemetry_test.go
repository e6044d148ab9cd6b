package tracing

import (
	"context"
	"errors"
	"testing"

	"lightfriend/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestTracingManager_Disabled(t *testing.T) {
	tm := NewTracingManager(models.TracingConfig{Enabled: false}, testLogger())
	require.NoError(t, tm.Initialize(context.Background()))
	assert.Nil(t, tm.tracerProvider)
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestTracingManager_Stdout(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tm := NewTracingManager(models.TracingConfig{
		Enabled:     true,
		ServiceName: "lightfriend-test",
		SampleRate:  1.0,
		UseStdout:   true,
	}, testLogger())

	require.NoError(t, tm.Initialize(context.Background()))
	assert.NotNil(t, tm.tracerProvider)
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestSpans_RecordErrors(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := StartSpan(context.Background(), "tool.search_chat_contacts", AttrPlatform.String("whatsapp"))
	assert.NotEmpty(t, GetOtelTraceID(ctx))
	assert.NotEmpty(t, GetOtelSpanID(ctx))

	AddSpanAttributes(ctx, AttrCount.Int(3))
	EndSpan(span, errors.New("room not found"))

	_, ok := StartSpan(context.Background(), "ok")
	EndSpan(ok, nil)

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "tool.search_chat_contacts", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Len(t, ended[0].Events(), 1)
	assert.Equal(t, codes.Ok, ended[1].Status().Code)
}

func TestIDsWithoutSpan(t *testing.T) {
	assert.Empty(t, GetOtelTraceID(context.Background()))
	assert.Empty(t, GetOtelSpanID(context.Background()))
}
