package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, discard)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownProtocol(t *testing.T) {
	_, err := Init(context.Background(), Config{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"}, discard)
	assert.ErrorContains(t, err, "unknown protocol")
}

func TestStartSpanAndFail(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "host.escrow.lock", Op("escrow.lock"), InvocationID("inv_1"))
	span.SetAttributes(Outcome("aborted"))
	Fail(span, errors.New("insufficient_balance"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	s := ended[0]
	assert.Equal(t, "host.escrow.lock", s.Name())
	assert.Equal(t, codes.Error, s.Status().Code)
	assert.Contains(t, s.Attributes(), attribute.String("blocki.op", "escrow.lock"))
	assert.Contains(t, s.Attributes(), attribute.String("blocki.outcome", "aborted"))
	require.Len(t, s.Events(), 1)
	assert.Equal(t, "exception", s.Events()[0].Name)
}
