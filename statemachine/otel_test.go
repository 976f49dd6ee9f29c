package statemachine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var errOtelEnter = errors.New("enter failed")

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()

	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	return recorder
}

func attributes(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)

	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}

	return out
}

//nolint:paralleltest // replaces the global tracer provider
func TestSpans(t *testing.T) {
	recorder := installRecorder(t)

	machine := New(
		WithName("otel"),
		WithLogger(NewDefaultLogger(discardLogger())),
		WithErrorPolicy(ErrorPolicyFunc(func(context.Context, Failure) {})),
	)

	require.NoError(t, machine.Start(BaseState{StateName: "Idle"}))
	require.NoError(t, machine.TransitionTo(&StateFuncs{
		StateName: "Connecting",
		EnterFunc: func(context.Context) error { return errOtelEnter },
	}))
	require.NoError(t, machine.Stop())

	spans := recorder.Ended()
	require.Len(t, spans, 3)

	start := attributes(spans[0])
	assert.Equal(t, "statemachine.transition", spans[0].Name())
	assert.Equal(t, "otel", start["machine"].AsString())
	assert.Equal(t, "none", start["from"].AsString())
	assert.Equal(t, "Idle", start["to"].AsString())
	assert.Equal(t, int64(1), start["sequence"].AsInt64())

	transition := attributes(spans[1])
	assert.Equal(t, "Idle", transition["from"].AsString())
	assert.Equal(t, "Connecting", transition["to"].AsString())
	assert.Equal(t, int64(2), transition["sequence"].AsInt64())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	require.Len(t, spans[1].Events(), 1)
	assert.Equal(t, "exception", spans[1].Events()[0].Name)

	assert.Equal(t, "statemachine.stop", spans[2].Name())
	assert.Equal(t, "Connecting", attributes(spans[2])["state"].AsString())
	assert.Equal(t, codes.Unset, spans[2].Status().Code)
}
