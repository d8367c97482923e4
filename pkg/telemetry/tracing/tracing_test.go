package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestRunScopeLifecycle(t *testing.T) {
	scope := StartRunScope(context.Background(), "run-1", "c1", "realtime")
	require.NotNil(t, scope)

	got, ok := GetRunScope("run-1")
	require.True(t, ok)
	assert.Same(t, scope, got)

	md := MetadataFromContext(scope.Context())
	require.NotNil(t, md)
	assert.Equal(t, "c1", md.ConversationID)
	md.AddAnomalies(2)
	md.AddAnomalies(1)
	assert.Equal(t, 3, scope.Metadata().AnomalyCount())

	scope.End(errors.New("boom"))
	scope.End(nil)

	_, ok = GetRunScope("run-1")
	assert.False(t, ok)
	assert.Error(t, scope.Context().Err(), "ending the scope cancels its context")
}

func TestNilRunScopeIsSafe(t *testing.T) {
	var scope *RunScope
	assert.NotNil(t, scope.Context())
	assert.NotNil(t, scope.Span())
	assert.Nil(t, scope.Metadata())
	scope.End(nil)
	assert.Nil(t, MetadataFromContext(context.Background()))
}

func TestRunScopeRecordsSnapshotType(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	previous := tracer
	tracer = provider.Tracer("test")
	t.Cleanup(func() { tracer = previous })

	before := ActiveRuns()
	scope := StartRunScope(context.Background(), "run-st", "c1", "periodic")
	assert.Equal(t, before+1, ActiveRuns())

	scope.Metadata().SetSnapshotType("hourly")
	scope.Metadata().AddAnomalies(2)
	scope.End(nil)
	assert.Equal(t, before, ActiveRuns())

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "hourly", attrs["snapshot.type"].AsString())
	assert.Equal(t, int64(2), attrs["pipeline.anomalies"].AsInt64())
	assert.Equal(t, "periodic", attrs["pipeline.mode"].AsString())
}
