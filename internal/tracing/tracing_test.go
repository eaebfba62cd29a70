package tracing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	require.NoError(t, InitWithExporter("approvals-test", "test", exporter))
	t.Cleanup(func() { _ = Shutdown(context.Background()) })

	_, ok := StartSpan(context.Background(), "approvals.Decide")
	ok.SetAttributes(map[string]string{"request_id": "r-1"})
	ok.SetStatus(nil)
	ok.End()

	_, failed := StartSpan(context.Background(), "approvals.CreateRequest")
	failed.SetStatus(fmt.Errorf("flow type not found"))
	failed.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "approvals.Decide", spans[0].Name)
	assert.Contains(t, spans[0].Attributes, attribute.String("request_id", "r-1"))
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Len(t, spans[1].Events, 1)
}

func TestNilSpanIsSafe(t *testing.T) {
	var s *Span
	assert.NotPanics(t, func() {
		s.SetAttributes(map[string]string{"a": "b"})
		s.SetStatus(nil)
		s.End()
	})
}

func TestShutdownClosesOutputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.json")
	require.NoError(t, Init("approvals-test", "test", path))

	f, ok := output.(*os.File)
	require.True(t, ok, "Init should keep the trace file open")

	_, span := StartSpan(context.Background(), "approvals.CancelRequest")
	span.End()

	require.NoError(t, Shutdown(context.Background()))
	assert.Nil(t, output)
	assert.ErrorIs(t, f.Close(), os.ErrClosed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "approvals.CancelRequest")

	// A second shutdown has nothing left to close.
	assert.NoError(t, Shutdown(context.Background()))
}

func TestInitIsNoOpWhileInstalled(t *testing.T) {
	first := tracetest.NewInMemoryExporter()
	second := tracetest.NewInMemoryExporter()
	require.NoError(t, InitWithExporter("approvals-test", "test", first))
	t.Cleanup(func() { _ = Shutdown(context.Background()) })
	require.NoError(t, InitWithExporter("approvals-test", "test", second))

	_, span := StartSpan(context.Background(), "approvals.GetRequest")
	span.End()

	assert.Len(t, first.GetSpans(), 1)
	assert.Empty(t, second.GetSpans())
}
