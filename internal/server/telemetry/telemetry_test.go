package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("warn", "json", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("vector store unavailable", "collection", "agents")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "vector store unavailable", line["msg"])
	assert.Equal(t, "agents", line["collection"])
}

func TestNewLogger_UnknownFormat(t *testing.T) {
	_, err := NewLogger("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	require.NoError(t, err)
	m.Registrations.Add(context.Background(), 1)
	require.NoError(t, ObserveQueueLength(p.Meter, func() int { return 3 }))

	_, span := p.Tracer.Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestInit_EnabledWithDiscardExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	require.NoError(t, err)
	assert.NotNil(t, m.Registrations)
	assert.NotNil(t, m.RetryEnqueued)
	assert.NotNil(t, m.RetryReplayed)
	assert.NotNil(t, m.SimilarityHits)

	_, span := p.Tracer.Start(context.Background(), "registry.create")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"})
	assert.Error(t, err)
}
