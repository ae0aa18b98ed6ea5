package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obsysd/internal/telemetry/tracing"
)

func TestCorrelatedLoggerAddsTraceSpan(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	log := New(base)

	tr := tracing.NewTracer(true)
	ctx, span := tr.StartSpan(context.Background(), "op")
	defer span.End()
	log.InfoCtx(ctx, "hello", "k", "v")

	out := buf.String()
	assert.Contains(t, out, "trace_id=")
	assert.Contains(t, out, "span_id=")
}

func TestCorrelatedLoggerNoSpan(t *testing.T) {
	var buf bytes.Buffer
	log := New(slog.New(slog.NewTextHandler(&buf, nil)))
	log.InfoCtx(context.Background(), "plain")
	assert.NotContains(t, buf.String(), "trace_id=")
}

func TestPlainLoggerMethods(t *testing.T) {
	var buf bytes.Buffer
	log := New(slog.New(slog.NewTextHandler(&buf, nil)))
	log.Info("ok")
	log.Warn("careful")
	log.Error("bad")
	out := buf.String()
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "careful")
	assert.Contains(t, out, "bad")
}

func TestRotatingWriterOpensDatedFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewRotatingWriter(dir, "obsysd")
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("line one\n"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "obsysd-"))
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".log"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "line one")
}
