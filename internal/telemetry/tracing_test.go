package telemetry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewProvider(&buf, "test")
	require.NoError(t, err)

	ctx, span := p.Start(context.Background(), SpanScanFile, AttrFile.String("src/main.rs"))
	_, child := p.Start(ctx, SpanStageVerify)
	RecordError(child, errors.New("solver unavailable"))
	child.End()
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	out := buf.String()
	assert.Contains(t, out, SpanScanFile)
	assert.Contains(t, out, SpanStageVerify)
	assert.Contains(t, out, "src/main.rs")
	assert.Contains(t, out, "solver unavailable")
}

func TestNoopProvider(t *testing.T) {
	p, err := NewFileProvider("", "test")
	require.NoError(t, err)
	_, span := p.Start(context.Background(), SpanStageDetect)
	span.End()
	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.json")
	p, err := NewFileProvider(path, "test")
	require.NoError(t, err)
	_, span := p.Start(context.Background(), SpanStageRectify)
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), SpanStageRectify)
}
