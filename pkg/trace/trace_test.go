package trace

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTrace_DisabledIsNoop(t *testing.T) {
	shutdown, err := InitTrace(context.Background(), "fx-test", Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTrace_StdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTrace(context.Background(), "fx-test", Config{Stdout: true, Writer: &buf})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "sink.deliver")
	span.End()

	// shutdown flushes the batcher
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "sink.deliver")
	assert.Contains(t, buf.String(), "fx-test")
}
