package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func captureLogger(buf *bytes.Buffer, lvl zapcore.LevelEnabler) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "msg"
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(buf), lvl)
	return zap.New(core)
}

func TestLogger_Info_WithTraceID(t *testing.T) {
	buffer := &bytes.Buffer{}
	Log = captureLogger(buffer, zap.InfoLevel)

	ctx := context.WithValue(context.Background(), TraceIdKey, "trace-eurusd-1")
	Info(ctx, "quote admitted", zap.String("instrument", "EUR/USD"), zap.Uint64("seq", 2))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry), "log line must be valid JSON")

	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "quote admitted", entry["msg"])
	assert.Equal(t, "EUR/USD", entry["instrument"])
	assert.Equal(t, float64(2), entry["seq"])
	assert.Equal(t, "trace-eurusd-1", entry["trace_id"])
}

func TestLogger_SpanContextTraceID(t *testing.T) {
	buffer := &bytes.Buffer{}
	Log = captureLogger(buffer, zap.InfoLevel)

	sc := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID: oteltrace.TraceID{0x0a, 0x01},
		SpanID:  oteltrace.SpanID{0x0b, 0x02},
	})
	ctx := oteltrace.ContextWithSpanContext(context.Background(), sc)
	Info(ctx, "sink delivered")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry))
	assert.Equal(t, sc.TraceID().String(), entry["trace_id"])
	assert.Equal(t, sc.SpanID().String(), entry["span_id"])
}

func TestLogger_Warn_NoTraceID(t *testing.T) {
	buffer := &bytes.Buffer{}
	Log = captureLogger(buffer, zap.InfoLevel)

	Warn(context.Background(), "sink unavailable", zap.String("sink", "redis"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry))

	_, exists := entry["trace_id"]
	assert.False(t, exists)
	assert.Equal(t, "warn", entry["level"])
}

func TestLogger_SetLevel_FiltersDebug(t *testing.T) {
	buffer := &bytes.Buffer{}
	Log = captureLogger(buffer, level)
	defer SetLevel("info")

	SetLevel("warn")
	Info(context.Background(), "dropped")
	assert.Zero(t, buffer.Len())

	SetLevel("debug")
	Debug(context.Background(), "kept")
	assert.Contains(t, buffer.String(), "kept")

	SetLevel("nonsense")
	assert.Equal(t, zap.InfoLevel, level.Level())
}

func TestLogger_NopBeforeInit(t *testing.T) {
	Log = zap.NewNop()
	assert.NotPanics(t, func() {
		Error(nil, "no init yet") //nolint:staticcheck
		Sync()
	})
}
