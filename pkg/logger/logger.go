package logger

import (
	"context"
	"os"
	"path/filepath"

	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceIdKey is the context key carrying a request/trace id into log lines.
const TraceIdKey = "trace_id"

// Log is the process-wide logger. It is a no-op until Init runs so that packages
// logging from tests or before startup never touch a nil pointer.
var Log = zap.NewNop()

// level backs hot level changes (SetLevel) after Init.
var level = zap.NewAtomicLevelAt(zap.InfoLevel)

// Config controls where and how much the service logs.
type Config struct {
	Level string `mapstructure:"level"`
	// File defaults to logs/{service}.log; "-" disables file output.
	File string `mapstructure:"file"`
}

// Init sets up the JSON logger for a service at the given level.
func Init(serviceName string, lvl string) {
	InitWithFile(serviceName, lvl, "")
}

// InitWithFile is Init with an explicit log file path.
func InitWithFile(serviceName string, lvl string, logFile string) {
	SetLevel(lvl)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{
		zapcore.AddSync(os.Stdout),
	}

	if logFile == "" {
		logFile = filepath.Join("logs", serviceName+".log")
	}
	if logFile != "-" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err == nil {
			file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err == nil {
				writeSyncers = append(writeSyncers, zapcore.AddSync(file))
			}
		}
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		level,
	)

	// skip 1: callers go through the helpers below
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", serviceName))
}

// SetLevel changes the active level; unknown names fall back to info.
func SetLevel(lvl string) {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(lvl)); err != nil {
		zl = zap.InfoLevel
	}
	level.SetLevel(zl)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Info(msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Error(msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Warn(msg, fields...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Debug(msg, fields...)
}

// Fatal logs and exits the process.
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Fatal(msg, fields...)
}

func extractTrace(ctx context.Context, fields *[]zap.Field) {
	if ctx == nil {
		return
	}
	if traceID, ok := ctx.Value(TraceIdKey).(string); ok && traceID != "" {
		*fields = append(*fields, zap.String("trace_id", traceID))
		return
	}
	if sc := oteltrace.SpanContextFromContext(ctx); sc.HasTraceID() {
		*fields = append(*fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()))
	}
}

// Sync flushes buffered entries; call it from main before exit.
func Sync() {
	_ = Log.Sync()
}
