package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "mdsync"

var (
	mu             sync.RWMutex
	globalLogger   = slog.Default()
	tracingEnabled bool
	tracer         trace.Tracer
	tracerProvider *sdktrace.TracerProvider
)

// Config selects level, output format and whether spans are exported.
type Config struct {
	Level   string // DEBUG, INFO, WARN, ERROR
	Format  string // json or text
	Tracing bool
	Output  io.Writer
}

// Init installs the process logger and, if requested, a stdout span exporter.
func Init(cfg Config) error {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	l := slog.New(handler)
	slog.SetDefault(l)

	mu.Lock()
	globalLogger = l
	mu.Unlock()

	if !cfg.Tracing {
		return nil
	}
	if err := initTracer(out); err != nil {
		l.Warn("Failed to initialize OpenTelemetry tracer, tracing disabled", "error", err)
		return nil
	}
	return nil
}

func initTracer(out io.Writer) error {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return err
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mu.Lock()
	tracerProvider = tp
	tracer = tp.Tracer(serviceName)
	tracingEnabled = true
	mu.Unlock()
	return nil
}

// Shutdown flushes pending spans.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	tp := tracerProvider
	tracerProvider = nil
	tracingEnabled = false
	tracer = nil
	mu.Unlock()

	if tp != nil {
		return tp.Shutdown(ctx)
	}
	return nil
}

// StartSpan starts a span, or returns the span already in ctx when tracing is off.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	mu.RLock()
	enabled, tr := tracingEnabled, tracer
	mu.RUnlock()

	if !enabled || tr == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tr.Start(ctx, name, opts...)
}

// Get returns the current process logger.
func Get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

func Debug(ctx context.Context, msg string, args ...any) {
	log(ctx, slog.LevelDebug, msg, args...)
}

func Info(ctx context.Context, msg string, args ...any) {
	log(ctx, slog.LevelInfo, msg, args...)
}

func Warn(ctx context.Context, msg string, args ...any) {
	log(ctx, slog.LevelWarn, msg, args...)
}

func Error(ctx context.Context, msg string, args ...any) {
	log(ctx, slog.LevelError, msg, args...)
}

// ErrorWithErr logs err and marks the active span as failed.
func ErrorWithErr(ctx context.Context, msg string, err error, args ...any) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	log(ctx, slog.LevelError, msg, append([]any{"error", err}, args...)...)
}

func log(ctx context.Context, level slog.Level, msg string, args ...any) {
	l := Get()
	if !l.Enabled(ctx, level) {
		return
	}

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		args = append([]any{"trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String()}, args...)
	}
	if attrs := sessionAttrs(ctx); attrs != nil {
		args = append(attrs, args...)
	}

	l.Log(ctx, level, msg, args...)
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
