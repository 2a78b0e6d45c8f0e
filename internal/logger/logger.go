package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Type alias for slog.Level for easier usage
type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug // -4
	LevelInfo    = slog.LevelInfo  // 0
	LevelWarning = slog.LevelWarn  // 4
	LevelError   = slog.LevelError // 8
	LevelFatal   = slog.Level(12)  // 12
)

const defaultServiceName = "eventrules"

var (
	Logger          *slog.Logger
	errorSampleRate int32 = 1 // log every warning and error unless ERROR_SAMPLE_RATE says otherwise
	programLevel          = new(slog.LevelVar)
	shutdownFunc    func(context.Context) error
)

// Counters are incremented regardless of sampling and exposed on the
// health endpoint.
var (
	TotalErrors   atomic.Int64
	TotalWarnings atomic.Int64

	// EvaluationFaults counts structurally invalid condition trees met at
	// evaluation time.
	EvaluationFaults atomic.Int64
	// DegradedRebuilds counts rule cache rebuilds that fell back to a stale
	// snapshot because the store was unreachable.
	DegradedRebuilds atomic.Int64
	// ConfigurationErrors counts actions skipped for an unknown type or an
	// invalid executor config.
	ConfigurationErrors atomic.Int64
	// PermanentFailures counts asynchronous actions that exhausted their
	// retries or failed with a non-retryable error.
	PermanentFailures atomic.Int64
	// SwallowedTriggerErrors counts failures inside trigger hooks that were
	// kept away from the producing operation.
	SwallowedTriggerErrors atomic.Int64

	Total5xxErrors atomic.Int64
	Total4xxErrors atomic.Int64
)

func init() {
	programLevel.Set(slog.LevelInfo)

	levelStr := os.Getenv("LOG_LEVEL")
	if levelStr == "" {
		levelStr = "INFO"
	}
	level, err := ParseLevel(levelStr)
	if err != nil {
		level = slog.LevelInfo
	}
	programLevel.Set(level)

	// ERROR_SAMPLE_RATE=N logs 1 out of every N warnings and errors.
	if sampleStr := os.Getenv("ERROR_SAMPLE_RATE"); sampleStr != "" {
		if rate, err := strconv.Atoi(sampleStr); err == nil && rate > 0 {
			atomic.StoreInt32(&errorSampleRate, int32(rate))
		}
	}

	if strings.ToLower(os.Getenv("OTEL_ENABLED")) == "true" {
		serviceName := os.Getenv("OTEL_SERVICE_NAME")
		if serviceName == "" {
			serviceName = defaultServiceName
		}

		shutdown, err := setupOTELLogging(context.Background(), serviceName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to setup OTEL logging, falling back to JSON: %v\n", err)
			setupJSONLogging(os.Stdout)
		} else {
			shutdownFunc = shutdown
		}
		return
	}
	setupJSONLogging(os.Stdout)
}

func setupJSONLogging(w io.Writer) {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: programLevel})
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func setupOTELLogging(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	otelHandler := otelslog.NewHandler(
		serviceName,
		otelslog.WithLoggerProvider(loggerProvider),
	)

	Logger = slog.New(&levelHandler{level: programLevel, handler: otelHandler})
	slog.SetDefault(Logger)

	return loggerProvider.Shutdown, nil
}

// levelHandler wraps a handler to filter by level
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// Shutdown flushes the OTEL exporter when one is configured.
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

// SetLevel sets the minimum log level for the logger
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// GetLevel returns the current minimum log level
func GetLevel() slog.Level {
	return programLevel.Level()
}

// SetSampleRate changes how many warnings and errors are logged (1 in rate).
func SetSampleRate(rate int) {
	if rate < 1 {
		rate = 1
	}
	atomic.StoreInt32(&errorSampleRate, int32(rate))
}

// ParseLevel converts a string level name to slog.Level
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(levelStr) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s (defaulting to INFO)", levelStr)
	}
}

// With returns a child logger carrying args. Components that accept an
// injected *slog.Logger default to this.
func With(args ...any) *slog.Logger {
	return Logger.With(args...)
}

// Discard returns a logger that drops everything; for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func shouldSample() bool {
	rate := atomic.LoadInt32(&errorSampleRate)
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

// Trace logs a trace-level message (never sampled)
func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Debug logs a debug-level message (never sampled)
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// Info logs an info-level message (never sampled)
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn logs a sampled warning; the counter always increments.
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if shouldSample() {
		Logger.Warn(msg, args...)
	}
}

// Error logs a sampled error; the counter always increments.
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if shouldSample() {
		Logger.Error(msg, args...)
	}
}

// Fatal logs and exits (never sampled)
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	if shutdownFunc != nil {
		_ = shutdownFunc(context.Background())
	}
	os.Exit(1)
}

// EvaluationFault logs a condition tree defect.
func EvaluationFault(msg string, args ...any) {
	EvaluationFaults.Add(1)
	Error(msg, args...)
}

// DegradedRebuild logs a cache rebuild served from a stale snapshot.
func DegradedRebuild(msg string, args ...any) {
	DegradedRebuilds.Add(1)
	Warn(msg, args...)
}

// ConfigurationError logs an action skipped for bad configuration.
func ConfigurationError(msg string, args ...any) {
	ConfigurationErrors.Add(1)
	Warn(msg, args...)
}

// PermanentFailure logs an asynchronous action that will not be retried.
func PermanentFailure(msg string, args ...any) {
	PermanentFailures.Add(1)
	Error(msg, args...)
}

// SwallowedTriggerError logs a trigger hook failure kept from the producer.
func SwallowedTriggerError(msg string, args ...any) {
	SwallowedTriggerErrors.Add(1)
	Error(msg, args...)
}

// ErrorHttp5xx counts a 5xx response
func ErrorHttp5xx() {
	Total5xxErrors.Add(1)
	TotalErrors.Add(1)
}

// WarnHttp4xx counts a 4xx response
func WarnHttp4xx() {
	Total4xxErrors.Add(1)
	TotalWarnings.Add(1)
}

// Counters returns a snapshot of every counter.
func Counters() map[string]int64 {
	return map[string]int64{
		"errors":                    TotalErrors.Load(),
		"warnings":                  TotalWarnings.Load(),
		"evaluation_faults":         EvaluationFaults.Load(),
		"degraded_cache_rebuilds":   DegradedRebuilds.Load(),
		"configuration_errors":      ConfigurationErrors.Load(),
		"permanent_action_failures": PermanentFailures.Load(),
		"swallowed_trigger_errors":  SwallowedTriggerErrors.Load(),
		"http_5xx":                  Total5xxErrors.Load(),
		"http_4xx":                  Total4xxErrors.Load(),
	}
}
