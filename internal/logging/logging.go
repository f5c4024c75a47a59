package logging

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
	requestIDKey
)

const (
	// NoTrace is logged when a context carries no trace id.
	NoTrace = "no-trace"
	// NoRequest is logged when a context carries no request id.
	NoRequest = "no-request"
)

// Setup configures the global zerolog logger for single-line JSON output
// with the field names the rest of the pipeline expects.
func Setup(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "ts_iso"
	zerolog.MessageFieldName = "message"

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger().Hook(epochHook{})
}

type epochHook struct{}

func (epochHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	e.Int64("ts_epoch", time.Now().Unix())
}

// WithTrace returns a context carrying a fresh trace id and request id.
func WithTrace(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, traceIDKey, uuid.New().String())
	return context.WithValue(ctx, requestIDKey, uuid.New().String())
}

// WithTraceID returns a context carrying the given trace id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace id from the context, or NoTrace.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		return v
	}
	return NoTrace
}

// RequestID extracts the request id from the context, or NoRequest.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v
	}
	return NoRequest
}

// For returns a stage-scoped logger carrying trace/request ids from ctx.
func For(ctx context.Context, stage string) zerolog.Logger {
	return log.With().
		Str("stage", stage).
		Str("trace_id", TraceID(ctx)).
		Str("request_id", RequestID(ctx)).
		Logger()
}
