package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	Setup("debug")
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = log.Output(&buf)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestTraceIDs(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, NoTrace, TraceID(ctx))
	assert.Equal(t, NoRequest, RequestID(ctx))

	ctx = WithTrace(ctx)
	assert.NotEqual(t, NoTrace, TraceID(ctx))
	assert.NotEqual(t, NoRequest, RequestID(ctx))
	assert.NotEqual(t, TraceID(ctx), RequestID(ctx))

	pinned := WithTraceID(context.Background(), "trace-123")
	assert.Equal(t, "trace-123", TraceID(pinned))
}

func TestFor_EmitsStructuredLine(t *testing.T) {
	buf := captureLogs(t)

	ctx := WithTraceID(context.Background(), "trace-123")
	lg := For(ctx, "pipeline")
	lg.Info().Str("event_key", "TOKEN:PEPE:0001").Msg("processed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "pipeline", line["stage"])
	assert.Equal(t, "trace-123", line["trace_id"])
	assert.Equal(t, NoRequest, line["request_id"])
	assert.Equal(t, "processed", line["message"])
	assert.Contains(t, line, "ts_iso")
	assert.Contains(t, line, "ts_epoch")
}

func TestSetup_LevelFiltering(t *testing.T) {
	Setup("warn")
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = log.Output(&buf)
	t.Cleanup(func() { log.Logger = prev })

	log.Debug().Msg("hidden")
	log.Warn().Msg("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}

func TestSetup_BadLevelDefaultsToInfo(t *testing.T) {
	Setup("nonsense")
	assert.Equal(t, zerolog.InfoLevel, log.Logger.GetLevel())
}
