package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regtech/pkg/correlation"
)

func TestContextHandlerAddsCorrelation(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "regtech-test", "debug")
	ctx := correlation.WithInboxReplay(correlation.WithCorrelation(context.Background(), "corr-1", "evt-2"), true)

	log.InfoContext(ctx, "handled")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "regtech-test", line["service"])
	assert.Equal(t, "corr-1", line["correlation_id"])
	assert.Equal(t, "evt-2", line["causation_id"])
	assert.Equal(t, true, line["inbox_replay"])
	assert.NotContains(t, line, "outbox_replay")
}

func TestContextHandlerWithoutScope(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "regtech-test", "info")

	log.Info("startup")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.NotContains(t, line, "correlation_id")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
