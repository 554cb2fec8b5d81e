package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "pairchat", "debug", "json")
	logger.Debug().Str("k", "v").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "pairchat", line["app"])
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, "v", line["k"])
}

func TestNewLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "pairchat", "warn", "json")
	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())
}

func TestNewLoggerBadLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "pairchat", "chatty", "json")
	logger.Debug().Msg("dropped")
	logger.Info().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
	assert.NotContains(t, buf.String(), "dropped")
}
