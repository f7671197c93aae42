package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "json")
	logger.Info().Str("symbol", "SPY").Msg("cycle started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "SPY", entry["symbol"])
	assert.Equal(t, "cycle started", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	_, err := Setup(Config{Level: "verbose"})
	assert.Error(t, err)
}

func TestSetupWritesToFile(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.GlobalLevel())
	previous := log.Logger
	defer func() { log.Logger = previous }()

	path := filepath.Join(t.TempDir(), "bot.log")
	closer, err := Setup(Config{Level: "warn", Format: "json", Output: path})
	require.NoError(t, err)

	log.Info().Msg("dropped")
	log.Warn().Msg("kept")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}
