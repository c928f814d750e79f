package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/melodygen/internal/config"
)

func TestJSONOutputCarriesJobID(t *testing.T) {
	var buf bytes.Buffer
	base := newWithWriter(config.LogConfig{Level: "debug", Format: "json"}, false, &buf)

	ForJob(Component(base, "runner"), "abc").Info().Msg("started")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "abc", line["job_id"])
	assert.Equal(t, "runner", line["component"])
	assert.Equal(t, "started", line["message"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	base := newWithWriter(config.LogConfig{Level: "warn", Format: "json"}, false, &buf)

	base.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	base.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	base := newWithWriter(config.LogConfig{Level: "loud", Format: "json"}, false, &buf)

	base.Debug().Msg("hidden")
	base.Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
