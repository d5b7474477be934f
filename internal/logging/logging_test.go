package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, hclog.Debug, ParseLevel("debug"))
	assert.Equal(t, hclog.Warn, ParseLevel(" WARNING "))
	assert.Equal(t, hclog.Info, ParseLevel(""))
	assert.Equal(t, hclog.Info, ParseLevel("verbose"))
}

func TestEnvironmentWins(t *testing.T) {
	t.Setenv(LevelEnv, "error")
	var buf bytes.Buffer
	logger := New(Options{Level: "debug", Output: &buf})
	logger.Warn("dropped")
	logger.Error("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestJSONOutput(t *testing.T) {
	t.Setenv(LevelEnv, "")
	var buf bytes.Buffer
	New(Options{JSON: true, Output: &buf}).Named("verify").Info("candidate verified", "verdict", "confirmed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "rupair.verify", line["@module"])
	assert.Equal(t, "confirmed", line["verdict"])
}
