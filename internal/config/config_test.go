package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	require.NoError(t, err)

	assert.True(t, cfg.Voice.Enabled)
	assert.Equal(t, 50*time.Millisecond, cfg.Voice.TickInterval)
	assert.Equal(t, uint64(10), cfg.Legacy.LoginRetryMax)
	assert.Equal(t, time.Second, cfg.Legacy.BackoffBase)
	assert.Equal(t, "SLData", cfg.WebRTC.DataChannelLabel)
	assert.Equal(t, 8080, cfg.HTTP.Port)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	body := `
log_level: debug
voice:
  server_type: webrtc
  fallback_on_failure: true
  ear_location: mixed
legacy:
  login_retry_max: 3
  backoff_cap: 5s
webrtc:
  ice_servers: ["stun:example.org:3478"]
  position_rate: 2
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "webrtc", cfg.Voice.ServerType)
	assert.True(t, cfg.Voice.FallbackOnFailure)
	assert.Equal(t, "mixed", cfg.Voice.EarLocation)
	assert.Equal(t, uint64(3), cfg.Legacy.LoginRetryMax)
	assert.Equal(t, 5*time.Second, cfg.Legacy.BackoffCap)
	assert.Equal(t, []string{"stun:example.org:3478"}, cfg.WebRTC.ICEServers)
	assert.InDelta(t, 2.0, cfg.WebRTC.PositionRate, 1e-9)
}

func TestFileName_FromEnv(t *testing.T) {
	t.Setenv("CONFIG_ENV", "prod")
	assert.Equal(t, "config/config.prod.yaml", FileName())
}
