package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestExampleConfigParses(t *testing.T) {
	cfg, err := Parse([]byte(ExampleConfig))
	require.NoError(t, err)
	require.Equal(t, "https://chat.example.com/api", cfg.Server.BaseURL)
	require.Equal(t, 20*time.Second, cfg.Server.TimeoutDuration())
	require.Equal(t, time.Second, cfg.Sync.ReceiptQuietPeriodDuration())
	require.Equal(t, 2*time.Second, cfg.Sync.ReadInferenceAgeDuration())
	require.Equal(t, time.Second, cfg.Sync.EditedThresholdDuration())
	require.Zero(t, cfg.Sync.SendTimeoutDuration())
	require.Equal(t, 64*1024, cfg.Cache.ChunkSizeBytes())
	require.Equal(t, zerolog.InfoLevel, cfg.Logging.ZerologLevel())
}

func TestPartialConfigKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
cache:
    driver: Pebble
    chunk_size: 1 MB
logging:
    level: DEBUG
`))
	require.NoError(t, err)
	require.Equal(t, "pebble", cfg.Cache.Driver)
	require.Equal(t, 1000*1000, cfg.Cache.ChunkSizeBytes())
	require.Equal(t, zerolog.DebugLevel, cfg.Logging.ZerologLevel())
	require.Equal(t, 50, cfg.Sync.PageSize)
	require.Equal(t, time.Second, cfg.Sync.ReceiptQuietPeriodDuration())
}

func TestEmptyConfig(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, Default().Cache.ChunkSizeBytes(), cfg.Cache.ChunkSizeBytes())
	require.Equal(t, "sqlite", cfg.Cache.Driver)
}

func TestInvalidConfig(t *testing.T) {
	for name, doc := range map[string]string{
		"duration": "sync:\n    read_inference_age: soon\n",
		"negative": "server:\n    timeout: -1s\n",
		"size":     "cache:\n    chunk_size: huge\n",
		"zero":     "cache:\n    chunk_size: 0B\n",
		"driver":   "cache:\n    driver: redis\n",
		"level":    "logging:\n    level: loud\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n    base_url: https://a.example\n"), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)

	env := map[string]string{EnvToken: "tok", EnvServerURL: "https://b.example", EnvViewerID: ""}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Equal(t, "https://b.example", cfg.Server.BaseURL)
	require.Equal(t, "tok", cfg.Server.Token)
	require.Empty(t, cfg.Sync.ViewerID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestUpgradeKeepsUserValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`server:
    base_url: https://chat.internal
    requests_per_second: 3
sync:
    viewer_id: alice
    receipt_quiet_period: 250ms
cache:
    driver: pebble
logging:
    level: debug
    pretty: false
`), 0o600))

	data, _, err := Upgrade(path, true)
	require.NoError(t, err)
	require.Contains(t, string(data), "handle_directory")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://chat.internal", cfg.Server.BaseURL)
	require.Equal(t, 3.0, cfg.Server.RequestsPerSecond)
	require.Equal(t, "alice", cfg.Sync.ViewerID)
	require.Equal(t, 250*time.Millisecond, cfg.Sync.ReceiptQuietPeriodDuration())
	require.Equal(t, "pebble", cfg.Cache.Driver)
	require.Equal(t, zerolog.DebugLevel, cfg.Logging.ZerologLevel())
	require.False(t, cfg.Logging.Pretty)
	// Keys the old file lacked come from the example.
	require.Equal(t, 20*time.Second, cfg.Server.TimeoutDuration())
	require.Equal(t, 64*1024, cfg.Cache.ChunkSizeBytes())
}
