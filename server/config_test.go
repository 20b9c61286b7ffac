package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zorgworld/world"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zorg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, world.DuplicateReject, cfg.DuplicatePolicy())
	assert.Equal(t, world.DefaultReplayCapacity, cfg.World.ReplayCapacity)
}

func TestLoadConfig_NoFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_YAMLAndEnv(t *testing.T) {
	path := writeConfig(t, `
addr: ":9090"
world:
  width: 512
  height: 128
  chunk_size: 64
  replay_capacity: 32
  duplicate_policy: Replace
ws:
  write_timeout: 2s
janitor:
  idle_ttl: 1m
journal:
  enabled: true
  dir: /tmp/zorg-journal
`)
	t.Setenv("ZORG_WORLD_CHUNK_SIZE", "16")
	t.Setenv("ZORG_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 512.0, cfg.World.Width)
	assert.Equal(t, 16.0, cfg.World.ChunkSize)
	assert.Equal(t, 32, cfg.World.ReplayCapacity)
	assert.Equal(t, world.DuplicateReplace, cfg.DuplicatePolicy())
	assert.Equal(t, 2*time.Second, cfg.WS.WriteTimeout)
	assert.Equal(t, time.Minute, cfg.Janitor.IdleTTL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Journal.Enabled)

	// 未配置的字段保持默认值
	assert.Equal(t, DefaultConfig().WS.ReadTimeout, cfg.WS.ReadTimeout)
}

func TestLoadConfig_Normalize(t *testing.T) {
	path := writeConfig(t, `
world:
  replay_capacity: -1
  step: 0
ws:
  read_timeout: 0s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, world.DefaultReplayCapacity, cfg.World.ReplayCapacity)
	assert.Equal(t, 1.0, cfg.World.Step)
	assert.Equal(t, 60*time.Second, cfg.WS.ReadTimeout)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"chunk size": "world:\n  chunk_size: -4\n",
		"bounds":     "world:\n  width: 0\n",
		"policy":     "world:\n  duplicate_policy: merge\n",
		"log level":  "log:\n  level: loud\n",
		"yaml":       "world: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
