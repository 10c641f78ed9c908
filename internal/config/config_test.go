package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "crash.db", cfg.DatabasePath)
	assert.Equal(t, 5*time.Second, cfg.Round.BettingWindow)
	assert.Equal(t, "v1", cfg.Fair.Version)
	assert.Equal(t, int64(10_000), cfg.Fair.EdgePerMillion)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
round:
  betting_window: 2s
fair:
  edge_per_million: 20000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.Round.BettingWindow)
	assert.Equal(t, int64(20_000), cfg.Fair.EdgePerMillion)

	// Untouched keys keep their defaults.
	assert.Equal(t, "crash.db", cfg.DatabasePath)
	assert.Equal(t, 3*time.Second, cfg.Round.Cooldown)
	assert.NotEmpty(t, cfg.Fair.Salt)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
