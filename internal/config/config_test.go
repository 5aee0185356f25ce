package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Equal(t, Default(), *cfg)
}

func TestLoadOverridesFieldByField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"tcp_port": 9090,
		"fast_pool_size": 25,
		"loglevel": 3,
		"maint": true
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.TCPPort)
	require.Equal(t, 25, cfg.FastPoolSize)
	require.Equal(t, 3, cfg.LogLevel)
	require.True(t, cfg.Maintenance)
	// untouched fields keep their default
	require.Equal(t, Default().SlowPoolSize, cfg.SlowPoolSize)
	require.Equal(t, Default().DataFile, cfg.DataFile)
}

func TestLoadClampsPoolSizeAndLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"fast_pool_size": 999, "loglevel": -5}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 50, cfg.FastPoolSize)
	require.Equal(t, 0, cfg.LogLevel)
}

func TestReloadOnlyTouchesDynamicFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tcp_port": 1234, "slow_pool_size": 1}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1234, cfg.TCPPort)

	require.NoError(t, os.WriteFile(path, []byte(`{"tcp_port": 5555, "slow_pool_size": 12, "loglevel": 2}`), 0o644))
	require.NoError(t, Reload(path, cfg))

	require.Equal(t, 1234, cfg.TCPPort, "restart-only field must survive reload untouched")
	require.Equal(t, 12, cfg.SlowPoolSize)
	require.Equal(t, 2, cfg.LogLevel)
}

func TestReloadMissingFileIsNoop(t *testing.T) {
	cfg := Default()
	before := cfg
	require.NoError(t, Reload(filepath.Join(t.TempDir(), "nope.json"), &cfg))
	require.Equal(t, before, cfg)
}
