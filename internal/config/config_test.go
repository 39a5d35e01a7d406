package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	require.Equal(t, 1000, cfg.RefreshIntervalMs)
	require.Equal(t, 30_000, cfg.PushIntervalMs)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("REFRESH_INTERVAL_MS", "2500")
	t.Setenv("PUSH_INTERVAL_MS", "")
	cfg := Load("")
	require.Equal(t, 2500, cfg.RefreshIntervalMs)
	require.Equal(t, 30_000, cfg.PushIntervalMs)
}

func TestLoadIgnoresInvalidEnv(t *testing.T) {
	t.Setenv("REFRESH_INTERVAL_MS", "not-a-number")
	cfg := Load("")
	require.Equal(t, 1000, cfg.RefreshIntervalMs)
}
