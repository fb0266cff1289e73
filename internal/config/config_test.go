package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/importfolio/internal/modules/optimization"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("IMPORTFOLIO_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8001, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.DevMode)
	assert.Equal(t, optimization.DefaultLimits(), cfg.Limits)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("IMPORTFOLIO_DATA_DIR", t.TempDir())
	t.Setenv("PORT", "9999")
	t.Setenv("DEV_MODE", "true")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MAX_TICKERS", "25")
	t.Setenv("FRONTIER_GRID_POINTS", "100")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 25, cfg.Limits.MaxTickers)
	assert.Equal(t, 100, cfg.Limits.DefaultGridPoints)
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("IMPORTFOLIO_DATA_DIR", t.TempDir())
	t.Setenv("PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8001, cfg.Port)
}

func TestValidate_RejectsInconsistentLimits(t *testing.T) {
	cfg := &Config{Limits: optimization.DefaultLimits()}
	require.NoError(t, cfg.Validate())

	cfg.Limits.MaxTickers = 1
	assert.Error(t, cfg.Validate())

	cfg.Limits = optimization.DefaultLimits()
	cfg.Limits.MaxSimulations = 0
	assert.Error(t, cfg.Validate())
}
