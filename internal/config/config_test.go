package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "geostash.db", cfg.Store.Path)
	assert.InDelta(t, 0.05, cfg.Grid.FineStepDegrees, 0.001)
	assert.InDelta(t, 0.2, cfg.Grid.BulkStepDegrees, 0.001)
	assert.InDelta(t, 250, cfg.Grid.SingleMaxKM, 0.001)
	assert.Equal(t, 6, cfg.Fetch.Concurrency)
	assert.Equal(t, 120, cfg.Fetch.UnitTimeoutSecs)
	assert.Equal(t, 200, cfg.Fetch.MinIntervalMs)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, []int{1000, 2000, 4000}, cfg.Retry.BackoffMs)
	assert.InDelta(t, 3.0, cfg.Retry.RateLimitMultiplier, 0.001)
	assert.Equal(t, 168, cfg.Cache.TTLHours)
	assert.True(t, cfg.Cache.MarkTimeoutAsFetched)
	assert.Equal(t, "https://api.geostash.io/v1", cfg.POI.BaseURL)
	assert.Equal(t, "NAME", cfg.Boundary.NameField)
	assert.Equal(t, 8240, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chTempDir(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/geostash
grid:
  bulk_step_degrees: 0.5
fetch:
  concurrency: 3
cache:
  mark_timeout_as_fetched: false
tiles:
  styles:
    - key: streets
      url_template: https://{host}/tiles/{z}/{x}/{y}.png
      mirrors: [a.tiles.example.com, b.tiles.example.com]
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/geostash", cfg.Store.DatabaseURL)
	assert.InDelta(t, 0.5, cfg.Grid.BulkStepDegrees, 0.001)
	assert.Equal(t, 3, cfg.Fetch.Concurrency)
	assert.False(t, cfg.Cache.MarkTimeoutAsFetched)
	require.Len(t, cfg.Tiles.Styles, 1)
	assert.Equal(t, "streets", cfg.Tiles.Styles[0].Key)
	assert.Len(t, cfg.Tiles.Styles[0].Mirrors, 2)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Defaults still apply for unset values
	assert.InDelta(t, 0.05, cfg.Grid.FineStepDegrees, 0.001)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chTempDir(t)

	yaml := `
store:
  driver: sqlite
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))
	t.Setenv("GEOSTASH_STORE_DRIVER", "postgres")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
}

func TestEngineConfig(t *testing.T) {
	chTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	ec := cfg.EngineConfig()
	assert.InDelta(t, 0.05, ec.FineStep, 0.001)
	assert.Equal(t, 6, ec.BatchWidth)
	assert.Equal(t, 2*time.Minute, ec.UnitTimeout)
	assert.Equal(t, 7*24*time.Hour, ec.TransientTTL)
	assert.True(t, ec.MarkTimeoutAsFetched)

	assert.Equal(t, 200*time.Millisecond, cfg.MinInterval())

	rp := cfg.RetryPolicy()
	assert.Equal(t, 3, rp.MaxAttempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rp.Backoff)
}

func TestTileStyles(t *testing.T) {
	cfg := &Config{Tiles: TilesConfig{Styles: []TileStyleConfig{
		{Key: "streets", URLTemplate: "https://{host}/{z}/{x}/{y}.png", Mirrors: []string{"a", "b"}},
	}}}

	styles := cfg.TileStyles()
	require.Len(t, styles, 1)
	assert.Equal(t, "streets", styles[0].Key)
	assert.Equal(t, []string{"a", "b"}, styles[0].Mirrors)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))

	assert.Error(t, InitLogger(LogConfig{Level: "nope", Format: "json"}))
}
