package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Budget.ChronologicalCap)
	assert.Equal(t, 30, cfg.Budget.NetworkCap)
	assert.Equal(t, 4, cfg.Budget.FetchConcurrency)
	assert.Equal(t, 10, cfg.Trace.MaxHops)
	assert.Equal(t, 20, cfg.Network.BatchSize)
	assert.Equal(t, 50, cfg.Network.MaxBatchSize)
	assert.Equal(t, 72, cfg.Network.PairWindowHours)
	assert.InDelta(t, 0.8, cfg.Network.SimilarityThreshold, 1e-9)
	assert.InDelta(t, 0.85, cfg.Confidence.ProvisionalMultiplier, 1e-9)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.InDelta(t, 0.5, cfg.Monitoring.ExhaustionRateThreshold, 1e-9)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
budget:
  chronological_cap: 8
  network_cap: 40
network:
  similarity_threshold: 0.9
log:
  level: debug
  format: console
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Budget.ChronologicalCap)
	assert.Equal(t, 40, cfg.Budget.NetworkCap)
	assert.InDelta(t, 0.9, cfg.Network.SimilarityThreshold, 1e-9)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched keys keep defaults.
	assert.Equal(t, 10, cfg.Trace.MaxHops)
}

func TestInitLogger_BadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "verbose", Format: "json"})
	assert.Error(t, err)
}

func TestInitLogger_Console(t *testing.T) {
	err := InitLogger(LogConfig{Level: "warn", Format: "console"})
	assert.NoError(t, err)
}
