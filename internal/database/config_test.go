package database_test

import (
	"testing"

	"github.com/cabewaldrop/neisandb/internal/database"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv("NEISANDB_DIRECTORY", "")
	t.Setenv("NEISANDB_CONCURRENCY", "")

	cfg := database.LoadConfig()
	require.Equal(t, database.DefaultDirectory, cfg.Directory)
	require.Equal(t, database.DefaultConcurrency, cfg.Concurrency)
}

func TestLoadConfigReadsEnvOverDefaults(t *testing.T) {
	t.Setenv("NEISANDB_DIRECTORY", "/tmp/env-dir")
	t.Setenv("NEISANDB_CONCURRENCY", "7")

	cfg := database.LoadConfig()
	require.Equal(t, "/tmp/env-dir", cfg.Directory)
	require.Equal(t, 7, cfg.Concurrency)
}

func TestLoadConfigClampsOutOfRangeConcurrency(t *testing.T) {
	t.Setenv("NEISANDB_CONCURRENCY", "500")

	cfg := database.LoadConfig()
	require.Equal(t, database.MaxConcurrency, cfg.Concurrency)
}
