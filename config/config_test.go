package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailets-dev/ailets-go/config"
)

func TestDefaultIsUsable(t *testing.T) {
	cfg := config.Default()
	assert.Greater(t, cfg.Scheduler.MaxWorkers, 0)
	assert.Equal(t, ":memory:", cfg.Persist.SqlitePath)
}

func TestLoadMergesTomlOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ailets.toml")
	contents := "[scheduler]\nmax_workers = 9\n\n[persist]\nsqlite_path = \"state.db\"\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg := config.Load(path)
	assert.Equal(t, 9, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, "state.db", cfg.Persist.SqlitePath)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Equal(t, config.Default(), cfg)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ailets.toml")
	require.NoError(t, os.WriteFile(path, []byte("[persist]\nsqlite_path = \"file.db\"\n"), 0o644))

	t.Setenv("AILETS_SQLITE_PATH", "env.db")
	cfg := config.Load(path)
	assert.Equal(t, "env.db", cfg.Persist.SqlitePath)
}
