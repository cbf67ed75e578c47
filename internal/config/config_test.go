package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odbscope/internal/oid"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"ODBSCOPE_DB", "ODBSCOPE_BLOBS", "ODBSCOPE_ROOTS", "ODBSCOPE_CACHE_DIR",
		"ODBSCOPE_NO_CACHE", "ODBSCOPE_LOG_LEVEL", "ODBSCOPE_LAYOUT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NotEmpty(t, cfg.CacheDir)
	assert.False(t, cfg.NoCache)
	assert.Empty(t, cfg.Database)
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database: /srv/zodb/data.sqlite3
blobs: /srv/zodb/blobs
roots: ["0x01", "42"]
log_level: debug
exclude: ["**/*.old"]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/zodb/data.sqlite3", cfg.Database)
	assert.Equal(t, "/srv/zodb/blobs", cfg.Blobs)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"**/*.old"}, cfg.Exclude)

	ids, err := cfg.RootIDs()
	require.NoError(t, err)
	assert.Equal(t, []oid.ID{1, 42}, ids)

	t.Setenv("ODBSCOPE_DB", "/tmp/other.sqlite3")
	t.Setenv("ODBSCOPE_ROOTS", "0x07, 0x08,")
	t.Setenv("ODBSCOPE_NO_CACHE", "true")
	t.Setenv("ODBSCOPE_LAYOUT", "lawn")

	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.sqlite3", cfg.Database)
	assert.Equal(t, []string{"0x07", "0x08"}, cfg.Roots)
	assert.True(t, cfg.NoCache)
	assert.Equal(t, "lawn", cfg.Layout)
	assert.Equal(t, "/srv/zodb/blobs", cfg.Blobs)
}

func TestLoad_DefaultFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(DefaultFile, []byte("blobs: ./blobs\n"), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "./blobs", cfg.Blobs)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("roots: {"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)

	cfg := &Config{Roots: []string{"0xzz"}}
	_, err = cfg.RootIDs()
	assert.Error(t, err)
}
