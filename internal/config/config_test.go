package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lovecal/internal/apperr"
)

func TestLoad_FirstRunWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Listen, cfg.Listen)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Sync.Interval, again.Sync.Interval)
	assert.Equal(t, 50, again.Calendar.ChunkSize)
}

func TestLoad_NormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
sync:
  interval: 10m
  scopes: [couple1]
calendar:
  chunk_size: 500
  feeds:
    - id: holidays
      url: https://example.com/holidays.ics
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, 10*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, []string{"couple1"}, cfg.Sync.Scopes)
	assert.True(t, cfg.Sync.SingleFlight)
	assert.Equal(t, 50, cfg.Calendar.ChunkSize, "chunk size is capped at the provider limit")
	assert.Equal(t, "fail_fast", cfg.Calendar.BatchPolicy)
	assert.Equal(t, 24*time.Hour, cfg.Cache.CalendarIDTTL)
	require.Len(t, cfg.Calendar.Feeds, 1)
	assert.Equal(t, "holidays", cfg.Calendar.Feeds[0].ID)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: chatty
calendar:
  provider: carrier-pigeon
`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.KindValidation, ae.Kind)
	assert.Contains(t, ae.Fields, "Config.LogLevel")
	assert.Contains(t, ae.Fields, "Config.Calendar.Provider")
}

func TestLoad_EmptyPath(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.BasicAuth = &BasicAuthConfig{Username: "alex", Password: "s3cret"}
	cfg.Generator.Language = "de"
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, got.BasicAuth)
	assert.Equal(t, "alex", got.BasicAuth.Username)
	assert.Equal(t, "de", got.Generator.Language)
}

func TestWriteFileAtomic_Replaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b.txt")
	require.NoError(t, WriteFileAtomic(path, []byte("one")))
	require.NoError(t, WriteFileAtomic(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files are left behind")
}
