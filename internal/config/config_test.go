package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimezone, cfg.Timezone)
	assert.Equal(t, DefaultHorizonDays, cfg.HorizonDays)
	assert.Equal(t, DefaultMaxGroups, cfg.MaxGroups)
	assert.False(t, cfg.SortWithinDay)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadPartialFileIsNormalized(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("timezone: Europe/Berlin\nrequest_timeout: 3s\nsort_within_day: true\nlog_level: loud\nbasic_auth:\n  username: \"\"\n  password: \"\"\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.SortWithinDay)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultEndpoint, cfg.Endpoint)
	assert.Nil(t, cfg.BasicAuth)
	assert.Equal(t, filepath.Join(dir, DefaultGroupsFile), cfg.ResolvePath(cfg.GroupsFile))
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KSE_LISTEN", ":9999")
	t.Setenv("KSE_HORIZON_DAYS", "14")
	t.Setenv("KSE_MAX_GROUPS", "5")
	t.Setenv("KSE_REQUEST_TIMEOUT", "2s")
	t.Setenv("KSE_SORT_WITHIN_DAY", "true")
	t.Setenv("KSE_BASIC_AUTH_USERNAME", "admin")
	t.Setenv("KSE_BASIC_AUTH_PASSWORD", "secret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, 14, cfg.HorizonDays)
	assert.Equal(t, 5, cfg.MaxGroups)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.SortWithinDay)
	require.NotNil(t, cfg.BasicAuth)
	assert.Equal(t, "admin", cfg.BasicAuth.Username)

	// Overrides are not persisted.
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(onDisk), "9999")
}

func TestEnvOverrideInvalidDuration(t *testing.T) {
	t.Setenv("KSE_REQUEST_TIMEOUT", "soon")

	_, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.dir = "/etc/kse"

	assert.Equal(t, "", cfg.ResolvePath("-"))
	assert.Equal(t, "", cfg.ResolvePath(""))
	assert.Equal(t, "/var/cache", cfg.ResolvePath("/var/cache"))
	assert.Equal(t, "/etc/kse/groups.txt", cfg.ResolvePath("groups.txt"))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Listen = "0.0.0.0:8081"
	cfg.BasicAuth = &BasicAuthConfig{Username: "u", Password: "p"}
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8081", loaded.Listen)
	assert.Equal(t, DefaultRequestTimeout, loaded.RequestTimeout)
	require.NotNil(t, loaded.BasicAuth)
	assert.Equal(t, "p", loaded.BasicAuth.Password)
}
