package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Database.UseSQLite())
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, 90, cfg.Gateway.HeartbeatTimeout)
	assert.Equal(t, 90*time.Second, cfg.Gateway.HeartbeatTimeoutDuration())
	assert.Equal(t, 30*time.Second, cfg.Sandbox.TimeoutDuration())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
server:
  port: 9090
database:
  driver: sqlite
  sqlitePath: /tmp/test.db
gateway:
  maxRetries: 5
`), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/test.db", cfg.Database.SQLitePath)
	assert.Equal(t, 5, cfg.Gateway.MaxRetries)
}

func TestTenantOverridesFileMergedOverInline(t *testing.T) {
	dir := t.TempDir()
	overridesPath := filepath.Join(dir, "tenants.yaml")
	require.NoError(t, os.WriteFile(overridesPath, []byte(`
tenant-a:
  tier: ENTERPRISE
  maxConcurrentJobs: 200
tenant-b:
  tier: STANDARD
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
admission:
  tenantsFile: `+overridesPath+`
  tenants:
    tenant-a:
      tier: FREE
    tenant-c:
      tier: STANDARD
`), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	// The file wins over the inline entry for tenant-a.
	assert.Equal(t, "ENTERPRISE", cfg.Admission.Tenants["tenant-a"].Tier)
	assert.Equal(t, 200, cfg.Admission.Tenants["tenant-a"].MaxConcurrentJobs)
	assert.Equal(t, "STANDARD", cfg.Admission.Tenants["tenant-b"].Tier)
	assert.Equal(t, "STANDARD", cfg.Admission.Tenants["tenant-c"].Tier)
}

func TestTenantOverridesFileMissing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
admission:
  tenantsFile: /nonexistent/tenants.yaml
`), 0o644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant overrides")
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
server:
  port: 0
sandbox:
  timeout: 0
`), 0o644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "sandbox.timeout")
}

func TestUseSQLite(t *testing.T) {
	assert.True(t, (&DatabaseConfig{}).UseSQLite())
	assert.True(t, (&DatabaseConfig{Driver: "sqlite", Host: "db.internal"}).UseSQLite())
	assert.False(t, (&DatabaseConfig{Host: "db.internal"}).UseSQLite())
	assert.False(t, (&DatabaseConfig{Driver: "postgres"}).UseSQLite())
}
