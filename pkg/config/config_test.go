package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/substrate")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "postgres", cfg.VectorDBProvider)
	assert.Equal(t, 0.85, cfg.PromotionThreshold)
	assert.Equal(t, 3, cfg.PromotionHysteresisWindows)
	assert.Equal(t, 3, cfg.UpgradeRequiredApprovals)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL())
	assert.False(t, cfg.RequireKMS)
	assert.False(t, cfg.RequireMTLS)
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_ProductionFlipsHardeningDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/substrate")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Production())
	assert.True(t, cfg.RequireKMS)
	assert.True(t, cfg.RequireMTLS)
}

func TestLoad_ExplicitEnvOverridesProductionDefault(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/substrate")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("REQUIRE_KMS", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.RequireKMS)
	assert.True(t, cfg.RequireMTLS)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/substrate")
	t.Setenv("PROMOTION_THRESHOLD", "0.92")
	t.Setenv("CANARY_ROLLBACK_WINDOW", "10m")
	t.Setenv("IDEMPOTENCY_TTL_SECONDS", "3600")
	t.Setenv("UPGRADE_APPROVER_IDS", "alice, bob,carol")
	t.Setenv("VECTOR_DB_PROVIDER", "external")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0.92, cfg.PromotionThreshold)
	assert.Equal(t, 10*time.Minute, cfg.CanaryRollbackWindow)
	assert.Equal(t, time.Hour, cfg.IdempotencyTTL())
	assert.Equal(t, []string{"alice", "bob", "carol"}, cfg.UpgradeApproverIDs)
	assert.Equal(t, "external", cfg.VectorDBProvider)
}

func TestLoad_ProfileLayeredUnderEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile_staging.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: staging
config:
  environment: staging
  promotionThreshold: 0.9
  sentinelUrl: https://sentinel.internal
`), 0o600))

	t.Setenv("DATABASE_URL", "postgres://localhost/substrate")
	t.Setenv("SUBSTRATE_PROFILE", path)
	t.Setenv("PROMOTION_THRESHOLD", "0.95")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "https://sentinel.internal", cfg.SentinelURL)
	// Env wins over the profile.
	assert.Equal(t, 0.95, cfg.PromotionThreshold)
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_edge.yaml"), []byte(`
description: edge deployment
config:
  vectorDbProvider: external
`), 0o600))

	p, err := LoadProfile(dir, "edge")
	require.NoError(t, err)
	assert.Equal(t, "edge", p.Name)
	require.NotNil(t, p.Config)
	assert.Equal(t, "external", p.Config.VectorDBProvider)

	_, err = LoadProfile(dir, "missing")
	require.Error(t, err)
}
