package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/crosspost?sslmode=disable")

	cfg, err := Load("testdata/does-not-exist.env")
	require.NoError(t, err)

	assert.Equal(t, "18911", cfg.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "@every 1m", cfg.Sweep.Schedule)
	assert.Equal(t, 20, cfg.Sweep.BatchSize)
	assert.Equal(t, 70*time.Second, cfg.Sweep.CallTimeout)
	assert.Zero(t, cfg.Sweep.LeaseTTL)
	assert.Equal(t, 15*time.Minute, cfg.StaleClaim.After)
	assert.Equal(t, "direct", cfg.TikTok.PostMode)
	assert.Equal(t, 2*time.Second, cfg.TikTok.PollInterval)
	assert.True(t, cfg.Reconcile.StrictOrdering)
	assert.False(t, cfg.Reconcile.LooseMatch)
	assert.Equal(t, "http://127.0.0.1:18911", cfg.SelfOrigin())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db")
	t.Setenv("PORT", "9000")
	t.Setenv("SWEEP_BATCH_SIZE", "5")
	t.Setenv("SWEEP_CALL_TIMEOUT", "90s")
	t.Setenv("TIKTOK_CLIENT_KEY", "ck")
	t.Setenv("TIKTOK_POST_MODE", "inbox")
	t.Setenv("RECONCILE_STRICT_ORDERING", "false")
	t.Setenv("RECONCILE_LOOSE_MATCH", "true")
	t.Setenv("STALE_CLAIM_AFTER", "3m")
	t.Setenv("PUBLIC_ORIGIN", "https://app.example.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 5, cfg.Sweep.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.Sweep.CallTimeout)
	assert.Equal(t, "ck", cfg.TikTok.ClientKey)
	assert.Equal(t, "inbox", cfg.TikTok.PostMode)
	assert.False(t, cfg.Reconcile.StrictOrdering)
	assert.True(t, cfg.Reconcile.LooseMatch)
	assert.Equal(t, 3*time.Minute, cfg.StaleClaim.After)
	assert.Equal(t, "https://app.example.com", cfg.SelfOrigin())
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("STORE_DRIVER", "mongo")
	_, err = Load()
	require.ErrorContains(t, err, "MONGO_URI")

	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "crosspost", cfg.Mongo.Database)

	t.Setenv("TIKTOK_POST_MODE", "carrier-pigeon")
	_, err = Load()
	require.ErrorContains(t, err, "TIKTOK_POST_MODE")
}
