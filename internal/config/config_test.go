package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/race-engine/internal/registry"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, 10*time.Second, cfg.LockExpiry)
	assert.Equal(t, "auto", cfg.StartPolicy)
	assert.Equal(t, 2, cfg.MaxPlayers)
	assert.Equal(t, int64(3600), cfg.DurationSeconds)
	assert.True(t, cfg.BetAmount.Equal(decimal.RequireFromString("1000000000000000000")))

	rc := cfg.Registry()
	assert.Equal(t, registry.StartAuto, rc.StartPolicy)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	file := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(file, []byte("START_POLICY=explicit\nMAX_PLAYERS=4\nBET_AMOUNT=500\n"), 0o600))
	t.Setenv("MAX_PLAYERS", "6")
	t.Setenv("CACHE_TTL", "1m")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "explicit", cfg.StartPolicy)
	assert.Equal(t, 6, cfg.MaxPlayers)
	assert.True(t, cfg.BetAmount.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, time.Minute, cfg.CacheTTL)
}

func TestLoad_MissingFileIsIgnored(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"START_POLICY", "sometimes"},
		{"MAX_PLAYERS", "1"},
		{"DURATION_SECONDS", "0"},
		{"BET_AMOUNT", "0"},
		{"BET_AMOUNT", "1.5"},
		{"BET_AMOUNT", "lots"},
		{"PORT", "http"},
		{"LOG_LEVEL", "verbose"},
		{"LOCK_EXPIRY", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}
