package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/blueroots")
	t.Setenv("ACCESS_TOKEN_SECRET", "access")
	t.Setenv("REFRESH_TOKEN_SECRET", "refresh")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, EnvProduction, cfg.Env)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 168*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, "blueroots", cfg.TokenIssuer)
	assert.False(t, cfg.RefreshRequiresStoredMarker)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, 50, cfg.DB.MaxOpenConns)
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	assert.True(t, cfg.SecureCookies(), "production always uses secure cookies")
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.AllowedOrigins())
}

func TestLoadOverridesFromEnvFile(t *testing.T) {
	setRequired(t)
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"APP_ENV=Development\nACCESS_TOKEN_TTL=5m\nCORS_ORIGINS=https://a.example.org/, https://b.example.org\nSMTP_PORT=2525\n",
	), 0o600))
	t.Cleanup(func() {
		for _, k := range []string{"APP_ENV", "ACCESS_TOKEN_TTL", "CORS_ORIGINS", "SMTP_PORT"} {
			_ = os.Unsetenv(k)
		}
	})

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.SecureCookies())
	assert.Equal(t, 5*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 2525, cfg.SMTP.Port)
	assert.Equal(t, []string{"https://a.example.org", "https://b.example.org"}, cfg.AllowedOrigins())
}

func TestLoadRejectsIdenticalSecrets(t *testing.T) {
	setRequired(t)
	t.Setenv("REFRESH_TOKEN_SECRET", "access")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must differ")
}

func TestValidateReportsAllProblems(t *testing.T) {
	err := Config{Env: "staging"}.Validate()
	require.Error(t, err)
	for _, want := range []string{"APP_ENV", "DATABASE_URL", "ACCESS_TOKEN_SECRET", "REFRESH_TOKEN_SECRET", "MAX_BODY_BYTES"} {
		assert.Contains(t, err.Error(), want)
	}
}
