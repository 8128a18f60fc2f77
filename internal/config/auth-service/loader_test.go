package auth_service_config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NordCoder/authcore/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "auth-service.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_DefaultsAndFile(t *testing.T) {
	p := writeConfig(t, `
db:
  url: postgres://localhost/authcore
auth:
  secret: `+testSecret+`
  access_ttl: 10m
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 5*time.Second, cfg.Auth.AccessLeeway)
	assert.Equal(t, 30*time.Second, cfg.Permissions.CacheTTL)
	assert.Equal(t, "authcore.security.alerts", cfg.Kafka.Producer.Topic)
	assert.Equal(t, 5, cfg.Lockout.MaxFailed)
	assert.Equal(t, uint32(64*1024), cfg.Password.Memory)
	assert.Equal(t, 6, cfg.TOTP.Digits)
	assert.Equal(t, "authcore/auth-service", cfg.LogConfig().App)
}

func TestLoad_EnvOverridesSecret(t *testing.T) {
	t.Setenv("DB_URL", "postgres://env/authcore")
	t.Setenv("AUTH_SECRET", testSecret)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/authcore", cfg.DB.URL)
	assert.Equal(t, testSecret, cfg.Auth.Secret)
}

func TestLoad_Validation(t *testing.T) {
	_, err := Load(writeConfig(t, "auth:\n  secret: "+testSecret+"\n"))
	assert.ErrorIs(t, err, ErrNoDatabase)

	_, err = Load(writeConfig(t, "db:\n  url: postgres://x\nauth:\n  secret: short\n"))
	assert.ErrorIs(t, err, ErrShortKey)

	_, err = Load(writeConfig(t, "db:\n  url: postgres://x\nauth:\n  secret: "+testSecret+"\n  refresh_sliding_ttl: 800h\n"))
	assert.Error(t, err)
}

func TestLoad_APIAudienceMustNotBeTwoFactor(t *testing.T) {
	_, err := Load(writeConfig(t, "db:\n  url: postgres://x\nauth:\n  secret: "+testSecret+
		"\n  api_audience: "+token.TwoFactorAudience+"\n"))
	assert.ErrorIs(t, err, ErrAudience)

	cfg, err := Load(writeConfig(t, "db:\n  url: postgres://x\nauth:\n  secret: "+testSecret+"\n"))
	require.NoError(t, err)
	cfg.Auth.APIAudience = " "
	assert.ErrorIs(t, cfg.Validate(), ErrAudience)
}

func TestLoad_MissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("DB_URL", "postgres://env/authcore")
	t.Setenv("AUTH_SECRET", testSecret)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/v1/auth", cfg.Auth.CookiePath)
}
