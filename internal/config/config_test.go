package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/auth_test?sslmode=disable")
	t.Setenv("OTP_KEYS", "1:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	t.Setenv("JWT_PRIVATE_KEY_FILE", "/etc/keys/jwt.pem")
	t.Setenv("JWT_PUBLIC_KEY_FILE", "/etc/keys/jwt.pub.pem")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.AccessTokenExpiry)
	assert.Equal(t, 30*24*time.Hour, cfg.RefreshTokenExpiry)
	assert.Equal(t, 10*time.Minute, cfg.OTPExpiration)
	assert.Equal(t, 5, cfg.OTPMaxAttempts)
	assert.Equal(t, time.Minute, cfg.ResendCooldown)
	assert.True(t, cfg.OTPMirrorWrite)
	assert.Equal(t, time.Hour, cfg.RateLimitWindow)
	assert.Equal(t, 5, cfg.RateLimitMax)
	assert.Equal(t, 250*time.Millisecond, cfg.DelayBase)
	assert.Equal(t, 150*time.Millisecond, cfg.DelayVariance)
	assert.Equal(t, SMSProviderMock, cfg.SMSProvider)
	assert.True(t, cfg.AllowRegistration)
	assert.False(t, cfg.RequireImmediateUserType)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
	assert.Equal(t, time.Minute, cfg.SweepGrace)

	require.Len(t, cfg.LockThresholds, 3)
	assert.Equal(t, 5, cfg.LockThresholds[0].Failures)
	assert.Equal(t, 15*time.Minute, cfg.LockThresholds[0].Lock)
	assert.Equal(t, 24*time.Hour, cfg.LockThresholds[2].Lock)
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	setRequired(t)
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadMissingJWTKeys(t *testing.T) {
	setRequired(t)
	t.Setenv("JWT_PUBLIC_KEY_FILE", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsUnknownSMSProvider(t *testing.T) {
	setRequired(t)
	t.Setenv("SMS_PROVIDER", "carrier-pigeon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SMS_PROVIDER")
}

func TestParseLockThresholds(t *testing.T) {
	thresholds, err := parseLockThresholds("3:60, 6:120")
	require.NoError(t, err)
	require.Len(t, thresholds, 2)
	assert.Equal(t, 3, thresholds[0].Failures)
	assert.Equal(t, time.Minute, thresholds[0].Lock)
	assert.Equal(t, 2*time.Minute, thresholds[1].Lock)

	_, err = parseLockThresholds("not-a-threshold")
	assert.Error(t, err)

	_, err = parseLockThresholds("")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("ACCESS_TOKEN_EXPIRY_SECONDS", "600")
	t.Setenv("OTP_MIRROR_WRITE", "false")
	t.Setenv("SMS_PROVIDER", "twilio")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.AccessTokenExpiry)
	assert.False(t, cfg.OTPMirrorWrite)
	assert.Equal(t, SMSProviderTwilio, cfg.SMSProvider)
}
