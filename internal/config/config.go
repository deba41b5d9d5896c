// Package config loads the service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quickgig/auth-service/internal/defense"
)

// SMS provider names accepted by SMS_PROVIDER.
const (
	SMSProviderMock   = "mock"
	SMSProviderTwilio = "twilio"
	SMSProviderSNS    = "aws-sns"
)

// Config holds the application configuration.
type Config struct {
	Env  string
	Port string

	DatabaseURL string
	RedisURL    string

	// Token lifetimes.
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration

	// OTP lifecycle.
	OTPExpiration  time.Duration
	OTPMaxAttempts int
	ResendCooldown time.Duration
	OTPMirrorWrite bool

	// Keys.
	OTPKeys              string // "version:base64,..." ring
	OTPCurrentKeyVersion int
	JWTPrivateKeyFile    string
	JWTPublicKeyFile     string

	// Defence layer.
	RateLimitWindow time.Duration
	RateLimitMax    int
	LockThresholds  []defense.LockThreshold
	DelayBase       time.Duration
	DelayVariance   time.Duration

	// SMS provider.
	SMSProvider      string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	AWSRegion        string

	// Registration policy.
	AllowRegistration        bool
	RequireImmediateUserType bool

	// Cleanup sweeper.
	SweepInterval  time.Duration
	SweepBatchSize int
	// SweepGrace keeps rows past expiry for a little longer, so in-flight
	// requests holding a just-expired token still see its row.
	SweepGrace time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Env:  getEnv("ENV", "development"),
		Port: getEnv("PORT", "8080"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		AccessTokenExpiry:  secondsEnv("ACCESS_TOKEN_EXPIRY_SECONDS", 900),
		RefreshTokenExpiry: secondsEnv("REFRESH_TOKEN_EXPIRY_SECONDS", 2592000),

		OTPExpiration:  time.Duration(getEnvAsInt("OTP_EXPIRATION_MINUTES", 10)) * time.Minute,
		OTPMaxAttempts: getEnvAsInt("OTP_MAX_ATTEMPTS", 5),
		ResendCooldown: secondsEnv("RESEND_COOLDOWN_SECONDS", 60),
		OTPMirrorWrite: getEnvAsBool("OTP_MIRROR_WRITE", true),

		OTPKeys:              os.Getenv("OTP_KEYS"),
		OTPCurrentKeyVersion: getEnvAsInt("OTP_CURRENT_KEY_VERSION", 1),
		JWTPrivateKeyFile:    os.Getenv("JWT_PRIVATE_KEY_FILE"),
		JWTPublicKeyFile:     os.Getenv("JWT_PUBLIC_KEY_FILE"),

		RateLimitWindow: secondsEnv("RATE_LIMIT_WINDOW_SECONDS", 3600),
		RateLimitMax:    getEnvAsInt("RATE_LIMIT_MAX_REQUESTS", 5),
		DelayBase:       millisEnv("DELAY_BASE_MS", 250),
		DelayVariance:   millisEnv("DELAY_VARIANCE_MS", 150),

		SMSProvider:      getEnv("SMS_PROVIDER", SMSProviderMock),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		AWSRegion:        getEnv("AWS_REGION", "ap-southeast-2"),

		AllowRegistration:        getEnvAsBool("ALLOW_REGISTRATION", true),
		RequireImmediateUserType: getEnvAsBool("REQUIRE_IMMEDIATE_USER_TYPE", false),

		SweepInterval:  secondsEnv("SWEEP_INTERVAL_SECONDS", 600),
		SweepBatchSize: getEnvAsInt("SWEEP_BATCH_SIZE", 500),
		SweepGrace:     secondsEnv("SWEEP_GRACE_SECONDS", 60),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if cfg.OTPKeys == "" {
		return nil, fmt.Errorf("OTP_KEYS environment variable is required")
	}
	if cfg.JWTPrivateKeyFile == "" || cfg.JWTPublicKeyFile == "" {
		return nil, fmt.Errorf("JWT_PRIVATE_KEY_FILE and JWT_PUBLIC_KEY_FILE environment variables are required")
	}

	switch cfg.SMSProvider {
	case SMSProviderMock, SMSProviderTwilio, SMSProviderSNS:
	default:
		return nil, fmt.Errorf("unknown SMS_PROVIDER %q", cfg.SMSProvider)
	}

	thresholds, err := parseLockThresholds(getEnv("ACCOUNT_LOCK_THRESHOLDS", "5:900,10:3600,20:86400"))
	if err != nil {
		return nil, err
	}
	cfg.LockThresholds = thresholds

	return cfg, nil
}

// parseLockThresholds parses "failures:lock_seconds" pairs, e.g.
// "5:900,10:3600,20:86400".
func parseLockThresholds(raw string) ([]defense.LockThreshold, error) {
	var out []defense.LockThreshold
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed ACCOUNT_LOCK_THRESHOLDS entry %q", entry)
		}
		failures, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("malformed failure count %q", parts[0])
		}
		seconds, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("malformed lock seconds %q", parts[1])
		}
		out = append(out, defense.LockThreshold{
			Failures: failures,
			Lock:     time.Duration(seconds) * time.Second,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ACCOUNT_LOCK_THRESHOLDS is empty")
	}
	return out, nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsBool(key string, defaultVal bool) bool {
	valStr := os.Getenv(key)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func secondsEnv(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}

func millisEnv(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultMillis)) * time.Millisecond
}
