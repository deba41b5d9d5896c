package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"golang.org/x/sync/errgroup"

	"github.com/quickgig/auth-service/internal/auth"
	"github.com/quickgig/auth-service/internal/config"
	"github.com/quickgig/auth-service/internal/db"
	"github.com/quickgig/auth-service/internal/defense"
	httpserver "github.com/quickgig/auth-service/internal/http"
	"github.com/quickgig/auth-service/internal/http/handlers"
	"github.com/quickgig/auth-service/internal/keyring"
	"github.com/quickgig/auth-service/internal/otpcache"
	"github.com/quickgig/auth-service/internal/otpcrypt"
	"github.com/quickgig/auth-service/internal/repo"
	"github.com/quickgig/auth-service/internal/sms"
)

// otpKeyRetireDelay is how long a rotated-out OTP key stays readable, so
// codes encrypted just before rotation still verify.
const otpKeyRetireDelay = 24 * time.Hour

func main() {
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Env)

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if err := runMigrations(database); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	redisClient, err := db.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		if redisClient == nil {
			return fmt.Errorf("open redis: %w", err)
		}
		log.Warn("redis unreachable at startup, OTP storage degraded to postgres fallback", "error", err)
	}
	defer redisClient.Close()

	keys, err := loadKeyring(cfg)
	if err != nil {
		return fmt.Errorf("load keyring: %w", err)
	}

	// Repositories.
	userRepo := repo.NewUserRepo(database)
	tokenRepo := repo.NewTokenRepo(database)
	otpFallback := repo.NewOtpFallbackRepo(database)
	auditRepo := repo.NewAuditRepo(database)

	// OTP storage: Redis primary, Postgres fallback behind a breaker.
	cache := otpcache.New(
		otpcache.NewRedisStore(redisClient),
		otpFallback,
		otpcache.NewBreaker(3, 10*time.Second, 30*time.Second),
		otpcache.Options{MirrorWrite: cfg.OTPMirrorWrite},
		log,
	)

	sender, err := newSender(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init sms sender: %w", err)
	}

	// Defence layer.
	smsLimiter := defense.NewRedisLimiter(redisClient, cfg.RateLimitWindow, cfg.RateLimitMax)
	accountLock := defense.NewAccountLock(defense.NewRedisLockStore(redisClient), cfg.LockThresholds)
	detector := defense.NewDetector(defense.DefaultDetectorConfig())
	delayer := defense.NewDelayer(cfg.DelayBase, cfg.DelayVariance)

	// Services.
	verification := auth.NewVerificationService(
		otpcrypt.New(keys), cache, sender, smsLimiter,
		cfg.OTPExpiration, cfg.OTPMaxAttempts, cfg.ResendCooldown, log,
	)
	tokenService := auth.NewTokenService(keys, tokenRepo, userRepo, cfg.AccessTokenExpiry, cfg.RefreshTokenExpiry)
	authService := auth.NewService(
		verification, tokenService, userRepo,
		accountLock, detector, delayer, auditRepo,
		cfg.AllowRegistration, cfg.RequireImmediateUserType, log,
	)
	sweeper := auth.NewSweeper(tokenRepo, cfg.SweepInterval, cfg.SweepGrace, cfg.SweepBatchSize, log, tokenRepo, otpFallback)

	// HTTP server.
	authHandler := handlers.NewAuthHandler(authService, cfg.ResendCooldown, log)
	healthHandler := handlers.NewHealthHandler(database, redisClient)
	router := httpserver.NewRouter(authHandler, healthHandler, tokenService)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := sweeper.Run(gctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server exited")
	return nil
}

// loadKeyring assembles the OTP key ring and the JWT RSA pair.
func loadKeyring(cfg *config.Config) (*keyring.Manager, error) {
	otpKeys, err := keyring.ParseOTPKeys(cfg.OTPKeys)
	if err != nil {
		return nil, err
	}
	privPEM, err := os.ReadFile(cfg.JWTPrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	pubPEM, err := os.ReadFile(cfg.JWTPublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return keyring.New(otpKeys, cfg.OTPCurrentKeyVersion, privPEM, pubPEM, otpKeyRetireDelay)
}

func newSender(ctx context.Context, cfg *config.Config, log *slog.Logger) (sms.Sender, error) {
	switch cfg.SMSProvider {
	case config.SMSProviderTwilio:
		return sms.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber), nil
	case config.SMSProviderSNS:
		return sms.NewSNSSender(ctx, cfg.AWSRegion)
	default:
		return sms.NewMockSender(log), nil
	}
}

// runMigrations runs database migrations using goose.
func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from the repo root)")
	}

	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
