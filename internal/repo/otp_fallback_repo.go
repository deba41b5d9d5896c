package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/quickgig/auth-service/internal/model"
	"github.com/quickgig/auth-service/internal/otpcache"
)

// OtpFallbackRepo stores encrypted OTP records in the otp_fallback table.
// It implements the otpcache.Backend contract so the cache can route to it
// while Redis is unavailable.
type OtpFallbackRepo struct {
	db *sql.DB
}

// NewOtpFallbackRepo creates the Postgres OTP fallback backend.
func NewOtpFallbackRepo(db *sql.DB) *OtpFallbackRepo {
	return &OtpFallbackRepo{db: db}
}

// Store upserts the record; the phone primary key enforces at most one active
// OTP per phone.
func (r *OtpFallbackRepo) Store(ctx context.Context, rec model.EncryptedOTP) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO otp_fallback (phone, ciphertext, nonce, key_version, attempts, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (phone) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			nonce      = EXCLUDED.nonce,
			key_version = EXCLUDED.key_version,
			attempts   = EXCLUDED.attempts,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`, rec.Phone, rec.Ciphertext, rec.Nonce, rec.KeyVersion, rec.Attempts, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("otp fallback store: %w", err)
	}
	return nil
}

// Get returns the live record or (nil, nil); expired rows are left for the
// cleanup sweeper.
func (r *OtpFallbackRepo) Get(ctx context.Context, phoneE164 string) (*model.EncryptedOTP, error) {
	var rec model.EncryptedOTP
	err := r.db.QueryRowContext(ctx, `
		SELECT phone, ciphertext, nonce, key_version, attempts, created_at, expires_at
		FROM otp_fallback
		WHERE phone = $1 AND expires_at > now()
	`, phoneE164).Scan(
		&rec.Phone, &rec.Ciphertext, &rec.Nonce, &rec.KeyVersion,
		&rec.Attempts, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("otp fallback get: %w", err)
	}
	return &rec, nil
}

// IncrementAttempt atomically bumps the counter on the live row.
func (r *OtpFallbackRepo) IncrementAttempt(ctx context.Context, phoneE164 string) (int, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx, `
		UPDATE otp_fallback SET attempts = attempts + 1
		WHERE phone = $1 AND expires_at > now()
		RETURNING attempts
	`, phoneE164).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, otpcache.ErrNoAttempt
		}
		return 0, fmt.Errorf("otp fallback increment: %w", err)
	}
	return attempts, nil
}

func (r *OtpFallbackRepo) Clear(ctx context.Context, phoneE164 string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM otp_fallback WHERE phone = $1`, phoneE164)
	if err != nil {
		return fmt.Errorf("otp fallback clear: %w", err)
	}
	return nil
}

func (r *OtpFallbackRepo) TTL(ctx context.Context, phoneE164 string) (time.Duration, error) {
	var expiresAt time.Time
	err := r.db.QueryRowContext(ctx, `
		SELECT expires_at FROM otp_fallback WHERE phone = $1 AND expires_at > now()
	`, phoneE164).Scan(&expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("otp fallback ttl: %w", err)
	}
	return time.Until(expiresAt), nil
}

// PurgeExpired removes expired fallback rows; called by the cleanup sweeper.
func (r *OtpFallbackRepo) PurgeExpired(ctx context.Context, before time.Time, limit int) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM otp_fallback WHERE phone IN (
			SELECT phone FROM otp_fallback WHERE expires_at < $1 LIMIT $2
		)
	`, before, limit)
	if err != nil {
		return 0, fmt.Errorf("otp fallback purge: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
