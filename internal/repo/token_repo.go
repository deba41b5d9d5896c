package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quickgig/auth-service/internal/model"
)

// sweepLeaseKey is the advisory-lock key the cleanup sweeper leases so only
// one replica sweeps at a time.
const sweepLeaseKey = 0x51A7_70CE

// TokenRepo persists refresh sessions and revoked access-token jtis.
type TokenRepo interface {
	InsertRefresh(ctx context.Context, s model.RefreshSession) error
	// FindRefreshByHash returns the session regardless of revocation state
	// (revoked rows are what reuse detection looks for), or nil when absent.
	FindRefreshByHash(ctx context.Context, tokenHash string) (*model.RefreshSession, error)
	// RevokeRefresh flips revoked false -> true, recording why, and reports
	// whether this call won the flip. Losing means another redemption got
	// there first.
	RevokeRefresh(ctx context.Context, tokenHash, reason string) (bool, error)
	RevokeFamily(ctx context.Context, familyID uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
	ActiveJTIsForUser(ctx context.Context, userID uuid.UUID) ([]model.RefreshSession, error)

	InsertRevokedJTI(ctx context.Context, jti string, expiresAt time.Time) error
	IsJTIRevoked(ctx context.Context, jti string) (bool, error)

	PurgeExpired(ctx context.Context, before time.Time, limit int) (int64, error)
	AcquireSweepLease(ctx context.Context) (release func(), acquired bool, err error)
}

type tokenRepo struct {
	db *sql.DB
}

// NewTokenRepo creates a Postgres-backed TokenRepo.
func NewTokenRepo(db *sql.DB) TokenRepo {
	return &tokenRepo{db: db}
}

func (r *tokenRepo) InsertRefresh(ctx context.Context, s model.RefreshSession) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (hash, user_id, jti, family_id, issued_at, expires_at, revoked, revoked_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.TokenHash, s.UserID, s.JTI, s.FamilyID, s.IssuedAt, s.ExpiresAt, s.Revoked, s.RevokedReason)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (r *tokenRepo) FindRefreshByHash(ctx context.Context, tokenHash string) (*model.RefreshSession, error) {
	var s model.RefreshSession
	var userIDStr, familyIDStr string
	err := r.db.QueryRowContext(ctx, `
		SELECT hash, user_id, jti, family_id, issued_at, expires_at, revoked, revoked_reason
		FROM refresh_tokens WHERE hash = $1
	`, tokenHash).Scan(&s.TokenHash, &userIDStr, &s.JTI, &familyIDStr, &s.IssuedAt, &s.ExpiresAt, &s.Revoked, &s.RevokedReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	if s.UserID, err = uuid.Parse(userIDStr); err != nil {
		return nil, fmt.Errorf("parse user ID: %w", err)
	}
	if s.FamilyID, err = uuid.Parse(familyIDStr); err != nil {
		return nil, fmt.Errorf("parse family ID: %w", err)
	}
	return &s, nil
}

func (r *tokenRepo) RevokeRefresh(ctx context.Context, tokenHash, reason string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE, revoked_reason = $2
		WHERE hash = $1 AND revoked = FALSE
	`, tokenHash, reason)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

func (r *tokenRepo) RevokeFamily(ctx context.Context, familyID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE, revoked_reason = $2
		WHERE family_id = $1 AND revoked = FALSE
	`, familyID, model.RevokedReuse)
	if err != nil {
		return fmt.Errorf("revoke token family: %w", err)
	}
	return nil
}

func (r *tokenRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE, revoked_reason = $2
		WHERE user_id = $1 AND revoked = FALSE
	`, userID, model.RevokedLogout)
	if err != nil {
		return fmt.Errorf("revoke all tokens for user: %w", err)
	}
	return nil
}

// ActiveJTIsForUser returns the live sessions whose paired access jtis must
// be blacklisted on logout.
func (r *tokenRepo) ActiveJTIsForUser(ctx context.Context, userID uuid.UUID) ([]model.RefreshSession, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT hash, user_id, jti, family_id, issued_at, expires_at, revoked, revoked_reason
		FROM refresh_tokens
		WHERE user_id = $1 AND revoked = FALSE AND expires_at > now()
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	var out []model.RefreshSession
	for rows.Next() {
		var s model.RefreshSession
		var userIDStr, familyIDStr string
		if err := rows.Scan(&s.TokenHash, &userIDStr, &s.JTI, &familyIDStr, &s.IssuedAt, &s.ExpiresAt, &s.Revoked, &s.RevokedReason); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.UserID, _ = uuid.Parse(userIDStr)
		s.FamilyID, _ = uuid.Parse(familyIDStr)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *tokenRepo) InsertRevokedJTI(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO revoked_jti (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("insert revoked jti: %w", err)
	}
	return nil
}

func (r *tokenRepo) IsJTIRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM revoked_jti WHERE jti = $1 AND expires_at > now())
	`, jti).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revoked jti: %w", err)
	}
	return exists, nil
}

// PurgeExpired deletes expired refresh tokens and revoked-jti entries in
// bounded batches and returns the number of rows removed.
func (r *tokenRepo) PurgeExpired(ctx context.Context, before time.Time, limit int) (int64, error) {
	var total int64

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens WHERE hash IN (
			SELECT hash FROM refresh_tokens WHERE expires_at < $1 LIMIT $2
		)
	`, before, limit)
	if err != nil {
		return total, fmt.Errorf("purge refresh tokens: %w", err)
	}
	n, _ := result.RowsAffected()
	total += n

	result, err = r.db.ExecContext(ctx, `
		DELETE FROM revoked_jti WHERE jti IN (
			SELECT jti FROM revoked_jti WHERE expires_at < $1 LIMIT $2
		)
	`, before, limit)
	if err != nil {
		return total, fmt.Errorf("purge revoked jtis: %w", err)
	}
	n, _ = result.RowsAffected()
	total += n

	return total, nil
}

// AcquireSweepLease takes the cluster-wide advisory lock for the cleanup
// sweeper. Advisory locks are per connection, so the lease pins one until
// released.
func (r *tokenRepo) AcquireSweepLease(ctx context.Context) (func(), bool, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire sweep lease: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, sweepLeaseKey).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("acquire sweep lease: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}

	release := func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, sweepLeaseKey)
		_ = conn.Close()
	}
	return release, true, nil
}
