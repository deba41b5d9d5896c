package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quickgig/auth-service/internal/model"
)

// AuditRepo is the append-only audit log. At-least-once semantics are
// acceptable; failures must never fail the authenticated operation.
type AuditRepo interface {
	Record(ctx context.Context, ev model.AuditEvent) error
}

type auditRepo struct {
	db *sql.DB
}

// NewAuditRepo creates the Postgres audit log.
func NewAuditRepo(db *sql.DB) AuditRepo {
	return &auditRepo{db: db}
}

func (r *auditRepo) Record(ctx context.Context, ev model.AuditEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, kind, phone_masked, ip, user_agent, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.Kind, ev.PhoneMasked, ev.IP, ev.UserAgent, ev.Result, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// NoopAudit discards audit events; for tests and local development only.
type NoopAudit struct{}

func (NoopAudit) Record(context.Context, model.AuditEvent) error { return nil }
