package model

import (
	"time"

	"github.com/google/uuid"
)

// UserType is the marketplace side a user belongs to.
type UserType string

const (
	UserTypeUnset    UserType = "unset"
	UserTypeCustomer UserType = "customer"
	UserTypeWorker   UserType = "worker"
)

// Valid reports whether t is a selectable user type (Unset is not selectable).
func (t UserType) Valid() bool {
	return t == UserTypeCustomer || t == UserTypeWorker
}

// User represents a marketplace user identified by phone number
type User struct {
	ID          uuid.UUID
	Phone       string
	UserType    UserType
	IsVerified  bool
	CreatedAt   time.Time
	LastLoginAt *time.Time
}

// EncryptedOTP is an OTP record at rest: AES-GCM ciphertext bound to the
// phone, never the plaintext code.
type EncryptedOTP struct {
	Phone      string
	Ciphertext []byte
	Nonce      []byte
	KeyVersion int
	Attempts   int
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// TTL returns the remaining lifetime of the record at the given instant.
func (e EncryptedOTP) TTL(now time.Time) time.Duration {
	return e.ExpiresAt.Sub(now)
}

// Expired reports whether the record is past its expiry.
func (e EncryptedOTP) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Revocation reasons for a refresh session. Rotation-spent tokens are the
// only ones whose replay signals theft; everything else is an ordinary
// revoked token.
const (
	RevokedRotated = "rotated"
	RevokedLogout  = "logout"
	RevokedReuse   = "reuse"
)

// RefreshSession is a stored refresh token (hash only) with its family lineage.
type RefreshSession struct {
	TokenHash     string
	UserID        uuid.UUID
	JTI           string
	FamilyID      uuid.UUID
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Revoked       bool
	RevokedReason string
}

// LockState is the account-lock record for a phone.
type LockState struct {
	Phone               string
	ConsecutiveFailures int
	LockedUntil         time.Time
	Reason              string
}

// Locked reports whether the phone is locked at the given instant.
func (s LockState) Locked(now time.Time) bool {
	return now.Before(s.LockedUntil)
}

// AuditEvent is one append-only audit record. Phone is stored masked.
type AuditEvent struct {
	ID          uuid.UUID
	Kind        string
	PhoneMasked string
	IP          string
	UserAgent   string
	Result      string
	CreatedAt   time.Time
}

// Audit event kinds.
const (
	AuditSendCode   = "send_code"
	AuditVerifyCode = "verify_code"
	AuditSelectType = "select_type"
	AuditRefresh    = "refresh"
	AuditLogout     = "logout"
)
