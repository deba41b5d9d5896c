package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quickgig/auth-service/internal/model"
	"github.com/quickgig/auth-service/internal/repo"
)

// testKeys is a SigningKeys over a throwaway RSA key pair.
type testKeys struct {
	key *rsa.PrivateKey
}

func newTestKeys() *testKeys {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return &testKeys{key: key}
}

func (k *testKeys) SignKey() *rsa.PrivateKey  { return k.key }
func (k *testKeys) VerifyKey() *rsa.PublicKey { return &k.key.PublicKey }

// fakeUserRepo is an in-memory repo.UserRepo.
type fakeUserRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]*model.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[uuid.UUID]*model.User)}
}

func (r *fakeUserRepo) GetByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUserRepo) FindByPhone(_ context.Context, phoneE164 string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Phone == phoneE164 {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) Create(_ context.Context, user model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := user
	r.users[user.ID] = &cp
	return nil
}

func (r *fakeUserRepo) UpdateUserType(_ context.Context, id uuid.UUID, userType model.UserType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil
	}
	if u.UserType != model.UserTypeUnset {
		return repo.ErrTypeAlreadySelected
	}
	u.UserType = userType
	return nil
}

func (r *fakeUserRepo) UpdateLastLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.LastLoginAt = &at
	}
	return nil
}

// fakeTokenRepo is an in-memory repo.TokenRepo.
type fakeTokenRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.RefreshSession
	revoked  map[string]time.Time // jti -> expires_at
	now      func() time.Time
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{
		sessions: make(map[string]*model.RefreshSession),
		revoked:  make(map[string]time.Time),
		now:      time.Now,
	}
}

func (r *fakeTokenRepo) InsertRefresh(_ context.Context, s model.RefreshSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := s
	r.sessions[s.TokenHash] = &cp
	return nil
}

func (r *fakeTokenRepo) FindRefreshByHash(_ context.Context, tokenHash string) (*model.RefreshSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tokenHash]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *fakeTokenRepo) RevokeRefresh(_ context.Context, tokenHash, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tokenHash]
	if !ok || s.Revoked {
		return false, nil
	}
	s.Revoked = true
	s.RevokedReason = reason
	return true, nil
}

func (r *fakeTokenRepo) RevokeFamily(_ context.Context, familyID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.FamilyID == familyID && !s.Revoked {
			s.Revoked = true
			s.RevokedReason = model.RevokedReuse
		}
	}
	return nil
}

func (r *fakeTokenRepo) RevokeAllForUser(_ context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.UserID == userID && !s.Revoked {
			s.Revoked = true
			s.RevokedReason = model.RevokedLogout
		}
	}
	return nil
}

func (r *fakeTokenRepo) ActiveJTIsForUser(_ context.Context, userID uuid.UUID) ([]model.RefreshSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.RefreshSession
	for _, s := range r.sessions {
		if s.UserID == userID && !s.Revoked && r.now().Before(s.ExpiresAt) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *fakeTokenRepo) InsertRevokedJTI(_ context.Context, jti string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.revoked[jti]; !ok {
		r.revoked[jti] = expiresAt
	}
	return nil
}

func (r *fakeTokenRepo) IsJTIRevoked(_ context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.revoked[jti]
	return ok && r.now().Before(exp), nil
}

func (r *fakeTokenRepo) PurgeExpired(_ context.Context, before time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for hash, s := range r.sessions {
		if s.ExpiresAt.Before(before) && n < int64(limit) {
			delete(r.sessions, hash)
			n++
		}
	}
	return n, nil
}

func (r *fakeTokenRepo) AcquireSweepLease(context.Context) (func(), bool, error) {
	return func() {}, true, nil
}

// fakeAuditRepo collects audit events in memory.
type fakeAuditRepo struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (r *fakeAuditRepo) Record(_ context.Context, ev model.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *fakeAuditRepo) all() []model.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.AuditEvent(nil), r.events...)
}

// fakeSender records sent codes instead of delivering them.
type fakeSender struct {
	mu      sync.Mutex
	sent    map[string]string // phone -> last code
	fail    error
	invalid bool
	calls   int
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string]string)}
}

func (s *fakeSender) SendVerificationCode(_ context.Context, phoneE164, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		return "", s.fail
	}
	s.sent[phoneE164] = code
	return "test-msg", nil
}

func (s *fakeSender) IsValidPhoneNumber(string) bool { return !s.invalid }

func (s *fakeSender) lastCode(phoneE164 string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[phoneE164]
}
