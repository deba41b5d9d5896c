package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/quickgig/auth-service/internal/apperr"
	"github.com/quickgig/auth-service/internal/model"
	"github.com/quickgig/auth-service/internal/repo"
)

// Claims are the access-token claims. Subject carries the user ID and ID the
// jti used for per-token revocation.
type Claims struct {
	UserType   string `json:"user_type"`
	IsVerified bool   `json:"is_verified"`
	jwt.RegisteredClaims
}

// TokenPair is an issued access/refresh pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int // access-token lifetime in seconds
}

// SigningKeys provides the RSA key pair for access tokens.
type SigningKeys interface {
	SignKey() *rsa.PrivateKey
	VerifyKey() *rsa.PublicKey
}

// TokenService issues and verifies access tokens and manages refresh-token
// rotation. Refresh tokens are opaque and stored hashed; each redemption
// rotates the token within its family, and redeeming an already-revoked
// token burns the whole family.
type TokenService struct {
	keys       SigningKeys
	tokens     repo.TokenRepo
	users      repo.UserRepo
	accessTTL  time.Duration
	refreshTTL time.Duration

	now func() time.Time
}

// NewTokenService creates a TokenService.
func NewTokenService(keys SigningKeys, tokens repo.TokenRepo, users repo.UserRepo, accessTTL, refreshTTL time.Duration) *TokenService {
	return &TokenService{
		keys:       keys,
		tokens:     tokens,
		users:      users,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// Issue creates a fresh token pair for the user, starting a new refresh family.
func (s *TokenService) Issue(ctx context.Context, user *model.User) (*TokenPair, error) {
	return s.issueInFamily(ctx, user, uuid.New())
}

// IssueAccessOnly mints an access token with no refresh session, for flows
// that must complete another step before a durable session is allowed.
func (s *TokenService) IssueAccessOnly(user *model.User) (*TokenPair, error) {
	access, err := s.signAccess(user, uuid.NewString(), s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	return &TokenPair{
		AccessToken: access,
		ExpiresIn:   int(s.accessTTL / time.Second),
	}, nil
}

func (s *TokenService) signAccess(user *model.User, jti string, now time.Time) (string, error) {
	claims := &Claims{
		UserType:   string(user.UserType),
		IsVerified: user.IsVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.keys.SignKey())
}

func (s *TokenService) issueInFamily(ctx context.Context, user *model.User, familyID uuid.UUID) (*TokenPair, error) {
	now := s.now()
	jti := uuid.NewString()

	access, err := s.signAccess(user, jti, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refresh, refreshHash, err := GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	err = s.tokens.InsertRefresh(ctx, model.RefreshSession{
		TokenHash: refreshHash,
		UserID:    user.ID,
		JTI:       jti,
		FamilyID:  familyID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.accessTTL / time.Second),
	}, nil
}

// VerifyAccess parses and validates an access token, including the per-token
// revocation list.
func (s *TokenService) VerifyAccess(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.keys.VerifyKey(), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, apperr.Wrap(apperr.CodeTokenExpired, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, apperr.Wrap(apperr.CodeTokenSignatureInvalid, err)
		default:
			return nil, apperr.Wrap(apperr.CodeTokenMalformed, err)
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperr.New(apperr.CodeTokenMalformed)
	}

	revoked, err := s.tokens.IsJTIRevoked(ctx, claims.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err)
	}
	if revoked {
		return nil, apperr.New(apperr.CodeTokenRevoked)
	}

	return claims, nil
}

// Refresh redeems a refresh token for a new pair, rotating within the same
// family. Presenting an unknown token fails; presenting an already-redeemed
// token revokes its entire family.
func (s *TokenService) Refresh(ctx context.Context, rawToken string) (*TokenPair, error) {
	sess, err := s.tokens.FindRefreshByHash(ctx, HashRefreshToken(rawToken))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err)
	}
	if sess == nil {
		return nil, apperr.New(apperr.CodeTokenMalformed)
	}
	if !s.now().Before(sess.ExpiresAt) {
		return nil, apperr.New(apperr.CodeTokenExpired)
	}

	if sess.Revoked {
		// Only a rotation-spent token signals theft when replayed. Tokens
		// revoked by logout or an earlier family burn are just dead.
		if sess.RevokedReason == model.RevokedRotated {
			return nil, s.burnFamily(ctx, sess)
		}
		return nil, apperr.New(apperr.CodeTokenRevoked)
	}

	won, err := s.tokens.RevokeRefresh(ctx, sess.TokenHash, model.RevokedRotated)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err)
	}
	if !won {
		// Lost the race against a concurrent redemption of the same token.
		return nil, s.burnFamily(ctx, sess)
	}

	user, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err)
	}
	if user == nil {
		return nil, apperr.New(apperr.CodeUserNotFound)
	}

	return s.issueInFamily(ctx, user, sess.FamilyID)
}

// burnFamily revokes a refresh-token lineage after a reuse was detected and
// blacklists the access jti paired with the replayed token.
func (s *TokenService) burnFamily(ctx context.Context, sess *model.RefreshSession) error {
	if err := s.tokens.RevokeFamily(ctx, sess.FamilyID); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err)
	}
	if err := s.tokens.InsertRevokedJTI(ctx, sess.JTI, s.now().Add(s.accessTTL)); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err)
	}
	return apperr.New(apperr.CodeRefreshReuseDetected)
}

// Revoke invalidates a single refresh token (logout of one session). The
// paired access token's jti goes on the revocation list so it dies before
// its natural expiry.
func (s *TokenService) Revoke(ctx context.Context, rawToken string) error {
	sess, err := s.tokens.FindRefreshByHash(ctx, HashRefreshToken(rawToken))
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err)
	}
	if sess == nil || sess.Revoked {
		// Idempotent: logging out an unknown or spent token is not an error.
		return nil
	}
	if _, err := s.tokens.RevokeRefresh(ctx, sess.TokenHash, model.RevokedLogout); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err)
	}
	if err := s.tokens.InsertRevokedJTI(ctx, sess.JTI, s.now().Add(s.accessTTL)); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err)
	}
	return nil
}

// RevokeAll invalidates every session of a user: all refresh tokens plus the
// jtis of their still-live access tokens.
func (s *TokenService) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	active, err := s.tokens.ActiveJTIsForUser(ctx, userID)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err)
	}
	if err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err)
	}
	cutoff := s.now().Add(s.accessTTL)
	for _, sess := range active {
		if err := s.tokens.InsertRevokedJTI(ctx, sess.JTI, cutoff); err != nil {
			return apperr.Wrap(apperr.CodeInternal, err)
		}
	}
	return nil
}
