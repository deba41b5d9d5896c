package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickgig/auth-service/internal/apperr"
	"github.com/quickgig/auth-service/internal/model"
)

func newTestTokenService(t *testing.T) (*TokenService, *fakeTokenRepo, *fakeUserRepo, *model.User) {
	t.Helper()
	tokens := newFakeTokenRepo()
	users := newFakeUserRepo()
	user := &model.User{
		ID:         uuid.New(),
		Phone:      "+8613812345678",
		UserType:   model.UserTypeCustomer,
		IsVerified: true,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, users.Create(context.Background(), *user))

	svc := NewTokenService(newTestKeys(), tokens, users, 15*time.Minute, 30*24*time.Hour)
	return svc, tokens, users, user
}

func TestIssueAndVerifyAccess(t *testing.T) {
	svc, _, _, user := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, user)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, 900, pair.ExpiresIn)

	claims, err := svc.VerifyAccess(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.Subject)
	assert.Equal(t, "customer", claims.UserType)
	assert.True(t, claims.IsVerified)
	assert.NotEmpty(t, claims.ID)
}

func TestVerifyAccessExpired(t *testing.T) {
	svc, _, _, user := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, user)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	_, err = svc.VerifyAccess(ctx, pair.AccessToken)
	assert.Equal(t, apperr.CodeTokenExpired, apperr.CodeOf(err))
}

func TestVerifyAccessWrongKey(t *testing.T) {
	svc, _, _, user := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, user)
	require.NoError(t, err)

	svc.keys = newTestKeys() // different key pair
	_, err = svc.VerifyAccess(ctx, pair.AccessToken)
	assert.Equal(t, apperr.CodeTokenSignatureInvalid, apperr.CodeOf(err))
}

func TestVerifyAccessGarbage(t *testing.T) {
	svc, _, _, _ := newTestTokenService(t)

	_, err := svc.VerifyAccess(context.Background(), "not.a.jwt")
	assert.Equal(t, apperr.CodeTokenMalformed, apperr.CodeOf(err))
}

func TestRefreshRotatesWithinFamily(t *testing.T) {
	svc, tokens, _, user := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, user)
	require.NoError(t, err)

	first, err := tokens.FindRefreshByHash(ctx, HashRefreshToken(pair.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, first)

	next, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, next.AccessToken)

	second, err := tokens.FindRefreshByHash(ctx, HashRefreshToken(next.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.FamilyID, second.FamilyID)
	assert.False(t, second.Revoked)

	// The redeemed token is now spent.
	spent, err := tokens.FindRefreshByHash(ctx, HashRefreshToken(pair.RefreshToken))
	require.NoError(t, err)
	assert.True(t, spent.Revoked)
}

func TestRefreshReuseBurnsFamily(t *testing.T) {
	svc, _, _, user := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, user)
	require.NoError(t, err)

	next, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	// Replay of the spent token: the whole family dies with it.
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.Equal(t, apperr.CodeRefreshReuseDetected, apperr.CodeOf(err))

	// The sibling died in the burn, so presenting it is just a revoked
	// token, not a second theft signal.
	_, err = svc.Refresh(ctx, next.RefreshToken)
	assert.Equal(t, apperr.CodeTokenRevoked, apperr.CodeOf(err))

	// The access token paired with the replayed refresh token dies too.
	_, err = svc.VerifyAccess(ctx, pair.AccessToken)
	assert.Equal(t, apperr.CodeTokenRevoked, apperr.CodeOf(err))

	// And a second replay of the spent token still reads as reuse.
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.Equal(t, apperr.CodeRefreshReuseDetected, apperr.CodeOf(err))
}

func TestRefreshUnknownToken(t *testing.T) {
	svc, _, _, _ := newTestTokenService(t)

	_, err := svc.Refresh(context.Background(), "never-issued")
	assert.Equal(t, apperr.CodeTokenMalformed, apperr.CodeOf(err))
}

func TestRefreshExpiredToken(t *testing.T) {
	svc, _, _, user := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, user)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.Equal(t, apperr.CodeTokenExpired, apperr.CodeOf(err))
}

func TestRevokeKillsAccessToken(t *testing.T) {
	svc, _, _, user := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, user)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, pair.RefreshToken))

	// The paired access token is gone before its natural expiry.
	_, err = svc.VerifyAccess(ctx, pair.AccessToken)
	assert.Equal(t, apperr.CodeTokenRevoked, apperr.CodeOf(err))

	// And the refresh token can no longer be redeemed... but revoking it
	// again is a quiet no-op.
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.Equal(t, apperr.CodeTokenRevoked, apperr.CodeOf(err))
	assert.NoError(t, svc.Revoke(ctx, pair.RefreshToken))
}

func TestRevokeUnknownTokenIsIdempotent(t *testing.T) {
	svc, _, _, _ := newTestTokenService(t)
	assert.NoError(t, svc.Revoke(context.Background(), "never-issued"))
}

func TestRevokeAll(t *testing.T) {
	svc, _, _, user := newTestTokenService(t)
	ctx := context.Background()

	one, err := svc.Issue(ctx, user)
	require.NoError(t, err)
	two, err := svc.Issue(ctx, user)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeAll(ctx, user.ID))

	// Prior access and refresh tokens both read as revoked, never as reuse.
	for _, pair := range []*TokenPair{one, two} {
		_, err = svc.VerifyAccess(ctx, pair.AccessToken)
		assert.Equal(t, apperr.CodeTokenRevoked, apperr.CodeOf(err))
		_, err = svc.Refresh(ctx, pair.RefreshToken)
		assert.Equal(t, apperr.CodeTokenRevoked, apperr.CodeOf(err))
	}
}

func TestGenerateRefreshTokenHash(t *testing.T) {
	token, hash, err := GenerateRefreshToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, hash, HashRefreshToken(token))
	assert.Len(t, hash, 64)

	other, _, err := GenerateRefreshToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}
