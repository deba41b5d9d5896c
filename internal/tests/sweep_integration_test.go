package tests

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickgig/auth-service/internal/db"
	"github.com/quickgig/auth-service/internal/model"
	"github.com/quickgig/auth-service/internal/repo"
)

func TestTokenRepoSweep(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	database, err := db.Open(ctx, os.Getenv("DATABASE_URL"), log)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, RunMigrations(database))
	require.NoError(t, TruncateAuthTables(ctx, database))

	users := repo.NewUserRepo(database)
	tokens := repo.NewTokenRepo(database)

	user := model.User{
		ID:         uuid.New(),
		Phone:      "+8613800000001",
		UserType:   model.UserTypeUnset,
		IsVerified: true,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, users.Create(ctx, user))

	now := time.Now()
	insert := func(hash string, expiresAt time.Time) {
		require.NoError(t, tokens.InsertRefresh(ctx, model.RefreshSession{
			TokenHash: hash,
			UserID:    user.ID,
			JTI:       uuid.NewString(),
			FamilyID:  uuid.New(),
			IssuedAt:  now.Add(-time.Hour),
			ExpiresAt: expiresAt,
		}))
	}
	insert("expired-1", now.Add(-time.Minute))
	insert("expired-2", now.Add(-time.Hour))
	insert("live-1", now.Add(time.Hour))
	require.NoError(t, tokens.InsertRevokedJTI(ctx, "dead-jti", now.Add(-time.Minute)))

	t.Run("PurgeKeepsLiveRows", func(t *testing.T) {
		n, err := tokens.PurgeExpired(ctx, time.Now(), 100)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n, "two refresh rows and one jti are expired")

		live, err := tokens.FindRefreshByHash(ctx, "live-1")
		require.NoError(t, err)
		assert.NotNil(t, live)

		gone, err := tokens.FindRefreshByHash(ctx, "expired-1")
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("SweepLeaseIsExclusive", func(t *testing.T) {
		release, acquired, err := tokens.AcquireSweepLease(ctx)
		require.NoError(t, err)
		require.True(t, acquired)

		// The lease is per advisory lock, so a second taker loses.
		_, again, err := tokens.AcquireSweepLease(ctx)
		require.NoError(t, err)
		assert.False(t, again)

		release()

		release2, reacquired, err := tokens.AcquireSweepLease(ctx)
		require.NoError(t, err)
		assert.True(t, reacquired)
		release2()
	})

	t.Run("RevokeAllAndActiveJTIs", func(t *testing.T) {
		insert("live-2", now.Add(time.Hour))

		active, err := tokens.ActiveJTIsForUser(ctx, user.ID)
		require.NoError(t, err)
		assert.Len(t, active, 2)

		require.NoError(t, tokens.RevokeAllForUser(ctx, user.ID))

		active, err = tokens.ActiveJTIsForUser(ctx, user.ID)
		require.NoError(t, err)
		assert.Empty(t, active)
	})
}
