package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quickgig/auth-service/internal/apperr"
	"github.com/quickgig/auth-service/internal/auth"
	"github.com/quickgig/auth-service/internal/model"
)

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	claimsKey   contextKey = "claims"
	userTypeKey contextKey = "user_type"
)

// Auth validates the bearer access token and attaches its claims to the
// request context. Revoked tokens are rejected even before their natural
// expiry.
func Auth(tokens *auth.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, apperr.New(apperr.CodeTokenMalformed))
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondWithError(w, apperr.New(apperr.CodeTokenMalformed))
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				respondWithError(w, apperr.New(apperr.CodeTokenMalformed))
				return
			}

			claims, err := tokens.VerifyAccess(r.Context(), tokenString)
			if err != nil {
				respondWithError(w, err)
				return
			}

			userID, err := uuid.Parse(claims.Subject)
			if err != nil {
				respondWithError(w, apperr.New(apperr.CodeTokenMalformed))
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			ctx = context.WithValue(ctx, claimsKey, claims)
			ctx = context.WithValue(ctx, userTypeKey, model.UserType(claims.UserType))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUserType rejects requests whose token does not carry one of the
// given marketplace sides. Users who have not selected a side yet get 403.
func RequireUserType(types ...model.UserType) func(http.Handler) http.Handler {
	allowed := make(map[model.UserType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userType, ok := GetUserType(r.Context())
			if !ok || !allowed[userType] {
				respondWithError(w, apperr.New(apperr.CodeInvalidUserType))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetUserID extracts the authenticated user ID from context.
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(userIDKey).(uuid.UUID)
	return userID, ok
}

// GetClaims returns the verified access-token claims from context.
func GetClaims(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*auth.Claims)
	return claims, ok
}

// GetUserType extracts the token's marketplace side from context.
func GetUserType(ctx context.Context) (model.UserType, bool) {
	userType, ok := ctx.Value(userTypeKey).(model.UserType)
	return userType, ok
}

// respondWithError sends the JSON error envelope for an apperr code.
func respondWithError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	body := map[string]any{
		"code":    string(code),
		"message": apperr.Message(code),
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		if appErr.RetryAfter > 0 {
			body["retry_after_s"] = int(appErr.RetryAfter.Round(time.Second) / time.Second)
		}
		if !appErr.UnlockAt.IsZero() {
			body["unlock_at"] = appErr.UnlockAt.UTC().Format(time.RFC3339)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
}
