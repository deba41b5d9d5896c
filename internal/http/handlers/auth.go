// Package handlers contains the JSON endpoint handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/quickgig/auth-service/internal/apperr"
	"github.com/quickgig/auth-service/internal/auth"
	"github.com/quickgig/auth-service/internal/middleware"
	"github.com/quickgig/auth-service/internal/model"
)

var validate = validator.New()

// AuthHandler handles the authentication endpoints.
type AuthHandler struct {
	svc            *auth.Service
	resendCooldown time.Duration
	log            *slog.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(svc *auth.Service, resendCooldown time.Duration, log *slog.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, resendCooldown: resendCooldown, log: log}
}

// sendCodeRequest is the request body for POST /auth/send_code
type sendCodeRequest struct {
	Phone   string `json:"phone" validate:"required,min=10,max=15"`
	Country string `json:"country" validate:"required,min=1,max=4"`
}

// verifyCodeRequest is the request body for POST /auth/verify_code
type verifyCodeRequest struct {
	Phone   string `json:"phone" validate:"required,min=10,max=15"`
	Country string `json:"country" validate:"required,min=1,max=4"`
	Code    string `json:"code" validate:"required,len=6,numeric"`
}

// selectTypeRequest is the request body for POST /auth/select_type
type selectTypeRequest struct {
	UserType string `json:"user_type" validate:"required,oneof=customer worker"`
}

// refreshRequest is the request body for POST /auth/refresh and /auth/logout
type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// tokenResponse is the issued token pair.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// userResponse is the user object in API responses.
type userResponse struct {
	ID          string  `json:"id"`
	Phone       string  `json:"phone"`
	UserType    string  `json:"user_type"`
	IsVerified  bool    `json:"is_verified"`
	CreatedAt   string  `json:"created_at"`
	LastLoginAt *string `json:"last_login_at,omitempty"`
}

// verifyCodeResponse is the JSON response for verify_code and select_type.
type verifyCodeResponse struct {
	User                  userResponse  `json:"user"`
	Tokens                tokenResponse `json:"tokens"`
	RequiresTypeSelection bool          `json:"requires_type_selection"`
}

func toUserResponse(u *model.User) userResponse {
	resp := userResponse{
		ID:         u.ID.String(),
		Phone:      u.Phone,
		UserType:   string(u.UserType),
		IsVerified: u.IsVerified,
		CreatedAt:  u.CreatedAt.UTC().Format(time.RFC3339),
	}
	if u.LastLoginAt != nil {
		t := u.LastLoginAt.UTC().Format(time.RFC3339)
		resp.LastLoginAt = &t
	}
	return resp
}

func toTokenResponse(p *auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    p.ExpiresIn,
	}
}

// HandleSendCode handles POST /auth/send_code
func (h *AuthHandler) HandleSendCode(w http.ResponseWriter, r *http.Request) {
	var req sendCodeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	err := h.svc.SendCode(r.Context(), auth.Request{
		Phone:     req.Phone,
		Country:   req.Country,
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "code_sent",
		"resend_after_s": int(h.resendCooldown / time.Second),
	})
}

// HandleVerifyCode handles POST /auth/verify_code
func (h *AuthHandler) HandleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.svc.VerifyCode(r.Context(), auth.Request{
		Phone:     req.Phone,
		Country:   req.Country,
		Code:      req.Code,
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, verifyCodeResponse{
		User:                  toUserResponse(res.User),
		Tokens:                toTokenResponse(res.Tokens),
		RequiresTypeSelection: res.RequiresTypeSelection,
	})
}

// HandleSelectType handles POST /auth/select_type (protected)
func (h *AuthHandler) HandleSelectType(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.CodeTokenMalformed))
		return
	}

	var req selectTypeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.svc.SelectUserType(r.Context(), userID, model.UserType(req.UserType))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, verifyCodeResponse{
		User:   toUserResponse(res.User),
		Tokens: toTokenResponse(res.Tokens),
	})
}

// HandleRefresh handles POST /auth/refresh
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	pair, err := h.svc.Refresh(r.Context(), strings.TrimSpace(req.RefreshToken), requestMeta(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenResponse(pair))
}

// HandleLogout handles POST /auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.svc.Logout(r.Context(), strings.TrimSpace(req.RefreshToken), requestMeta(r)); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "logged_out"})
}

// HandleLogoutAll handles POST /auth/logout_all (protected)
func (h *AuthHandler) HandleLogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.CodeTokenMalformed))
		return
	}

	if err := h.svc.LogoutAll(r.Context(), userID, requestMeta(r)); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "logged_out"})
}

// HandleMe handles GET /me (protected)
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		writeError(w, apperr.New(apperr.CodeTokenMalformed))
		return
	}

	user, err := h.svc.Me(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func requestMeta(r *http.Request) auth.Request {
	return auth.Request{IP: middleware.ClientIP(r), UserAgent: r.UserAgent()}
}

// decodeAndValidate parses the JSON body into dst and validates it. On
// failure it writes the error response and returns false.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, apperr.New(apperr.CodeInvalidRequest))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, validationError(err))
		return false
	}
	return true
}

// validationError maps a failed validator field to the matching stable code.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Field() {
		case "Code":
			return apperr.New(apperr.CodeInvalidCodeLength)
		case "Country":
			return apperr.New(apperr.CodeInvalidCountryCode)
		case "UserType":
			return apperr.New(apperr.CodeInvalidUserType)
		case "Phone":
			return apperr.New(apperr.CodeInvalidPhoneFormat)
		}
	}
	return apperr.New(apperr.CodeInvalidRequest)
}

// writeError sends the JSON error envelope: stable code, bilingual message
// and, where applicable, retry/unlock hints.
func writeError(w http.ResponseWriter, err error) {
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
		if code == apperr.CodeMismatch {
			body["remaining_attempts"] = appErr.RemainingAttempts
		}
	}
	writeJSON(w, apperr.HTTPStatus(code), map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
