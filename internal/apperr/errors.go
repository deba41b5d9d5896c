// Package apperr defines the stable error codes of the authentication core.
// Codes are machine-readable contracts; localized messages are rendered from
// the code by a mapping table and never embedded in the error values.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable, transport-independent error code.
type Code string

const (
	// Input
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeInvalidPhoneFormat Code = "INVALID_PHONE_FORMAT"
	CodeInvalidCountryCode Code = "INVALID_COUNTRY_CODE"
	CodeInvalidCodeLength  Code = "INVALID_CODE_LENGTH"

	// Flow
	CodeNotFound        Code = "CODE_NOT_FOUND"
	CodeExpired         Code = "CODE_EXPIRED"
	CodeMismatch        Code = "CODE_MISMATCH"
	CodeTooManyAttempts Code = "TOO_MANY_ATTEMPTS"

	// Defence
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeAccountLocked     Code = "ACCOUNT_LOCKED"
	CodeSuspectedAbuse    Code = "SUSPECTED_ABUSE"

	// Identity
	CodeUserNotFound            Code = "USER_NOT_FOUND"
	CodeUserTypeAlreadySelected Code = "USER_TYPE_ALREADY_SELECTED"
	CodeInvalidUserType         Code = "INVALID_USER_TYPE"

	// Token
	CodeTokenMalformed        Code = "TOKEN_MALFORMED"
	CodeTokenExpired          Code = "TOKEN_EXPIRED"
	CodeTokenRevoked          Code = "TOKEN_REVOKED"
	CodeTokenSignatureInvalid Code = "TOKEN_SIGNATURE_INVALID"
	CodeRefreshReuseDetected  Code = "REFRESH_REUSE_DETECTED"

	// External
	CodeSMSSendFailed      Code = "SMS_SEND_FAILED"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeInternal           Code = "INTERNAL"
)

// Error is an application error with a stable code and optional retry metadata.
type Error struct {
	Code              Code
	RetryAfter        time.Duration // set for RATE_LIMIT_EXCEEDED
	UnlockAt          time.Time     // set for ACCOUNT_LOCKED
	RemainingAttempts int           // set for CODE_MISMATCH
	cause             error
}

// New returns an Error with the given code.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Wrap returns an Error with the given code and an underlying cause.
// The cause is kept for logs only; callers see the code and its message.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, cause: cause}
}

// RateLimited returns a RATE_LIMIT_EXCEEDED error carrying the retry-after hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Code: CodeRateLimitExceeded, RetryAfter: retryAfter}
}

// Mismatch returns a CODE_MISMATCH error carrying the attempts left before
// the code burns out.
func Mismatch(remaining int) *Error {
	return &Error{Code: CodeMismatch, RemainingAttempts: remaining}
}

// Locked returns an ACCOUNT_LOCKED error carrying the unlock time.
func Locked(unlockAt time.Time) *Error {
	return &Error{Code: CodeAccountLocked, UnlockAt: unlockAt}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.cause)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// Is allows errors.Is against another *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// CodeOf extracts the stable code from err, or INTERNAL if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// messages maps each code to its bilingual (English | Chinese) message.
var messages = map[Code]string{
	CodeInvalidRequest:     "Invalid request | 请求无效",
	CodeInvalidPhoneFormat: "Invalid phone number format | 手机号格式无效",
	CodeInvalidCountryCode: "Invalid country code | 国家代码无效",
	CodeInvalidCodeLength:  "Verification code must be 6 digits | 验证码必须为6位数字",

	CodeNotFound:        "Verification code not found, request a new one | 验证码不存在，请重新获取",
	CodeExpired:         "Verification code expired, request a new one | 验证码已过期，请重新获取",
	CodeMismatch:        "Incorrect verification code | 验证码错误",
	CodeTooManyAttempts: "Too many attempts, request a new code | 尝试次数过多，请重新获取验证码",

	CodeRateLimitExceeded: "Too many requests, try again later | 请求过于频繁，请稍后再试",
	CodeAccountLocked:     "Account temporarily locked | 账户已被临时锁定",
	CodeSuspectedAbuse:    "Request rejected | 请求被拒绝",

	CodeUserNotFound:            "User not found | 用户不存在",
	CodeUserTypeAlreadySelected: "User type already selected | 用户类型已选择",
	CodeInvalidUserType:         "Invalid user type | 用户类型无效",

	CodeTokenMalformed:        "Malformed token | 令牌格式错误",
	CodeTokenExpired:          "Token expired | 令牌已过期",
	CodeTokenRevoked:          "Token revoked | 令牌已失效",
	CodeTokenSignatureInvalid: "Invalid token signature | 令牌签名无效",
	CodeRefreshReuseDetected:  "Session invalidated, sign in again | 会话已失效，请重新登录",

	CodeSMSSendFailed:      "Failed to send verification code | 验证码发送失败",
	CodeStorageUnavailable: "Service temporarily unavailable | 服务暂时不可用",
	CodeInternal:           "Internal error | 内部错误",
}

// Message returns the bilingual message for the code.
func Message(code Code) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return messages[CodeInternal]
}

// httpStatus maps each code to the HTTP status the transport should use.
var httpStatus = map[Code]int{
	CodeInvalidRequest:     http.StatusBadRequest,
	CodeInvalidPhoneFormat: http.StatusBadRequest,
	CodeInvalidCountryCode: http.StatusBadRequest,
	CodeInvalidCodeLength:  http.StatusBadRequest,

	CodeNotFound:        http.StatusUnauthorized,
	CodeExpired:         http.StatusUnauthorized,
	CodeMismatch:        http.StatusUnauthorized,
	CodeTooManyAttempts: http.StatusUnauthorized,

	CodeRateLimitExceeded: http.StatusTooManyRequests,
	CodeAccountLocked:     http.StatusLocked,
	CodeSuspectedAbuse:    http.StatusForbidden,

	CodeUserNotFound:            http.StatusNotFound,
	CodeUserTypeAlreadySelected: http.StatusConflict,
	CodeInvalidUserType:         http.StatusBadRequest,

	CodeTokenMalformed:        http.StatusUnauthorized,
	CodeTokenExpired:          http.StatusUnauthorized,
	CodeTokenRevoked:          http.StatusUnauthorized,
	CodeTokenSignatureInvalid: http.StatusUnauthorized,
	CodeRefreshReuseDetected:  http.StatusUnauthorized,

	CodeSMSSendFailed:      http.StatusBadGateway,
	CodeStorageUnavailable: http.StatusServiceUnavailable,
	CodeInternal:           http.StatusInternalServerError,
}

// HTTPStatus returns the HTTP status code for the error code.
func HTTPStatus(code Code) int {
	if s, ok := httpStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}
