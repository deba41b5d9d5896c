package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/quickgig/auth-service/internal/apperr"
	"github.com/quickgig/auth-service/internal/defense"
	"github.com/quickgig/auth-service/internal/otpcache"
	"github.com/quickgig/auth-service/internal/otpcrypt"
	"github.com/quickgig/auth-service/internal/phone"
	"github.com/quickgig/auth-service/internal/sms"
)

const codeLength = 6

var codeSpace = big.NewInt(1_000_000)

// GenerateCode returns a uniformly random 6-digit code, zero-padded.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// VerificationService owns the OTP lifecycle: issuing codes over SMS and
// checking submitted codes against the encrypted store.
type VerificationService struct {
	enc     *otpcrypt.Encryptor
	cache   *otpcache.Cache
	sender  sms.Sender
	limiter defense.SMSLimiter

	expiry         time.Duration
	maxAttempts    int
	resendCooldown time.Duration

	log *slog.Logger
	now func() time.Time
}

// NewVerificationService creates a VerificationService.
func NewVerificationService(
	enc *otpcrypt.Encryptor,
	cache *otpcache.Cache,
	sender sms.Sender,
	limiter defense.SMSLimiter,
	expiry time.Duration,
	maxAttempts int,
	resendCooldown time.Duration,
	log *slog.Logger,
) *VerificationService {
	return &VerificationService{
		enc:            enc,
		cache:          cache,
		sender:         sender,
		limiter:        limiter,
		expiry:         expiry,
		maxAttempts:    maxAttempts,
		resendCooldown: resendCooldown,
		log:            log,
		now:            time.Now,
	}
}

// SendCode issues a fresh code for the canonical phone and delivers it over
// SMS. A new send invalidates any earlier code for the same phone.
func (s *VerificationService) SendCode(ctx context.Context, phoneE164 string) error {
	now := s.now()

	// Let the provider veto numbers it cannot deliver to before anything is
	// stored or a rate-limit slot is spent.
	if !s.sender.IsValidPhoneNumber(phoneE164) {
		return apperr.New(apperr.CodeInvalidPhoneFormat)
	}

	// Resend cooldown is keyed off the live record, not the rate limiter, so
	// a quick double-tap is rejected without burning a rate-limit slot.
	existing, _, err := s.cache.Get(ctx, phoneE164)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageUnavailable, err)
	}
	if existing != nil && !existing.Expired(now) {
		if wait := existing.CreatedAt.Add(s.resendCooldown).Sub(now); wait > 0 {
			return apperr.RateLimited(wait)
		}
	}

	decision, err := s.limiter.Increment(ctx, phoneE164)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageUnavailable, err)
	}
	if !decision.Allowed {
		return apperr.RateLimited(decision.RetryAfter)
	}

	code, err := GenerateCode()
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err)
	}

	rec, err := s.enc.Encrypt(code, phoneE164, now, now.Add(s.expiry))
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err)
	}

	backend, err := s.cache.Store(ctx, rec)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageUnavailable, err)
	}

	msgID, err := s.sender.SendVerificationCode(ctx, phoneE164, code)
	if err != nil {
		// The stored code is unusable if the SMS never left; drop it so the
		// cooldown does not punish the user for our delivery failure.
		if clearErr := s.cache.Clear(ctx, phoneE164); clearErr != nil {
			s.log.Warn("failed to clear undelivered code", "phone", phone.Mask(phoneE164), "error", clearErr)
		}
		return apperr.Wrap(apperr.CodeSMSSendFailed, err)
	}

	s.log.Info("verification code sent",
		"phone", phone.Mask(phoneE164), "backend", backend, "message_id", msgID)
	return nil
}

// VerifyCode checks a submitted code against the stored record. On success
// the record is consumed; on mismatch the attempt counter advances and the
// caller is told whether the failure should count against the account.
func (s *VerificationService) VerifyCode(ctx context.Context, phoneE164, code string) error {
	if len(code) != codeLength || !allDigits(code) {
		return apperr.New(apperr.CodeInvalidCodeLength)
	}

	now := s.now()
	rec, _, err := s.cache.Get(ctx, phoneE164)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageUnavailable, err)
	}
	if rec == nil {
		return apperr.New(apperr.CodeNotFound)
	}
	if rec.Expired(now) {
		if err := s.cache.Clear(ctx, phoneE164); err != nil {
			s.log.Warn("failed to clear expired code", "phone", phone.Mask(phoneE164), "error", err)
		}
		return apperr.New(apperr.CodeExpired)
	}

	// Count the attempt before comparing so a correct guess on attempt
	// max+1 still fails.
	attempts, _, err := s.cache.IncrementAttempt(ctx, phoneE164)
	if err != nil {
		if errors.Is(err, otpcache.ErrNoAttempt) {
			return apperr.New(apperr.CodeNotFound)
		}
		return apperr.Wrap(apperr.CodeStorageUnavailable, err)
	}
	if attempts > s.maxAttempts {
		if err := s.cache.Clear(ctx, phoneE164); err != nil {
			s.log.Warn("failed to clear exhausted code", "phone", phone.Mask(phoneE164), "error", err)
		}
		return apperr.New(apperr.CodeTooManyAttempts)
	}

	want, err := s.enc.Decrypt(*rec, phoneE164)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err)
	}

	if subtle.ConstantTimeCompare([]byte(want), []byte(code)) != 1 {
		return apperr.Mismatch(s.maxAttempts - attempts)
	}

	// Consumed: a code never verifies twice.
	if err := s.cache.Clear(ctx, phoneE164); err != nil {
		s.log.Warn("failed to clear consumed code", "phone", phone.Mask(phoneE164), "error", err)
	}
	return nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
