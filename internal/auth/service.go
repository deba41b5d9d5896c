package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quickgig/auth-service/internal/apperr"
	"github.com/quickgig/auth-service/internal/defense"
	"github.com/quickgig/auth-service/internal/model"
	"github.com/quickgig/auth-service/internal/phone"
	"github.com/quickgig/auth-service/internal/repo"
)

// slowPenalty is the extra response delay applied when the attack detector
// recommends slowing a request stream down.
const slowPenalty = 500 * time.Millisecond

// Request carries the per-request context the defence layer keys on.
type Request struct {
	Phone     string
	Country   string
	Code      string
	IP        string
	UserAgent string
}

// VerifyResult is the outcome of a successful code verification.
type VerifyResult struct {
	User                  *model.User
	Tokens                *TokenPair
	RequiresTypeSelection bool
}

// Service orchestrates authentication: phone normalization, the defence
// layer, OTP verification, user lookup and token issuance.
type Service struct {
	verification *VerificationService
	tokens       *TokenService
	users        repo.UserRepo
	lock         *defense.AccountLock
	detector     *defense.Detector
	delayer      *defense.Delayer
	audit        repo.AuditRepo

	allowRegistration bool
	// requireImmediateType withholds the refresh token from type-unset users,
	// so a durable session only exists once the marketplace side is chosen.
	requireImmediateType bool

	log *slog.Logger
	now func() time.Time
}

// NewService creates the auth service facade.
func NewService(
	verification *VerificationService,
	tokens *TokenService,
	users repo.UserRepo,
	lock *defense.AccountLock,
	detector *defense.Detector,
	delayer *defense.Delayer,
	audit repo.AuditRepo,
	allowRegistration bool,
	requireImmediateType bool,
	log *slog.Logger,
) *Service {
	return &Service{
		verification:         verification,
		tokens:               tokens,
		users:                users,
		lock:                 lock,
		detector:             detector,
		delayer:              delayer,
		audit:                audit,
		allowRegistration:    allowRegistration,
		requireImmediateType: requireImmediateType,
		log:                  log,
		now:                  time.Now,
	}
}

// SendCode normalizes the phone, runs the defence checks and sends a
// verification code. Locked or blocked phones fast-fail before the shaped
// section; every other outcome shares the same response-latency floor.
func (s *Service) SendCode(ctx context.Context, req Request) error {
	phoneE164, err := phone.Normalize(req.Phone, req.Country)
	if err != nil {
		return err
	}
	if err := s.guard(ctx, phoneE164, req.IP); err != nil {
		s.record(ctx, model.AuditSendCode, phoneE164, req, err)
		return err
	}

	start := s.now()
	err = s.sendCode(ctx, phoneE164, req)
	if holdErr := s.delayer.Hold(ctx, start, s.penalty(phoneE164, req.IP)); holdErr != nil {
		return holdErr
	}
	return err
}

func (s *Service) sendCode(ctx context.Context, phoneE164 string, req Request) error {
	err := s.verification.SendCode(ctx, phoneE164)
	s.detector.Observe(defense.Event{
		Kind:  defense.EventSendCode,
		Phone: phoneE164,
		IP:    req.IP,
		At:    s.now(),
	})
	s.record(ctx, model.AuditSendCode, phoneE164, req, err)
	return err
}

// VerifyCode checks the submitted code and, on success, resolves the user and
// issues a token pair. Failures advance the account-lock counter and feed the
// attack detector.
func (s *Service) VerifyCode(ctx context.Context, req Request) (*VerifyResult, error) {
	phoneE164, err := phone.Normalize(req.Phone, req.Country)
	if err != nil {
		return nil, err
	}
	if err := s.guard(ctx, phoneE164, req.IP); err != nil {
		s.record(ctx, model.AuditVerifyCode, phoneE164, req, err)
		return nil, err
	}

	start := s.now()
	res, err := s.verifyCode(ctx, phoneE164, req)
	if holdErr := s.delayer.Hold(ctx, start, s.penalty(phoneE164, req.IP)); holdErr != nil {
		return nil, holdErr
	}
	return res, err
}

func (s *Service) verifyCode(ctx context.Context, phoneE164 string, req Request) (*VerifyResult, error) {
	if err := s.verification.VerifyCode(ctx, phoneE164, req.Code); err != nil {
		if countsAsFailure(err) {
			if _, lockErr := s.lock.RecordFailure(ctx, phoneE164); lockErr != nil {
				s.log.Error("failed to record lock failure", "phone", phone.Mask(phoneE164), "error", lockErr)
			}
			s.detector.Observe(defense.Event{
				Kind:   defense.EventVerifyFailure,
				Phone:  phoneE164,
				IP:     req.IP,
				Reason: string(apperr.CodeOf(err)),
				At:     s.now(),
			})
		}
		s.record(ctx, model.AuditVerifyCode, phoneE164, req, err)
		return nil, err
	}

	if err := s.lock.Reset(ctx, phoneE164); err != nil {
		s.log.Error("failed to reset lock state", "phone", phone.Mask(phoneE164), "error", err)
	}

	user, err := s.resolveUser(ctx, phoneE164)
	if err != nil {
		s.record(ctx, model.AuditVerifyCode, phoneE164, req, err)
		return nil, err
	}

	loginAt := s.now()
	if err := s.users.UpdateLastLogin(ctx, user.ID, loginAt); err != nil {
		s.log.Error("failed to update last login", "user_id", user.ID, "error", err)
	} else {
		user.LastLoginAt = &loginAt
	}

	var pair *TokenPair
	if s.requireImmediateType && user.UserType == model.UserTypeUnset {
		// No refresh token until the side is chosen; SelectUserType issues
		// the durable pair.
		pair, err = s.tokens.IssueAccessOnly(user)
	} else {
		pair, err = s.tokens.Issue(ctx, user)
	}
	if err != nil {
		s.record(ctx, model.AuditVerifyCode, phoneE164, req, err)
		return nil, apperr.Wrap(apperr.CodeInternal, err)
	}

	s.record(ctx, model.AuditVerifyCode, phoneE164, req, nil)
	return &VerifyResult{
		User:                  user,
		Tokens:                pair,
		RequiresTypeSelection: user.UserType == model.UserTypeUnset,
	}, nil
}

// SelectUserType sets the user's marketplace side. The choice is one-shot; a
// second selection fails even when it names the same side. A fresh token pair
// is issued so the user_type claim is current.
func (s *Service) SelectUserType(ctx context.Context, userID uuid.UUID, userType model.UserType) (*VerifyResult, error) {
	if !userType.Valid() {
		return nil, apperr.New(apperr.CodeInvalidUserType)
	}

	if err := s.users.UpdateUserType(ctx, userID, userType); err != nil {
		if errors.Is(err, repo.ErrTypeAlreadySelected) {
			return nil, apperr.New(apperr.CodeUserTypeAlreadySelected)
		}
		return nil, apperr.Wrap(apperr.CodeInternal, err)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err)
	}
	if user == nil {
		return nil, apperr.New(apperr.CodeUserNotFound)
	}

	pair, err := s.tokens.Issue(ctx, user)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err)
	}

	s.audit.Record(ctx, model.AuditEvent{
		ID:          uuid.New(),
		Kind:        model.AuditSelectType,
		PhoneMasked: phone.Mask(user.Phone),
		Result:      "ok",
		CreatedAt:   s.now(),
	})

	return &VerifyResult{User: user, Tokens: pair}, nil
}

// Refresh rotates a refresh token for a new pair.
func (s *Service) Refresh(ctx context.Context, rawToken string, req Request) (*TokenPair, error) {
	pair, err := s.tokens.Refresh(ctx, rawToken)
	s.record(ctx, model.AuditRefresh, "", req, err)
	return pair, err
}

// Logout revokes a single refresh token and its paired access token.
func (s *Service) Logout(ctx context.Context, rawToken string, req Request) error {
	err := s.tokens.Revoke(ctx, rawToken)
	s.record(ctx, model.AuditLogout, "", req, err)
	return err
}

// LogoutAll revokes every session of a user.
func (s *Service) LogoutAll(ctx context.Context, userID uuid.UUID, req Request) error {
	err := s.tokens.RevokeAll(ctx, userID)
	s.record(ctx, model.AuditLogout, "", req, err)
	return err
}

// Me returns the user's profile.
func (s *Service) Me(ctx context.Context, userID uuid.UUID) (*model.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err)
	}
	if user == nil {
		return nil, apperr.New(apperr.CodeUserNotFound)
	}
	return user, nil
}

// guard applies the account lock and the attack detector to a request.
func (s *Service) guard(ctx context.Context, phoneE164, ip string) error {
	state, err := s.lock.Check(ctx, phoneE164)
	if err != nil {
		return apperr.Wrap(apperr.CodeStorageUnavailable, err)
	}
	if state != nil {
		return apperr.Locked(state.LockedUntil)
	}

	action, pattern := s.detector.Assess(phoneE164, ip)
	if action >= defense.ActionChallengeCaptcha {
		s.log.Warn("request blocked by attack detector",
			"phone", phone.Mask(phoneE164), "ip", ip, "pattern", string(pattern))
		return apperr.New(apperr.CodeSuspectedAbuse)
	}
	return nil
}

// penalty returns the extra hold duration for slowed request streams.
func (s *Service) penalty(phoneE164, ip string) time.Duration {
	if action, _ := s.detector.Assess(phoneE164, ip); action == defense.ActionSlow {
		return slowPenalty
	}
	return 0
}

// resolveUser finds the user for a verified phone, creating one when
// registration is open.
func (s *Service) resolveUser(ctx context.Context, phoneE164 string) (*model.User, error) {
	user, err := s.users.FindByPhone(ctx, phoneE164)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err)
	}
	if user != nil {
		return user, nil
	}
	if !s.allowRegistration {
		return nil, apperr.New(apperr.CodeUserNotFound)
	}

	user = &model.User{
		ID:         uuid.New(),
		Phone:      phoneE164,
		UserType:   model.UserTypeUnset,
		IsVerified: true,
		CreatedAt:  s.now(),
	}
	if err := s.users.Create(ctx, *user); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err)
	}
	return user, nil
}

// record writes one audit row; audit failures are logged, never surfaced.
func (s *Service) record(ctx context.Context, kind, phoneE164 string, req Request, opErr error) {
	result := "ok"
	if opErr != nil {
		result = string(apperr.CodeOf(opErr))
	}
	ev := model.AuditEvent{
		ID:          uuid.New(),
		Kind:        kind,
		PhoneMasked: phone.Mask(phoneE164),
		IP:          req.IP,
		UserAgent:   req.UserAgent,
		Result:      result,
		CreatedAt:   s.now(),
	}
	if err := s.audit.Record(ctx, ev); err != nil {
		s.log.Error("failed to write audit record", "kind", kind, "error", err)
	}
}

// countsAsFailure reports whether a verification error should advance the
// account-lock counter and feed the detector. Storage faults and internal
// errors do not punish the caller.
func countsAsFailure(err error) bool {
	switch apperr.CodeOf(err) {
	case apperr.CodeMismatch, apperr.CodeNotFound, apperr.CodeExpired, apperr.CodeTooManyAttempts:
		return true
	}
	return false
}
