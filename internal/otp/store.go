// Package otp manages the lifecycle of one-time codes used to prove control of
// the mobile number registered on a department account.
package otp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/civickiosk/server/internal/mask"
	"github.com/civickiosk/server/internal/metrics"
	"github.com/civickiosk/server/internal/model"
	"github.com/civickiosk/server/internal/repo"
	"github.com/google/uuid"
)

const (
	DefaultTTL          = 5 * time.Minute
	DefaultMaxAttempts  = 5
	DefaultRateWindow   = 10 * time.Minute
	DefaultMaxPerWindow = 3

	// devCode is the fixed code used when OTP dev mode is enabled
	devCode = "123456"
)

// Verification failures. Every one of them is terminal for the challenge except
// a mismatch that leaves attempts remaining.
var (
	ErrNotFound    = errors.New("otp: challenge not found")
	ErrExpired     = errors.New("otp: challenge expired")
	ErrExhausted   = errors.New("otp: attempts exhausted")
	ErrConsumed    = errors.New("otp: challenge already consumed")
	ErrSuperseded  = errors.New("otp: challenge superseded by a newer one")
	ErrMismatch    = errors.New("otp: code mismatch")
	ErrRateLimited = errors.New("otp: rate limit exceeded")
	ErrDelivery    = errors.New("otp: delivery failed")
)

// MismatchError reports a wrong code on a challenge that still accepts attempts
type MismatchError struct {
	Remaining int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("otp: code mismatch, %d attempts remaining", e.Remaining)
}

func (e *MismatchError) Unwrap() error { return ErrMismatch }

// Config tunes code lifetime, attempt budget and issue rate limiting
type Config struct {
	TTL          time.Duration
	MaxAttempts  int
	Salt         string
	RateWindow   time.Duration
	MaxPerWindow int
	// DevMode issues the fixed code 123456 so kiosks can be exercised without SMS
	DevMode bool
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RateWindow <= 0 {
		c.RateWindow = DefaultRateWindow
	}
	if c.MaxPerWindow <= 0 {
		c.MaxPerWindow = DefaultMaxPerWindow
	}
}

// IssueRequest identifies who a challenge is for
type IssueRequest struct {
	SessionID     uuid.UUID
	Department    string
	AccountNumber string
	Phone         string
	Purpose       model.Purpose
}

// Issued is the result of Issue. Code is the plaintext code; callers must not
// expose it outside development mode.
type Issued struct {
	Challenge model.OtpChallenge
	Code      string
}

// Store issues and verifies OTP challenges on top of a ChallengeRepo
type Store struct {
	repo   repo.ChallengeRepo
	sender Sender
	cfg    Config
	log    *slog.Logger
	nowF   func() time.Time
	codeF  func() (string, error)
}

// NewStore creates an OTP store
func NewStore(challenges repo.ChallengeRepo, sender Sender, cfg Config, log *slog.Logger) *Store {
	cfg.applyDefaults()
	s := &Store{
		repo:   challenges,
		sender: sender,
		cfg:    cfg,
		log:    log,
		nowF:   func() time.Time { return time.Now().UTC() },
		codeF:  generateCode,
	}
	if cfg.DevMode {
		s.codeF = func() (string, error) { return devCode, nil }
	}
	return s
}

// Issue creates a new challenge for the key, superseding any pending one, and
// hands the code to the Sender.
func (s *Store) Issue(ctx context.Context, req IssueRequest) (Issued, error) {
	now := s.nowF()
	if req.Purpose == "" {
		req.Purpose = model.PurposeNone
	}

	count, err := s.repo.CountRecent(ctx, req.Department, req.AccountNumber, now.Add(-s.cfg.RateWindow))
	if err != nil {
		return Issued{}, fmt.Errorf("rate limit check: %w", err)
	}
	if count >= s.cfg.MaxPerWindow {
		return Issued{}, fmt.Errorf("max %d OTP requests per %v: %w", s.cfg.MaxPerWindow, s.cfg.RateWindow, ErrRateLimited)
	}

	code, err := s.codeF()
	if err != nil {
		return Issued{}, err
	}

	c := model.OtpChallenge{
		ID:                uuid.New(),
		SessionID:         req.SessionID,
		Department:        req.Department,
		AccountNumber:     req.AccountNumber,
		Purpose:           req.Purpose,
		CodeHash:          hashCode(req.Department, req.AccountNumber, code, s.cfg.Salt),
		Status:            model.ChallengePending,
		IssuedAt:          now,
		ExpiresAt:         now.Add(s.cfg.TTL),
		AttemptsRemaining: s.cfg.MaxAttempts,
	}
	if err := s.repo.Replace(ctx, &c); err != nil {
		return Issued{}, fmt.Errorf("store challenge: %w", err)
	}

	err = s.sender.Send(ctx, Delivery{
		Phone:      req.Phone,
		Department: req.Department,
		Code:       code,
		ExpiresAt:  c.ExpiresAt,
	})
	if err != nil {
		// An undelivered code must not stay redeemable.
		if expErr := s.repo.Expire(ctx, c.ID, now); expErr != nil {
			s.log.WarnContext(ctx, "failed to expire undelivered challenge", slog.String("challenge_id", c.ID.String()), slog.Any("error", expErr))
		}
		s.log.ErrorContext(ctx, "otp delivery failed",
			slog.String("department", req.Department),
			slog.String("phone", mask.Phone(req.Phone)),
			slog.Any("error", err),
		)
		return Issued{}, fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	metrics.OTPIssued.WithLabelValues(req.Department).Inc()
	return Issued{Challenge: c, Code: code}, nil
}

// Verify checks code against the challenge. It succeeds at most once per
// challenge; replays of a consumed challenge fail with ErrConsumed. On failure
// the returned challenge is the last state read, when one exists.
func (s *Store) Verify(ctx context.Context, challengeID uuid.UUID, code string) (model.OtpChallenge, error) {
	c, err := s.verify(ctx, challengeID, code)
	metrics.OTPVerifications.WithLabelValues(verifyResult(err)).Inc()
	return c, err
}

func (s *Store) verify(ctx context.Context, challengeID uuid.UUID, code string) (model.OtpChallenge, error) {
	c, err := s.get(ctx, challengeID)
	if err != nil {
		return model.OtpChallenge{}, err
	}
	if err := statusErr(c.Status); err != nil {
		return c, err
	}

	now := s.nowF()
	if c.ExpiredAt(now) {
		if err := s.repo.Expire(ctx, c.ID, now); err != nil && !errors.Is(err, repo.ErrConflict) {
			return c, fmt.Errorf("expire challenge: %w", err)
		}
		c.Status = model.ChallengeExpired
		return c, ErrExpired
	}

	if !constantTimeCompare(hashCode(c.Department, c.AccountNumber, code, s.cfg.Salt), c.CodeHash) {
		updated, err := s.repo.RecordMismatch(ctx, c.ID, now)
		if errors.Is(err, repo.ErrConflict) {
			return s.reread(ctx, c)
		}
		if err != nil {
			return c, fmt.Errorf("record attempt: %w", err)
		}
		if updated.Status == model.ChallengeExhausted {
			return updated, ErrExhausted
		}
		return updated, &MismatchError{Remaining: updated.AttemptsRemaining}
	}

	if err := s.repo.Consume(ctx, c.ID, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return s.reread(ctx, c)
		}
		return c, fmt.Errorf("consume challenge: %w", err)
	}
	c.Status = model.ChallengeConsumed
	c.ConsumedAt = &now
	return c, nil
}

// Matches reports whether code is the challenge's code. It reads nothing and
// changes nothing, so it spends no attempts.
func (s *Store) Matches(c model.OtpChallenge, code string) bool {
	return constantTimeCompare(hashCode(c.Department, c.AccountNumber, code, s.cfg.Salt), c.CodeHash)
}

// Get returns the challenge record without touching its state
func (s *Store) Get(ctx context.Context, challengeID uuid.UUID) (model.OtpChallenge, error) {
	return s.get(ctx, challengeID)
}

func (s *Store) get(ctx context.Context, challengeID uuid.UUID) (model.OtpChallenge, error) {
	c, err := s.repo.Get(ctx, challengeID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.OtpChallenge{}, ErrNotFound
	}
	if err != nil {
		return model.OtpChallenge{}, fmt.Errorf("load challenge: %w", err)
	}
	return c, nil
}

// reread resolves a lost compare-and-set into the error for whatever terminal
// state the winner left behind
func (s *Store) reread(ctx context.Context, prev model.OtpChallenge) (model.OtpChallenge, error) {
	c, err := s.get(ctx, prev.ID)
	if err != nil {
		return prev, err
	}
	if err := statusErr(c.Status); err != nil {
		return c, err
	}
	if c.ExpiredAt(s.nowF()) {
		return c, ErrExpired
	}
	return c, fmt.Errorf("challenge %s changed concurrently: %w", c.ID, repo.ErrConflict)
}

func statusErr(status model.ChallengeStatus) error {
	switch status {
	case model.ChallengePending:
		return nil
	case model.ChallengeConsumed:
		return ErrConsumed
	case model.ChallengeExhausted:
		return ErrExhausted
	case model.ChallengeExpired:
		return ErrExpired
	case model.ChallengeSuperseded:
		return ErrSuperseded
	default:
		return fmt.Errorf("otp: unknown challenge status %q", status)
	}
}

func verifyResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMismatch):
		return "mismatch"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrExhausted):
		return "exhausted"
	case errors.Is(err, ErrConsumed):
		return "consumed"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Purge deletes challenges that finished or expired more than retention ago
func (s *Store) Purge(ctx context.Context, retention time.Duration) (int, error) {
	return s.repo.Purge(ctx, s.nowF().Add(-retention))
}

// RunPurge purges on every tick until ctx is cancelled. Expiry is enforced at
// verify time, so this is housekeeping only.
func (s *Store) RunPurge(ctx context.Context, every, retention time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Purge(ctx, retention)
			if err != nil {
				s.log.WarnContext(ctx, "otp purge failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				s.log.InfoContext(ctx, "purged otp challenges", slog.Int("count", n))
			}
		}
	}
}
