// Package link binds department accounts to kiosk sessions after the citizen
// proves control of the account's registered phone with an OTP.
package link

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/civickiosk/server/internal/apperr"
	"github.com/civickiosk/server/internal/mask"
	"github.com/civickiosk/server/internal/metrics"
	"github.com/civickiosk/server/internal/model"
	"github.com/civickiosk/server/internal/otp"
	"github.com/civickiosk/server/internal/repo"
	"github.com/google/uuid"
)

const (
	defaultSessionTTL = 30 * time.Minute

	// A confirm that loses the consume race to a concurrent confirm of the same
	// challenge waits up to settleTries*settleDelay for the winner's link.
	settleWindow = 2 * time.Second
	settleDelay  = 25 * time.Millisecond
	settleTries  = 8
)

// Authenticator runs the request/confirm link flow
type Authenticator struct {
	dir        Directory
	otp        *otp.Store
	links      repo.LinkRepo
	sessionTTL time.Duration
	echoCodes  bool
	log        *slog.Logger
	nowF       func() time.Time

	settleDelay time.Duration
	settleTries int
}

// Option configures an Authenticator
type Option func(*Authenticator)

// WithSessionTTL sets the link record lifetime used for sessions without an expiry
func WithSessionTTL(ttl time.Duration) Option {
	return func(a *Authenticator) {
		if ttl > 0 {
			a.sessionTTL = ttl
		}
	}
}

// WithDevCodes returns the plaintext OTP in RequestResult. Development only.
func WithDevCodes(enabled bool) Option {
	return func(a *Authenticator) { a.echoCodes = enabled }
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) Option {
	return func(a *Authenticator) { a.log = log }
}

// NewAuthenticator creates an Authenticator
func NewAuthenticator(dir Directory, store *otp.Store, links repo.LinkRepo, opts ...Option) *Authenticator {
	a := &Authenticator{
		dir:        dir,
		otp:        store,
		links:      links,
		sessionTTL: defaultSessionTTL,
		log:        slog.Default(),
		nowF:       func() time.Time { return time.Now().UTC() },

		settleDelay: settleDelay,
		settleTries: settleTries,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RequestResult is returned by RequestLink
type RequestResult struct {
	ChallengeID uuid.UUID
	ExpiresAt   time.Time
	MaskedPhone string
	// DevCode is only set when dev codes are enabled
	DevCode string
}

// Status is the caller-facing view of one (session, department) link
type Status struct {
	Department   string
	State        model.LinkStatus
	Linked       *model.LinkedAccount
	PendingUntil *time.Time
}

// RequestLink resolves the account and sends an OTP to its registered phone.
// No OTP is issued for an account the directory does not know.
func (a *Authenticator) RequestLink(ctx context.Context, sess model.Session, department, accountNumber string) (RequestResult, error) {
	department = strings.TrimSpace(department)
	accountNumber = strings.ToUpper(strings.TrimSpace(accountNumber))
	if department == "" || accountNumber == "" {
		return RequestResult{}, apperr.New(apperr.CodeInvalidRequest, "department and accountNumber are required")
	}
	ttl, err := a.recordTTL(sess)
	if err != nil {
		return RequestResult{}, err
	}

	acct, err := a.dir.Lookup(ctx, department, accountNumber)
	if err != nil {
		return RequestResult{}, directoryError(err)
	}

	issued, err := a.otp.Issue(ctx, otp.IssueRequest{
		SessionID:     sess.ID,
		Department:    department,
		AccountNumber: accountNumber,
		Phone:         acct.Phone,
		Purpose:       model.PurposeLink,
	})
	if err != nil {
		return RequestResult{}, otpError(err)
	}

	state, err := a.load(ctx, sess.ID, department)
	if err != nil {
		return RequestResult{}, err
	}
	state.PendingAccount = accountNumber
	state.PendingID = issued.Challenge.ID
	state.PendingUntil = issued.Challenge.ExpiresAt
	state.UpdatedAt = a.nowF()
	if err := a.links.Save(ctx, &state, ttl); err != nil {
		return RequestResult{}, apperr.Wrap(apperr.CodeInternal, "failed to save link state", err)
	}

	a.log.InfoContext(ctx, "link otp issued",
		slog.String("session_id", sess.ID.String()),
		slog.String("department", department),
		slog.String("account", mask.Account(accountNumber)),
	)

	res := RequestResult{
		ChallengeID: issued.Challenge.ID,
		ExpiresAt:   issued.Challenge.ExpiresAt,
		MaskedPhone: mask.Phone(acct.Phone),
	}
	if a.echoCodes {
		res.DevCode = issued.Code
	}
	return res, nil
}

// ConfirmLink verifies the code and links the account to the session.
// Confirming a challenge that already produced the session's current link
// returns that link again.
func (a *Authenticator) ConfirmLink(ctx context.Context, sess model.Session, challengeID uuid.UUID, code string) (model.LinkedAccount, error) {
	code = strings.TrimSpace(code)
	if challengeID == uuid.Nil || code == "" {
		return model.LinkedAccount{}, apperr.New(apperr.CodeInvalidRequest, "challengeId and code are required")
	}
	ttl, err := a.recordTTL(sess)
	if err != nil {
		return model.LinkedAccount{}, err
	}

	c, err := a.otp.Get(ctx, challengeID)
	if err != nil {
		return model.LinkedAccount{}, otpError(err)
	}
	// A challenge from another session is indistinguishable from an unknown one.
	if c.SessionID != sess.ID || c.Purpose != model.PurposeLink {
		return model.LinkedAccount{}, apperr.New(apperr.CodeChallengeNotFound, "challenge not found")
	}
	if c.Status == model.ChallengeConsumed {
		return a.existingLink(ctx, sess, c, code)
	}

	verified, err := a.otp.Verify(ctx, challengeID, code)
	if err != nil {
		if errors.Is(err, otp.ErrConsumed) {
			return a.existingLink(ctx, sess, verified, code)
		}
		return model.LinkedAccount{}, otpError(err)
	}

	now := a.nowF()
	linked := model.LinkedAccount{
		SessionID:     sess.ID,
		Department:    c.Department,
		AccountNumber: c.AccountNumber,
		LinkedAt:      now,
		ChallengeID:   c.ID,
	}
	state, err := a.load(ctx, sess.ID, c.Department)
	if err != nil {
		return model.LinkedAccount{}, err
	}
	state.Linked = &linked
	if state.PendingID == c.ID {
		state.PendingID = uuid.Nil
		state.PendingAccount = ""
		state.PendingUntil = time.Time{}
	}
	state.UpdatedAt = now
	if err := a.links.Save(ctx, &state, ttl); err != nil {
		return model.LinkedAccount{}, apperr.Wrap(apperr.CodeInternal, "failed to save link", err)
	}

	metrics.AccountsLinked.WithLabelValues(c.Department).Inc()
	a.log.InfoContext(ctx, "account linked",
		slog.String("session_id", sess.ID.String()),
		slog.String("department", c.Department),
		slog.String("account", mask.Account(c.AccountNumber)),
	)
	return linked, nil
}

// existingLink answers a confirm of an already consumed challenge. Only the
// correct code gets the link back, and only if this challenge produced it. A
// challenge consumed moments ago may belong to a concurrent confirm that has
// not saved its link yet, so that case is polled briefly.
func (a *Authenticator) existingLink(ctx context.Context, sess model.Session, c model.OtpChallenge, code string) (model.LinkedAccount, error) {
	if !a.otp.Matches(c, code) {
		return model.LinkedAccount{}, apperr.New(apperr.CodeOTPAlreadyUsed, "code already used")
	}
	for attempt := 0; ; attempt++ {
		state, err := a.load(ctx, sess.ID, c.Department)
		if err != nil {
			return model.LinkedAccount{}, err
		}
		if state.Linked != nil && state.Linked.ChallengeID == c.ID {
			return *state.Linked, nil
		}
		if attempt >= a.settleTries || !a.justConsumed(c) {
			return model.LinkedAccount{}, apperr.New(apperr.CodeOTPAlreadyUsed, "code already used")
		}
		select {
		case <-ctx.Done():
			return model.LinkedAccount{}, apperr.Wrap(apperr.CodeInternal, "confirm cancelled", ctx.Err())
		case <-time.After(a.settleDelay):
		}
	}
}

func (a *Authenticator) justConsumed(c model.OtpChallenge) bool {
	return c.ConsumedAt != nil && a.nowF().Sub(*c.ConsumedAt) < settleWindow
}

// State reports the link state of a department in the session
func (a *Authenticator) State(ctx context.Context, sess model.Session, department string) (Status, error) {
	if !a.dir.Known(department) {
		return Status{}, apperr.New(apperr.CodeUnknownDepartment, "unknown department")
	}
	state, err := a.load(ctx, sess.ID, department)
	if err != nil {
		return Status{}, err
	}
	return a.status(state), nil
}

// Linked returns the account linked for department, or ACCOUNT_NOT_LINKED
func (a *Authenticator) Linked(ctx context.Context, sess model.Session, department string) (model.LinkedAccount, error) {
	state, err := a.load(ctx, sess.ID, department)
	if err != nil {
		return model.LinkedAccount{}, err
	}
	if state.Linked == nil {
		return model.LinkedAccount{}, apperr.New(apperr.CodeAccountNotLinked, "no account linked for department")
	}
	return *state.Linked, nil
}

// List returns every department state recorded for the session
func (a *Authenticator) List(ctx context.Context, sess model.Session) ([]Status, error) {
	states, err := a.links.List(ctx, sess.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to list links", err)
	}
	out := make([]Status, 0, len(states))
	for _, s := range states {
		out = append(out, a.status(s))
	}
	return out, nil
}

// Unlink forgets the department's link and any pending request
func (a *Authenticator) Unlink(ctx context.Context, sess model.Session, department string) error {
	if !a.dir.Known(department) {
		return apperr.New(apperr.CodeUnknownDepartment, "unknown department")
	}
	if err := a.links.Delete(ctx, sess.ID, department); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "failed to unlink", err)
	}
	return nil
}

func (a *Authenticator) status(s model.LinkState) Status {
	st := Status{
		Department: s.Department,
		State:      s.Status(a.nowF()),
		Linked:     s.Linked,
	}
	if st.State == model.LinkAwaitingOTP {
		until := s.PendingUntil
		st.PendingUntil = &until
	}
	return st
}

func (a *Authenticator) load(ctx context.Context, sessionID uuid.UUID, department string) (model.LinkState, error) {
	state, err := a.links.Get(ctx, sessionID, department)
	if errors.Is(err, repo.ErrNotFound) {
		return model.LinkState{SessionID: sessionID, Department: department}, nil
	}
	if err != nil {
		return model.LinkState{}, apperr.Wrap(apperr.CodeInternal, "failed to load link state", err)
	}
	return state, nil
}

// recordTTL is how long link records may live: until the session ends
func (a *Authenticator) recordTTL(sess model.Session) (time.Duration, error) {
	if sess.ExpiresAt.IsZero() {
		return a.sessionTTL, nil
	}
	ttl := sess.ExpiresAt.Sub(a.nowF())
	if ttl <= 0 {
		return 0, apperr.New(apperr.CodeUnauthorized, "session expired")
	}
	return ttl, nil
}

func directoryError(err error) error {
	switch {
	case errors.Is(err, ErrUnknownDepartment):
		return apperr.Wrap(apperr.CodeUnknownDepartment, "unknown department", err)
	case errors.Is(err, ErrInvalidAccount):
		return apperr.Wrap(apperr.CodeInvalidAccount, "account number format is invalid", err)
	case errors.Is(err, ErrAccountNotFound):
		return apperr.Wrap(apperr.CodeAccountNotFound, "account not found", err)
	default:
		return apperr.Wrap(apperr.CodeInternal, "account lookup failed", err)
	}
}

func otpError(err error) error {
	var mismatch *otp.MismatchError
	switch {
	case errors.As(err, &mismatch):
		remaining := mismatch.Remaining
		return &apperr.Error{Code: apperr.CodeInvalidOTP, Message: "incorrect code", Err: err, AttemptsRemaining: &remaining}
	case errors.Is(err, otp.ErrNotFound):
		return apperr.Wrap(apperr.CodeChallengeNotFound, "challenge not found", err)
	case errors.Is(err, otp.ErrExpired):
		return apperr.Wrap(apperr.CodeExpired, "code expired", err)
	case errors.Is(err, otp.ErrExhausted):
		return apperr.Wrap(apperr.CodeOTPExhausted, "too many incorrect attempts", err)
	case errors.Is(err, otp.ErrSuperseded):
		return apperr.Wrap(apperr.CodeOTPSuperseded, "a newer code was requested", err)
	case errors.Is(err, otp.ErrConsumed):
		return apperr.Wrap(apperr.CodeOTPAlreadyUsed, "code already used", err)
	case errors.Is(err, otp.ErrRateLimited):
		return apperr.Wrap(apperr.CodeRateLimited, "too many code requests, try again later", err)
	case errors.Is(err, otp.ErrDelivery):
		return apperr.Wrap(apperr.CodeDeliveryFailed, "could not send the code", err)
	default:
		return apperr.Wrap(apperr.CodeInternal, "otp failure", err)
	}
}
