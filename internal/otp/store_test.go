package otp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/civickiosk/server/internal/model"
	"github.com/civickiosk/server/internal/repo"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu   sync.Mutex
	sent []Delivery
	err  error
}

func (c *captureSender) Send(_ context.Context, d Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, d)
	return nil
}

func (c *captureSender) last() Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

type fixture struct {
	store  *Store
	repo   *repo.MemoryChallengeRepo
	sender *captureSender
	clock  time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		repo:   repo.NewMemoryChallengeRepo(),
		sender: &captureSender{},
		clock:  time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC),
	}
	if cfg.Salt == "" {
		cfg.Salt = "test-salt"
	}
	f.store = NewStore(f.repo, f.sender, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.store.nowF = func() time.Time { return f.clock }
	return f
}

func (f *fixture) issue(t *testing.T, account string) Issued {
	t.Helper()
	issued, err := f.store.Issue(context.Background(), IssueRequest{
		SessionID:     uuid.New(),
		Department:    "electricity",
		AccountNumber: account,
		Phone:         "+919876543210",
		Purpose:       model.PurposeLink,
	})
	require.NoError(t, err)
	return issued
}

func wrongCode(code string) string {
	if code == "000000" {
		return "000001"
	}
	return "000000"
}

func TestIssue_storesOnlyHashAndDeliversCode(t *testing.T) {
	f := newFixture(t, Config{})
	issued := f.issue(t, "ELEC123456")

	assert.Len(t, issued.Code, 6)
	assert.Equal(t, issued.Code, f.sender.last().Code)
	assert.Equal(t, "+919876543210", f.sender.last().Phone)

	stored, err := f.repo.Get(context.Background(), issued.Challenge.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(stored.CodeHash), issued.Code)
	assert.Equal(t, hashCode("electricity", "ELEC123456", issued.Code, "test-salt"), stored.CodeHash)
	assert.Equal(t, DefaultMaxAttempts, stored.AttemptsRemaining)
	assert.Equal(t, f.clock.Add(DefaultTTL), stored.ExpiresAt)
	assert.Equal(t, model.PurposeLink, stored.Purpose)
}

func TestVerify_successIsSingleUse(t *testing.T) {
	f := newFixture(t, Config{})
	issued := f.issue(t, "ELEC123456")
	ctx := context.Background()

	c, err := f.store.Verify(ctx, issued.Challenge.ID, issued.Code)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeConsumed, c.Status)

	_, err = f.store.Verify(ctx, issued.Challenge.ID, issued.Code)
	assert.ErrorIs(t, err, ErrConsumed)
}

func TestIssue_supersedesPreviousChallenge(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	first := f.issue(t, "ELEC123456")
	second := f.issue(t, "ELEC123456")

	_, err := f.store.Verify(ctx, first.Challenge.ID, first.Code)
	assert.ErrorIs(t, err, ErrSuperseded)

	_, err = f.store.Verify(ctx, second.Challenge.ID, second.Code)
	assert.NoError(t, err)
}

func TestVerify_mismatchDecrementsThenExhausts(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	issued := f.issue(t, "ELEC123456")
	bad := wrongCode(issued.Code)

	for want := DefaultMaxAttempts - 1; want > 0; want-- {
		_, err := f.store.Verify(ctx, issued.Challenge.ID, bad)
		var mismatch *MismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.ErrorIs(t, err, ErrMismatch)
		assert.Equal(t, want, mismatch.Remaining)
	}

	_, err := f.store.Verify(ctx, issued.Challenge.ID, bad)
	require.ErrorIs(t, err, ErrExhausted)

	c, err := f.store.Verify(ctx, issued.Challenge.ID, issued.Code)
	assert.ErrorIs(t, err, ErrExhausted, "a correct code after exhaustion must still fail")
	assert.Equal(t, model.ChallengeExhausted, c.Status)
}

func TestVerify_expiredIsTerminal(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Minute})
	ctx := context.Background()
	issued := f.issue(t, "ELEC123456")

	f.clock = f.clock.Add(time.Minute)
	c, err := f.store.Verify(ctx, issued.Challenge.ID, issued.Code)
	require.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, model.ChallengeExpired, c.Status)

	f.clock = f.clock.Add(-30 * time.Second)
	_, err = f.store.Verify(ctx, issued.Challenge.ID, issued.Code)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_unknownChallenge(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.store.Verify(context.Background(), uuid.New(), "123456")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerify_concurrentCorrectCodesHaveOneWinner(t *testing.T) {
	f := newFixture(t, Config{})
	issued := f.issue(t, "ELEC123456")

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, consumed int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.store.Verify(context.Background(), issued.Challenge.ID, issued.Code)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConsumed):
				consumed++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, consumed)
}

func TestIssue_rateLimited(t *testing.T) {
	f := newFixture(t, Config{MaxPerWindow: 2, RateWindow: 10 * time.Minute})
	f.issue(t, "ELEC123456")
	f.issue(t, "ELEC123456")

	_, err := f.store.Issue(context.Background(), IssueRequest{Department: "electricity", AccountNumber: "ELEC123456"})
	assert.ErrorIs(t, err, ErrRateLimited)

	f.clock = f.clock.Add(11 * time.Minute)
	_, err = f.store.Issue(context.Background(), IssueRequest{Department: "electricity", AccountNumber: "ELEC123456"})
	assert.NoError(t, err)
}

func TestIssue_deliveryFailureExpiresChallenge(t *testing.T) {
	f := newFixture(t, Config{})
	f.sender.err = errors.New("provider down")

	_, err := f.store.Issue(context.Background(), IssueRequest{Department: "electricity", AccountNumber: "ELEC123456"})
	require.ErrorIs(t, err, ErrDelivery)

	n, err := f.repo.CountRecent(context.Background(), "electricity", "ELEC123456", f.clock.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIssue_devModeUsesFixedCode(t *testing.T) {
	f := newFixture(t, Config{DevMode: true})
	issued := f.issue(t, "ELEC123456")
	assert.Equal(t, "123456", issued.Code)

	_, err := f.store.Verify(context.Background(), issued.Challenge.ID, "123456")
	assert.NoError(t, err)
}

func TestPurge(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Minute})
	issued := f.issue(t, "ELEC123456")

	f.clock = f.clock.Add(time.Hour)
	n, err := f.store.Purge(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.Verify(context.Background(), issued.Challenge.ID, issued.Code)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurge_exhaustedChallengeAgesFromStoreClock(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Hour, MaxAttempts: 1})
	ctx := context.Background()
	issued := f.issue(t, "ELEC123456")
	exhaustedAt := f.clock

	_, err := f.store.Verify(ctx, issued.Challenge.ID, wrongCode(issued.Code))
	require.ErrorIs(t, err, ErrExhausted)
	c, err := f.store.Get(ctx, issued.Challenge.ID)
	require.NoError(t, err)
	require.NotNil(t, c.ConsumedAt)
	assert.Equal(t, exhaustedAt, *c.ConsumedAt)

	f.clock = exhaustedAt.Add(5 * time.Minute)
	n, err := f.store.Purge(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "still inside the retention window")

	f.clock = exhaustedAt.Add(20 * time.Minute)
	n, err = f.store.Purge(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
