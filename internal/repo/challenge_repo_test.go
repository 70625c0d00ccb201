package repo

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/civickiosk/server/internal/db"
	"github.com/civickiosk/server/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// openTestDB returns a migrated, truncated database, or skips when DATABASE_URL is unset
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set; skipping postgres store tests")
	}
	database, err := db.Open(context.Background(), os.Getenv("DATABASE_URL"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database))
	require.NoError(t, db.Truncate(database))
	return database
}

type ChallengeRepoSuite struct {
	suite.Suite
	newRepo func() ChallengeRepo
	repo    ChallengeRepo
	ctx     context.Context
	now     time.Time
}

func (s *ChallengeRepoSuite) SetupTest() {
	s.repo = s.newRepo()
	s.ctx = context.Background()
	s.now = time.Now().UTC().Truncate(time.Microsecond)
}

func (s *ChallengeRepoSuite) challenge(account string) *model.OtpChallenge {
	return &model.OtpChallenge{
		ID:                uuid.New(),
		SessionID:         uuid.New(),
		Department:        "electricity",
		AccountNumber:     account,
		Purpose:           model.PurposeLink,
		CodeHash:          []byte{0x01, 0x02, 0x03},
		Status:            model.ChallengePending,
		IssuedAt:          s.now,
		ExpiresAt:         s.now.Add(5 * time.Minute),
		AttemptsRemaining: 3,
	}
}

func (s *ChallengeRepoSuite) TestReplaceSupersedesPending() {
	first := s.challenge("ELEC000001")
	s.Require().NoError(s.repo.Replace(s.ctx, first))
	second := s.challenge("ELEC000001")
	s.Require().NoError(s.repo.Replace(s.ctx, second))

	got, err := s.repo.Get(s.ctx, first.ID)
	s.Require().NoError(err)
	s.Equal(model.ChallengeSuperseded, got.Status)
	s.True(got.Consumed())

	got, err = s.repo.Get(s.ctx, second.ID)
	s.Require().NoError(err)
	s.Equal(model.ChallengePending, got.Status)
	s.Equal([]byte{0x01, 0x02, 0x03}, got.CodeHash)
}

func (s *ChallengeRepoSuite) TestReplaceLeavesOtherAccountsAlone() {
	a := s.challenge("ELEC000001")
	b := s.challenge("ELEC000002")
	s.Require().NoError(s.repo.Replace(s.ctx, a))
	s.Require().NoError(s.repo.Replace(s.ctx, b))

	got, err := s.repo.Get(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(model.ChallengePending, got.Status)
}

func (s *ChallengeRepoSuite) TestGetMissing() {
	_, err := s.repo.Get(s.ctx, uuid.New())
	s.ErrorIs(err, ErrNotFound)
}

func (s *ChallengeRepoSuite) TestRecordMismatchExhausts() {
	c := s.challenge("ELEC000001")
	s.Require().NoError(s.repo.Replace(s.ctx, c))

	got, err := s.repo.RecordMismatch(s.ctx, c.ID, s.now)
	s.Require().NoError(err)
	s.Equal(2, got.AttemptsRemaining)
	s.Equal(model.ChallengePending, got.Status)

	_, err = s.repo.RecordMismatch(s.ctx, c.ID, s.now)
	s.Require().NoError(err)
	got, err = s.repo.RecordMismatch(s.ctx, c.ID, s.now)
	s.Require().NoError(err)
	s.Equal(0, got.AttemptsRemaining)
	s.Equal(model.ChallengeExhausted, got.Status)
	s.Require().NotNil(got.ConsumedAt)
	s.True(s.now.Equal(*got.ConsumedAt), "exhaustion is stamped with the caller's time")

	_, err = s.repo.RecordMismatch(s.ctx, c.ID, s.now)
	s.ErrorIs(err, ErrConflict)
	s.ErrorIs(s.repo.Consume(s.ctx, c.ID, s.now), ErrConflict)
}

func (s *ChallengeRepoSuite) TestConsumeIsSingleUse() {
	c := s.challenge("ELEC000001")
	s.Require().NoError(s.repo.Replace(s.ctx, c))

	s.Require().NoError(s.repo.Consume(s.ctx, c.ID, s.now))
	s.ErrorIs(s.repo.Consume(s.ctx, c.ID, s.now), ErrConflict)
	s.ErrorIs(s.repo.Consume(s.ctx, uuid.New(), s.now), ErrNotFound)
}

func (s *ChallengeRepoSuite) TestConsumeRefusesExpired() {
	c := s.challenge("ELEC000001")
	s.Require().NoError(s.repo.Replace(s.ctx, c))
	s.ErrorIs(s.repo.Consume(s.ctx, c.ID, c.ExpiresAt.Add(time.Second)), ErrConflict)

	s.Require().NoError(s.repo.Expire(s.ctx, c.ID, c.ExpiresAt))
	got, err := s.repo.Get(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(model.ChallengeExpired, got.Status)
}

func (s *ChallengeRepoSuite) TestConcurrentConsumeHasOneWinner() {
	c := s.challenge("ELEC000001")
	s.Require().NoError(s.repo.Replace(s.ctx, c))

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.repo.Consume(s.ctx, c.ID, s.now); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(1, wins)
}

func (s *ChallengeRepoSuite) TestCountRecentAndPurge() {
	old := s.challenge("ELEC000001")
	old.IssuedAt = s.now.Add(-time.Hour)
	old.ExpiresAt = s.now.Add(-55 * time.Minute)
	s.Require().NoError(s.repo.Replace(s.ctx, old))
	fresh := s.challenge("ELEC000001")
	s.Require().NoError(s.repo.Replace(s.ctx, fresh))

	n, err := s.repo.CountRecent(s.ctx, "electricity", "ELEC000001", s.now.Add(-10*time.Minute))
	s.Require().NoError(err)
	s.Equal(1, n)

	purged, err := s.repo.Purge(s.ctx, s.now.Add(-time.Minute))
	s.Require().NoError(err)
	s.Equal(1, purged)
	_, err = s.repo.Get(s.ctx, old.ID)
	s.ErrorIs(err, ErrNotFound)
	_, err = s.repo.Get(s.ctx, fresh.ID)
	s.NoError(err)
}

func TestMemoryChallengeRepo(t *testing.T) {
	suite.Run(t, &ChallengeRepoSuite{newRepo: func() ChallengeRepo { return NewMemoryChallengeRepo() }})
}

func TestPostgresChallengeRepo(t *testing.T) {
	database := openTestDB(t)
	suite.Run(t, &ChallengeRepoSuite{newRepo: func() ChallengeRepo {
		require.NoError(t, db.Truncate(database))
		return NewChallengeRepo(database)
	}})
}
