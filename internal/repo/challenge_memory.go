package repo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/civickiosk/server/internal/model"
	"github.com/google/uuid"
)

// MemoryChallengeRepo is an in-memory ChallengeRepo for tests and STORE=memory.
// A single mutex makes every compare-and-set atomic.
type MemoryChallengeRepo struct {
	mu         sync.Mutex
	challenges map[uuid.UUID]*model.OtpChallenge
}

// NewMemoryChallengeRepo creates an empty in-memory challenge store
func NewMemoryChallengeRepo() *MemoryChallengeRepo {
	return &MemoryChallengeRepo{challenges: make(map[uuid.UUID]*model.OtpChallenge)}
}

func (r *MemoryChallengeRepo) Replace(_ context.Context, c *model.OtpChallenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.challenges[c.ID]; exists {
		return fmt.Errorf("challenge %s: %w", c.ID, ErrConflict)
	}
	for _, existing := range r.challenges {
		if existing.Status == model.ChallengePending &&
			existing.Department == c.Department &&
			existing.AccountNumber == c.AccountNumber &&
			existing.Purpose == c.Purpose {
			at := c.IssuedAt
			existing.Status = model.ChallengeSuperseded
			existing.ConsumedAt = &at
		}
	}
	stored := *c
	stored.CodeHash = append([]byte(nil), c.CodeHash...)
	r.challenges[c.ID] = &stored
	return nil
}

func (r *MemoryChallengeRepo) Get(_ context.Context, id uuid.UUID) (model.OtpChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.challenges[id]
	if !ok {
		return model.OtpChallenge{}, fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	return *c, nil
}

func (r *MemoryChallengeRepo) RecordMismatch(_ context.Context, id uuid.UUID, now time.Time) (model.OtpChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.challenges[id]
	if !ok {
		return model.OtpChallenge{}, fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	if c.Status != model.ChallengePending || c.AttemptsRemaining <= 0 {
		return model.OtpChallenge{}, fmt.Errorf("challenge %s: %w", id, ErrConflict)
	}
	c.AttemptsRemaining--
	if c.AttemptsRemaining <= 0 {
		c.Status = model.ChallengeExhausted
		c.ConsumedAt = &now
	}
	return *c, nil
}

func (r *MemoryChallengeRepo) Consume(_ context.Context, id uuid.UUID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.challenges[id]
	if !ok {
		return fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	if c.Status != model.ChallengePending || c.ExpiredAt(now) {
		return fmt.Errorf("challenge %s: %w", id, ErrConflict)
	}
	c.Status = model.ChallengeConsumed
	c.ConsumedAt = &now
	return nil
}

func (r *MemoryChallengeRepo) Expire(_ context.Context, id uuid.UUID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.challenges[id]
	if !ok {
		return fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	if c.Status != model.ChallengePending {
		return fmt.Errorf("challenge %s: %w", id, ErrConflict)
	}
	c.Status = model.ChallengeExpired
	c.ConsumedAt = &now
	return nil
}

func (r *MemoryChallengeRepo) CountRecent(_ context.Context, department, accountNumber string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, c := range r.challenges {
		if c.Department == department && c.AccountNumber == accountNumber && !c.IssuedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *MemoryChallengeRepo) Purge(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	purged := 0
	for id, c := range r.challenges {
		terminal := c.Status != model.ChallengePending && c.ConsumedAt != nil && c.ConsumedAt.Before(before)
		if terminal || c.ExpiresAt.Before(before) {
			delete(r.challenges, id)
			purged++
		}
	}
	return purged, nil
}
