package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/civickiosk/server/internal/model"
	"github.com/google/uuid"
)

// LinkRepo stores per-session link state. Records live no longer than the
// session that owns them: every Save refreshes the session's TTL.
type LinkRepo interface {
	Get(ctx context.Context, sessionID uuid.UUID, department string) (model.LinkState, error)
	Save(ctx context.Context, state *model.LinkState, ttl time.Duration) error
	// List returns the session's link records ordered by department.
	List(ctx context.Context, sessionID uuid.UUID) ([]model.LinkState, error)
	Delete(ctx context.Context, sessionID uuid.UUID, department string) error
}

type memoryLinkEntry struct {
	states    map[string]model.LinkState
	expiresAt time.Time
}

// MemoryLinkRepo is an in-memory LinkRepo used when no REDIS_URL is configured
type MemoryLinkRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*memoryLinkEntry
	nowF     func() time.Time
}

// NewMemoryLinkRepo creates an empty in-memory link store
func NewMemoryLinkRepo() *MemoryLinkRepo {
	return &MemoryLinkRepo{
		sessions: make(map[uuid.UUID]*memoryLinkEntry),
		nowF:     time.Now,
	}
}

// live returns the session entry if present and not expired. Caller holds mu.
func (r *MemoryLinkRepo) live(sessionID uuid.UUID) *memoryLinkEntry {
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	if !e.expiresAt.After(r.nowF()) {
		delete(r.sessions, sessionID)
		return nil
	}
	return e
}

func (r *MemoryLinkRepo) Get(_ context.Context, sessionID uuid.UUID, department string) (model.LinkState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.live(sessionID)
	if e == nil {
		return model.LinkState{}, fmt.Errorf("link %s/%s: %w", sessionID, department, ErrNotFound)
	}
	s, ok := e.states[department]
	if !ok {
		return model.LinkState{}, fmt.Errorf("link %s/%s: %w", sessionID, department, ErrNotFound)
	}
	return s, nil
}

func (r *MemoryLinkRepo) Save(_ context.Context, state *model.LinkState, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.live(state.SessionID)
	if e == nil {
		e = &memoryLinkEntry{states: make(map[string]model.LinkState)}
		r.sessions[state.SessionID] = e
	}
	e.states[state.Department] = *state
	e.expiresAt = r.nowF().Add(ttl)
	return nil
}

func (r *MemoryLinkRepo) List(_ context.Context, sessionID uuid.UUID) ([]model.LinkState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.live(sessionID)
	if e == nil {
		return nil, nil
	}
	states := make([]model.LinkState, 0, len(e.states))
	for _, s := range e.states {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Department < states[j].Department })
	return states, nil
}

func (r *MemoryLinkRepo) Delete(_ context.Context, sessionID uuid.UUID, department string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.live(sessionID); e != nil {
		delete(e.states, department)
	}
	return nil
}
