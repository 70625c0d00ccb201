package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/civickiosk/server/internal/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Each session is one hash: field = department, value = JSON LinkState
const linkKeyPrefix = "kiosk:link:"

type redisLinkRepo struct {
	client *redis.Client
}

// NewRedisLinkRepo creates a Redis-backed LinkRepo so that link state is shared
// by every API instance serving the kiosk fleet
func NewRedisLinkRepo(client *redis.Client) LinkRepo {
	return &redisLinkRepo{client: client}
}

func linkKey(sessionID uuid.UUID) string {
	return linkKeyPrefix + sessionID.String()
}

func (r *redisLinkRepo) Get(ctx context.Context, sessionID uuid.UUID, department string) (model.LinkState, error) {
	raw, err := r.client.HGet(ctx, linkKey(sessionID), department).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.LinkState{}, fmt.Errorf("link %s/%s: %w", sessionID, department, ErrNotFound)
	}
	if err != nil {
		return model.LinkState{}, fmt.Errorf("redis hget: %w", err)
	}
	var s model.LinkState
	if err := json.Unmarshal(raw, &s); err != nil {
		return model.LinkState{}, fmt.Errorf("decode link state: %w", err)
	}
	return s, nil
}

// Save writes the record and refreshes the session TTL in one MULTI/EXEC
func (r *redisLinkRepo) Save(ctx context.Context, state *model.LinkState, ttl time.Duration) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode link state: %w", err)
	}
	key := linkKey(state.SessionID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, state.Department, raw)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save link: %w", err)
	}
	return nil
}

func (r *redisLinkRepo) List(ctx context.Context, sessionID uuid.UUID) ([]model.LinkState, error) {
	all, err := r.client.HGetAll(ctx, linkKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	states := make([]model.LinkState, 0, len(all))
	for department, raw := range all {
		var s model.LinkState
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("decode link state %s: %w", department, err)
		}
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Department < states[j].Department })
	return states, nil
}

func (r *redisLinkRepo) Delete(ctx context.Context, sessionID uuid.UUID, department string) error {
	if err := r.client.HDel(ctx, linkKey(sessionID), department).Err(); err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	return nil
}
