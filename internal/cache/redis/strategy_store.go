package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

//go:embed scripts/save_strategy.lua
var saveStrategyLua string

const strategyIndexKey = "strategies"

// StrategyStore implements domain.StrategyStore as JSON documents.
//
// Key schema:
//
//	strategy:{id} - hash with "data" (JSON) and "version"
//	strategies    - sorted set of ids scored by creation time (unix ms)
//
// Saves never overwrite a higher version.
type StrategyStore struct {
	rdb  *redis.Client
	save *redis.Script
}

// NewStrategyStore creates a StrategyStore backed by c.
func NewStrategyStore(c *Client) *StrategyStore {
	return &StrategyStore{rdb: c.Underlying(), save: redis.NewScript(saveStrategyLua)}
}

func strategyKey(id string) string { return "strategy:" + id }

func (s *StrategyStore) Save(ctx context.Context, st domain.Strategy) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redis: marshal strategy %s: %w", st.ID, err)
	}
	err = s.save.Run(ctx, s.rdb,
		[]string{strategyKey(st.ID), strategyIndexKey},
		data, st.Version, st.CreatedAt.UnixMilli(), st.ID,
	).Err()
	if err != nil {
		return fmt.Errorf("redis: save strategy %s: %w: %w", st.ID, domain.ErrPersistenceUnavailable, err)
	}
	return nil
}

func (s *StrategyStore) Load(ctx context.Context, id string) (domain.Strategy, error) {
	data, err := s.rdb.HGet(ctx, strategyKey(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Strategy{}, fmt.Errorf("redis: strategy %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("redis: load strategy %s: %w: %w", id, domain.ErrPersistenceUnavailable, err)
	}
	var st domain.Strategy
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.Strategy{}, fmt.Errorf("redis: unmarshal strategy %s: %w", id, err)
	}
	return st, nil
}

// List scans the index newest first and applies filter in process.
func (s *StrategyStore) List(ctx context.Context, filter domain.StrategyFilter) ([]domain.Strategy, error) {
	ids, err := s.rdb.ZRevRange(ctx, strategyIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list strategies: %w: %w", domain.ErrPersistenceUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, strategyKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: list strategies: %w: %w", domain.ErrPersistenceUnavailable, err)
	}

	var out []domain.Strategy
	skipped := 0
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var st domain.Strategy
		if err := json.Unmarshal(data, &st); err != nil || !filter.Matches(st) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, st)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Delete removes strategies by id, returning how many existed.
func (s *StrategyStore) Delete(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = strategyKey(id)
		members[i] = id
	}
	pipe := s.rdb.TxPipeline()
	del := pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, strategyIndexKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis: delete strategies: %w", err)
	}
	return del.Val(), nil
}

var _ domain.StrategyStore = (*StrategyStore)(nil)
