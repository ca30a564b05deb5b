// Package memory provides in-process stores for paper trading and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// StrategyStore keeps strategy snapshots in a map.
type StrategyStore struct {
	mu         sync.RWMutex
	strategies map[string]domain.Strategy
}

// NewStrategyStore creates an empty StrategyStore.
func NewStrategyStore() *StrategyStore {
	return &StrategyStore{strategies: make(map[string]domain.Strategy)}
}

func (s *StrategyStore) Save(_ context.Context, st domain.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.strategies[st.ID]; ok && cur.Version > st.Version {
		return nil
	}
	s.strategies[st.ID] = st.Clone()
	return nil
}

func (s *StrategyStore) Load(_ context.Context, id string) (domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.strategies[id]
	if !ok {
		return domain.Strategy{}, fmt.Errorf("memory: strategy %s: %w", id, domain.ErrNotFound)
	}
	return st.Clone(), nil
}

func (s *StrategyStore) List(_ context.Context, filter domain.StrategyFilter) ([]domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Strategy
	for _, st := range s.strategies {
		if filter.Matches(st) {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter.ListOpts), nil
}

// Delete removes strategies by id, returning how many existed.
func (s *StrategyStore) Delete(_ context.Context, ids ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := s.strategies[id]; ok {
			delete(s.strategies, id)
			n++
		}
	}
	return n, nil
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
