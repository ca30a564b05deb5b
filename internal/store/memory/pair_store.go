package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// PairStore keeps market pairs in a map.
type PairStore struct {
	mu    sync.RWMutex
	pairs map[string]domain.MarketPair
}

// NewPairStore creates a PairStore seeded with pairs.
func NewPairStore(pairs ...domain.MarketPair) *PairStore {
	s := &PairStore{pairs: make(map[string]domain.MarketPair)}
	for _, p := range pairs {
		if p.ID == "" {
			p.ID = domain.PairID(p.A, p.B)
		}
		s.pairs[p.ID] = p
	}
	return s
}

func (s *PairStore) GetTrackedPairs(_ context.Context) ([]domain.MarketPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MarketPair, 0, len(s.pairs))
	for _, p := range s.pairs {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *PairStore) GetPair(_ context.Context, id string) (domain.MarketPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairs[id]
	if !ok {
		return domain.MarketPair{}, fmt.Errorf("memory: pair %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (s *PairStore) Upsert(_ context.Context, p domain.MarketPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = domain.PairID(p.A, p.B)
	}
	s.pairs[p.ID] = p
	return nil
}

func (s *PairStore) UpdateSpread(_ context.Context, id string, spread float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairs[id]
	if !ok {
		return fmt.Errorf("memory: pair %s: %w", id, domain.ErrNotFound)
	}
	p.LastSpread = spread
	p.UpdatedAt = at
	s.pairs[id] = p
	return nil
}
