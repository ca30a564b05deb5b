package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

func TestStrategyStore_SaveLoadList(t *testing.T) {
	ctx := context.Background()
	s := NewStrategyStore()
	now := time.Now()

	require.NoError(t, s.Save(ctx, domain.Strategy{ID: "a", Status: domain.StatusActive, Version: 2, CreatedAt: now}))
	require.NoError(t, s.Save(ctx, domain.Strategy{ID: "b", Status: domain.StatusProposed, Version: 1, CreatedAt: now.Add(time.Second)}))
	// stale write is ignored
	require.NoError(t, s.Save(ctx, domain.Strategy{ID: "a", Status: domain.StatusExecuting, Version: 1}))

	got, err := s.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	all, err := s.List(ctx, domain.StrategyFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID)

	active, err := s.List(ctx, domain.StrategyFilter{Statuses: []domain.StrategyStatus{domain.StatusActive}})
	require.NoError(t, err)
	require.Len(t, active, 1)

	n, err := s.Delete(ctx, "a", "zzz")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPairStore(t *testing.T) {
	ctx := context.Background()
	a := domain.MarketRef{Venue: domain.VenueKalshi, MarketID: "K1", Outcome: domain.OutcomeYes}
	b := domain.MarketRef{Venue: domain.VenuePolymarket, MarketID: "P1", Outcome: domain.OutcomeNo}
	s := NewPairStore(
		domain.MarketPair{A: a, B: b, Active: true, Correlation: 1},
		domain.MarketPair{ID: "inactive", A: a, B: b},
	)

	tracked, err := s.GetTrackedPairs(ctx)
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	assert.Equal(t, "kalshi:K1__poly:P1", tracked[0].ID)

	require.NoError(t, s.UpdateSpread(ctx, tracked[0].ID, 0.08, time.Now()))
	p, err := s.GetPair(ctx, tracked[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 0.08, p.LastSpread)

	assert.ErrorIs(t, s.UpdateSpread(ctx, "nope", 0, time.Now()), domain.ErrNotFound)
}

func TestAuditStore(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore()
	require.NoError(t, s.Log(ctx, "one", map[string]any{"k": 1}))
	require.NoError(t, s.Log(ctx, "two", nil))

	entries, err := s.List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "two", entries[0].Event)
}
