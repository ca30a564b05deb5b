package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/store/memory"
)

var allStatuses = []domain.StrategyStatus{
	domain.StatusProposed, domain.StatusConfirmed, domain.StatusRejected, domain.StatusExecuting,
	domain.StatusActive, domain.StatusPartial, domain.StatusCancelled, domain.StatusClosing, domain.StatusClosed,
}

type flakyStore struct {
	*memory.StrategyStore
	down atomic.Bool
}

func (f *flakyStore) Save(ctx context.Context, s domain.Strategy) error {
	if f.down.Load() {
		return domain.ErrPersistenceUnavailable
	}
	return f.StrategyStore.Save(ctx, s)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.StrategyEvent
}

func (r *recorder) PublishEvent(ev domain.StrategyEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func newMachine(t *testing.T) (*Machine, *flakyStore, *recorder, *memory.AuditStore) {
	t.Helper()
	store := &flakyStore{StrategyStore: memory.NewStrategyStore()}
	rec := &recorder{}
	audit := memory.NewAuditStore()
	m := NewMachine(store, slog.New(slog.NewTextHandler(io.Discard, nil)), WithEvents(rec), WithAudit(audit))
	return m, store, rec, audit
}

func sampleStrategy() domain.Strategy {
	return domain.Strategy{
		Type: domain.TypeHedge,
		Mode: domain.ModeStrict,
		Legs: []domain.StrategyLeg{
			{Venue: domain.VenueKalshi, MarketID: "K", Outcome: domain.OutcomeYes, Direction: domain.DirectionBuy, TargetPrice: 0.37, Quantity: 100},
			{Venue: domain.VenuePolymarket, MarketID: "P", Outcome: domain.OutcomeNo, Direction: domain.DirectionBuy, TargetPrice: 0.49, Quantity: 100},
		},
	}
}

func TestCanTransition_Table(t *testing.T) {
	allowed := map[[2]domain.StrategyStatus]bool{
		{domain.StatusProposed, domain.StatusConfirmed}:  true,
		{domain.StatusProposed, domain.StatusRejected}:   true,
		{domain.StatusProposed, domain.StatusCancelled}:  true,
		{domain.StatusConfirmed, domain.StatusExecuting}: true,
		{domain.StatusConfirmed, domain.StatusCancelled}: true,
		{domain.StatusExecuting, domain.StatusActive}:    true,
		{domain.StatusExecuting, domain.StatusPartial}:   true,
		{domain.StatusExecuting, domain.StatusCancelled}: true,
		{domain.StatusPartial, domain.StatusCancelled}:   true,
		{domain.StatusActive, domain.StatusClosing}:      true,
		{domain.StatusActive, domain.StatusCancelled}:    true,
		{domain.StatusClosing, domain.StatusClosed}:      true,
		{domain.StatusClosing, domain.StatusCancelled}:   true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			assert.Equal(t, allowed[[2]domain.StrategyStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_TerminalIsSticky(t *testing.T) {
	for _, from := range []domain.StrategyStatus{domain.StatusClosed, domain.StatusCancelled, domain.StatusRejected} {
		for _, to := range allStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestMachine_ProposeAndTransition(t *testing.T) {
	ctx := context.Background()
	m, store, rec, audit := newMachine(t)

	s, err := m.Propose(ctx, sampleStrategy())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProposed, s.Status)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, domain.LegPlanned, s.Legs[1].State)
	assert.Equal(t, 1, s.Legs[1].Index)

	s, err = m.Transition(ctx, s.ID, domain.StatusConfirmed, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, s.Status)
	require.Len(t, s.History, 1)

	stored, err := store.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, stored.Status)
	assert.Equal(t, s.Version, stored.Version)

	_, err = m.Transition(ctx, s.ID, domain.StatusProposed, nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	assert.Len(t, rec.events, 2)
	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestMachine_CancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newMachine(t)
	s, err := m.Propose(ctx, sampleStrategy())
	require.NoError(t, err)

	first, err := m.Transition(ctx, s.ID, domain.StatusCancelled, &domain.Rejection{Code: domain.ReasonUserCancel, Leg: -1}, nil)
	require.NoError(t, err)
	second, err := m.Transition(ctx, s.ID, domain.StatusCancelled, &domain.Rejection{Code: domain.ReasonUserCancel, Leg: -1}, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, second.Status)
	assert.Equal(t, first.Version, second.Version)
	assert.Len(t, second.History, 1)
}

func TestMachine_NothingLeavesTerminal(t *testing.T) {
	ctx := context.Background()
	for _, terminal := range []domain.StrategyStatus{domain.StatusRejected, domain.StatusCancelled} {
		m, _, _, _ := newMachine(t)
		s, err := m.Propose(ctx, sampleStrategy())
		require.NoError(t, err)
		_, err = m.Transition(ctx, s.ID, terminal, nil, nil)
		require.NoError(t, err)

		for _, to := range allStatuses {
			if to == terminal {
				continue
			}
			_, err := m.Transition(ctx, s.ID, to, nil, nil)
			assert.ErrorIs(t, err, domain.ErrInvalidTransition, "%s -> %s", terminal, to)
		}
		_, err = m.Update(ctx, s.ID, func(s *domain.Strategy) error { s.Legs[0].FilledQty = 1; return nil })
		assert.ErrorIs(t, err, domain.ErrLegsImmutable)
		_, err = m.AmendPrices(ctx, s.ID, map[int]float64{0: 0.3})
		assert.Error(t, err)

		got, err := m.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, terminal, got.Status)
	}
}

func TestMachine_UpdateCannotChangeStatus(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newMachine(t)
	s, err := m.Propose(ctx, sampleStrategy())
	require.NoError(t, err)

	got, err := m.Update(ctx, s.ID, func(s *domain.Strategy) error {
		s.Status = domain.StatusActive
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProposed, got.Status)
}

func TestMachine_AmendOnlyWhileProposed(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newMachine(t)
	s, err := m.Propose(ctx, sampleStrategy())
	require.NoError(t, err)

	s, err = m.AmendPrices(ctx, s.ID, map[int]float64{0: 0.36})
	require.NoError(t, err)
	assert.Equal(t, 0.36, s.Legs[0].TargetPrice)

	_, err = m.AmendPrices(ctx, s.ID, map[int]float64{0: 1.5})
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)

	_, err = m.Transition(ctx, s.ID, domain.StatusConfirmed, nil, nil)
	require.NoError(t, err)
	_, err = m.AmendPrices(ctx, s.ID, map[int]float64{0: 0.35})
	assert.ErrorIs(t, err, domain.ErrLegsImmutable)
}

func TestMachine_PersistenceOutageKeepsStateInMemory(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newMachine(t)
	s, err := m.Propose(ctx, sampleStrategy())
	require.NoError(t, err)

	store.down.Store(true)
	_, err = m.Transition(ctx, s.ID, domain.StatusConfirmed, nil, nil)
	require.NoError(t, err)
	assert.False(t, m.Healthy())
	assert.ErrorIs(t, m.Flush(ctx), domain.ErrPersistenceUnavailable)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, got.Status)

	store.down.Store(false)
	require.NoError(t, m.Flush(ctx))
	assert.True(t, m.Healthy())
	stored, err := store.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, stored.Status)
}

func TestMachine_SnapshotsAreCopies(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newMachine(t)
	s, err := m.Propose(ctx, sampleStrategy())
	require.NoError(t, err)

	s.Legs[0].Quantity = 1
	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.Legs[0].Quantity)
}

func TestMachine_ConcurrentReadsSeeConsistentLegs(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newMachine(t)
	s, err := m.Propose(ctx, sampleStrategy())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 200; i++ {
			_, _ = m.Update(ctx, s.ID, func(st *domain.Strategy) error {
				st.Legs[0].FilledQty = float64(i)
				st.Legs[1].FilledQty = float64(i)
				return nil
			})
		}
	}()
	for i := 0; i < 200; i++ {
		got, err := m.Get(ctx, s.ID)
		require.NoError(t, err)
		require.Equal(t, got.Legs[0].FilledQty, got.Legs[1].FilledQty)
	}
	wg.Wait()
}

func TestMachine_ProposeValidates(t *testing.T) {
	m, _, _, _ := newMachine(t)
	bad := sampleStrategy()
	bad.Legs = bad.Legs[:1]
	_, err := m.Propose(context.Background(), bad)
	assert.ErrorIs(t, err, domain.ErrInvalidStrategy)

	bad = sampleStrategy()
	bad.Mode = "FAST"
	_, err = m.Propose(context.Background(), bad)
	assert.True(t, errors.Is(err, domain.ErrInvalidStrategy))
}

func TestMachine_GetLoadsFromStore(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newMachine(t)
	require.NoError(t, store.Save(ctx, domain.Strategy{ID: "old", Status: domain.StatusActive, Version: 3}))

	got, err := m.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
