package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/executor"
	"github.com/alanyoungcy/arbengine/internal/gateway"
	"github.com/alanyoungcy/arbengine/internal/gateway/gatewaytest"
	"github.com/alanyoungcy/arbengine/internal/lifecycle"
	"github.com/alanyoungcy/arbengine/internal/store/memory"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// quotes serves scripted books. Each queued book is served once, the last
// one from then on.
type quotes struct {
	mu    sync.Mutex
	books map[string][]domain.OrderBook
}

func newQuotes() *quotes { return &quotes{books: make(map[string][]domain.OrderBook)} }

func book(ref domain.MarketRef, bid, ask float64) domain.OrderBook {
	return domain.OrderBook{
		Ref:       ref,
		Bids:      []domain.BookLevel{{Price: bid, Size: 1000}},
		Asks:      []domain.BookLevel{{Price: ask, Size: 1000}},
		Timestamp: time.Now(),
	}
}

func (q *quotes) set(ref domain.MarketRef, bid, ask float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.books[ref.Key()] = []domain.OrderBook{book(ref, bid, ask)}
}

func (q *quotes) queue(ref domain.MarketRef, books ...domain.OrderBook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.books[ref.Key()] = books
}

func (q *quotes) Book(_ context.Context, ref domain.MarketRef) (domain.OrderBook, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	bs := q.books[ref.Key()]
	if len(bs) == 0 {
		return domain.OrderBook{}, domain.ErrNotFound
	}
	if len(bs) > 1 {
		q.books[ref.Key()] = bs[1:]
	}
	return bs[0], nil
}

type alerts struct {
	mu  sync.Mutex
	got []domain.Alert
}

func (a *alerts) Alert(_ context.Context, al domain.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, al)
}

func (a *alerts) levels() []domain.AlertLevel {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AlertLevel
	for _, al := range a.got {
		out = append(out, al.Level)
	}
	return out
}

// flakyStore fails every save while down is set.
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

// blockingLocks holds every Acquire until release is closed, then refuses it.
type blockingLocks struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingLocks) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, domain.ErrLockHeld
}

func (a *alerts) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, al := range a.got {
		out = append(out, al.Event)
	}
	return out
}

type harness struct {
	t       *testing.T
	kalshi  *gatewaytest.Gateway
	poly    *gatewaytest.Gateway
	store   *memory.StrategyStore
	flaky   *flakyStore
	machine *lifecycle.Machine
	coord   *Coordinator
	quotes  *quotes
	alerts  *alerts
}

func testConfig() Config {
	return Config{
		StrictDeadline:    time.Second,
		TolerantDeadline:  time.Second,
		LeggedLegDeadline: time.Second,
		UnwindDeadline:    500 * time.Millisecond,
		UnwindSlippage:    0.05,
		DriftInterval:     10 * time.Millisecond,
		ExitInterval:      time.Hour,
	}
}

func newHarness(t *testing.T, cfg Config, limits domain.SafetyLimits) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		t:      t,
		kalshi: gatewaytest.New(domain.VenueKalshi),
		poly:   gatewaytest.New(domain.VenuePolymarket),
		store:  memory.NewStrategyStore(),
		quotes: newQuotes(),
		alerts: &alerts{},
	}
	h.flaky = &flakyStore{StrategyStore: h.store}
	h.machine = lifecycle.NewMachine(h.flaky, logger)
	exec := executor.New(
		executor.PollWatcher{Interval: tick, CallTimeout: 100 * time.Millisecond},
		executor.Config{CallTimeout: 100 * time.Millisecond, CancelTimeout: 100 * time.Millisecond},
		logger,
	)
	h.coord = New(h.machine, gateway.NewRegistry(h.kalshi, h.poly), exec, NewLedger(limits), cfg, logger)
	h.coord.SetQuoteSource(h.quotes)
	h.coord.SetAlerter(h.alerts)
	t.Cleanup(h.coord.Close)
	return h
}

func pairStrategy(mode domain.ExecutionMode) domain.Strategy {
	return domain.Strategy{
		Type:   domain.TypePriceDiscrepancy,
		PairID: "kalshi:K__poly:P",
		Mode:   mode,
		Legs: []domain.StrategyLeg{
			{Venue: domain.VenueKalshi, MarketID: "K", Outcome: domain.OutcomeYes, Direction: domain.DirectionBuy, TargetPrice: 0.37, Quantity: 100},
			{Venue: domain.VenuePolymarket, MarketID: "P", Outcome: domain.OutcomeNo, Direction: domain.DirectionBuy, TargetPrice: 0.49, Quantity: 100},
		},
	}
}

func (h *harness) confirmed(s domain.Strategy) string {
	h.t.Helper()
	ctx := context.Background()
	p, err := h.machine.Propose(ctx, s)
	require.NoError(h.t, err)
	_, err = h.machine.Transition(ctx, p.ID, domain.StatusConfirmed, nil, nil)
	require.NoError(h.t, err)
	return p.ID
}

func (h *harness) run(s domain.Strategy) domain.Strategy {
	h.t.Helper()
	id := h.confirmed(s)
	_, err := h.coord.Execute(context.Background(), id)
	require.NoError(h.t, err)
	return h.wait(id)
}

func (h *harness) wait(id string) domain.Strategy {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*waitFor)
	defer cancel()
	s, err := h.coord.Wait(ctx, id)
	require.NoError(h.t, err)
	return s
}

func (h *harness) get(id string) domain.Strategy {
	h.t.Helper()
	s, err := h.machine.Get(context.Background(), id)
	require.NoError(h.t, err)
	return s
}

func (h *harness) eventually(id string, cond func(domain.Strategy) bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return cond(h.get(id)) }, waitFor, tick)
}

func TestStrict_BothLegsFillGoesActive(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{})

	s := h.run(pairStrategy(domain.ModeStrict))

	assert.Equal(t, domain.StatusActive, s.Status)
	assert.Nil(t, s.Rejection)
	assert.NotNil(t, s.ActivatedAt)
	for _, leg := range s.Legs {
		assert.Equal(t, domain.LegFilled, leg.State)
		assert.Equal(t, 100.0, leg.FilledQty)
	}
	assert.InDelta(t, -0.14, s.EntrySpread, 1e-9)
	assert.Empty(t, s.UnwindLegs)
	assert.Equal(t, 1, h.coord.Ledger().Snapshot().Strategies)
}

func TestStrict_RejectedLegUnwindsFilledLeg(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{})
	h.poly.Script("P", gatewaytest.Behavior{PlaceDelay: 20 * time.Millisecond, PlaceErr: domain.ErrVenueRejected})

	s := h.run(pairStrategy(domain.ModeStrict))

	assert.Equal(t, domain.StatusCancelled, s.Status)
	require.NotNil(t, s.Rejection)
	assert.Equal(t, domain.ReasonVenueRejected, s.Rejection.Code)
	assert.Equal(t, 1, s.Rejection.Leg)
	assert.Equal(t, domain.LegFilled, s.Legs[0].State)
	assert.Equal(t, domain.LegFailed, s.Legs[1].State)

	require.Len(t, s.UnwindLegs, 1)
	u := s.UnwindLegs[0]
	assert.Equal(t, 0, u.Index)
	assert.Equal(t, domain.DirectionSell, u.Direction)
	assert.Equal(t, 100.0, u.FilledQty)

	places := h.kalshi.CallsFor("place")
	require.Len(t, places, 2)
	assert.True(t, places[1].Spec.Marketable)
	assert.Equal(t, 0, h.coord.Ledger().Snapshot().Strategies)
}

func TestStrict_FailedUnwindLeavesPartial(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{})
	h.poly.Script("P", gatewaytest.Behavior{PlaceDelay: 20 * time.Millisecond, PlaceErr: domain.ErrVenueRejected})
	h.kalshi.ScriptDirection("K", domain.DirectionSell, gatewaytest.Behavior{PlaceErr: domain.ErrVenueUnavailable})

	s := h.run(pairStrategy(domain.ModeStrict))

	assert.Equal(t, domain.StatusPartial, s.Status)
	assert.Equal(t, domain.ReasonUnwindFailed, s.Reason())
	require.Len(t, s.UnwindLegs, 1)
	assert.Equal(t, domain.LegFailed, s.UnwindLegs[0].State)
	assert.Contains(t, h.alerts.levels(), domain.AlertCritical)
	// Exactly one unwind attempt.
	assert.Len(t, h.kalshi.CallsFor("place"), 2)
	assert.Equal(t, 1, h.coord.Ledger().Snapshot().Strategies)

	t.Run("directed unwind succeeds once the venue recovers", func(t *testing.T) {
		h.kalshi.ScriptDirection("K", domain.DirectionSell, gatewaytest.Behavior{})

		s, err := h.coord.Unwind(context.Background(), s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, s.Status)
		require.Len(t, s.UnwindLegs, 2)
		assert.Equal(t, 100.0, s.UnwindLegs[1].FilledQty)
		assert.Equal(t, 0, h.coord.Ledger().Snapshot().Strategies)
	})
}

func TestStrict_DeadlineCancelsRestingLeg(t *testing.T) {
	cfg := testConfig()
	cfg.StrictDeadline = 100 * time.Millisecond
	h := newHarness(t, cfg, domain.SafetyLimits{})
	h.poly.Script("P", gatewaytest.Behavior{FillAfter: gatewaytest.Never})

	s := h.run(pairStrategy(domain.ModeStrict))

	assert.Equal(t, domain.StatusCancelled, s.Status)
	assert.Equal(t, domain.ReasonLegNotFilled, s.Reason())
	assert.Equal(t, domain.LegCancelled, s.Legs[1].State)
	assert.NotEmpty(t, h.poly.CallsFor("cancel"))
	require.Len(t, s.UnwindLegs, 1)
}

func TestExecute_RequiresConfirmed(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{})
	p, err := h.machine.Propose(context.Background(), pairStrategy(domain.ModeStrict))
	require.NoError(t, err)

	_, err = h.coord.Execute(context.Background(), p.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Empty(t, h.kalshi.Calls())
}

func TestExecute_ExposureLimitLeavesStrategyConfirmed(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{MaxTotalExposureUSD: 50})
	id := h.confirmed(pairStrategy(domain.ModeStrict))

	s, err := h.coord.Execute(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrExposureLimitExceeded)
	assert.Equal(t, domain.StatusConfirmed, s.Status)
	assert.Equal(t, domain.ReasonExposureLimitExceeded, s.Reason())
	assert.Empty(t, h.kalshi.Calls())
	assert.Empty(t, h.poly.Calls())
	assert.Zero(t, h.coord.Ledger().Snapshot().TotalUSD)
}

func TestExecute_CumulativeExposureRefusesSecondStrategy(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{MaxTotalExposureUSD: 10000})
	h.poly.Script("P", gatewaytest.Behavior{FillAfter: gatewaytest.Never})
	sized := func() domain.Strategy {
		// 6000 contracts at 0.37 + 0.63 is $6000 of exposure.
		s := pairStrategy(domain.ModeTolerant)
		s.Legs[0].Quantity, s.Legs[1].Quantity = 6000, 6000
		s.Legs[1].TargetPrice = 0.63
		return s
	}
	first := h.confirmed(sized())
	second := h.confirmed(sized())

	_, err := h.coord.Execute(context.Background(), first)
	require.NoError(t, err)
	assert.InDelta(t, 6000.0, h.coord.Ledger().Snapshot().TotalUSD, 1e-6)

	s, err := h.coord.Execute(context.Background(), second)
	assert.ErrorIs(t, err, domain.ErrExposureLimitExceeded)
	assert.Equal(t, domain.StatusConfirmed, s.Status)
	assert.Equal(t, domain.ReasonExposureLimitExceeded, s.Reason())
	assert.Equal(t, domain.StatusConfirmed, h.get(second).Status)
	assert.Equal(t, 1, h.coord.Ledger().Snapshot().Strategies)

	_, err = h.coord.Cancel(context.Background(), first)
	require.NoError(t, err)
}

func TestExecute_PersistenceOutageRefusesAdmission(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{})
	id := h.confirmed(pairStrategy(domain.ModeStrict))

	h.flaky.down.Store(true)
	_, err := h.machine.Update(context.Background(), id, func(*domain.Strategy) error { return nil })
	require.NoError(t, err)
	require.False(t, h.machine.Healthy())

	s, err := h.coord.Execute(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrPersistenceUnavailable)
	assert.Equal(t, domain.StatusConfirmed, s.Status)
	assert.Equal(t, domain.ReasonPersistenceUnavailable, s.Reason())
	assert.Empty(t, h.kalshi.CallsFor("place"))
	assert.Empty(t, h.poly.CallsFor("place"))
	assert.Zero(t, h.coord.Ledger().Snapshot().Strategies)

	h.flaky.down.Store(false)
	s, err = h.coord.Execute(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuting, s.Status)
	assert.Equal(t, domain.StatusActive, h.wait(id).Status)
	assert.True(t, h.machine.Healthy())
}

func TestExecute_CancelDuringRefusedAdmission(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{})
	locks := &blockingLocks{entered: make(chan struct{}), release: make(chan struct{})}
	h.coord.SetLockManager(locks)
	id := h.confirmed(pairStrategy(domain.ModeStrict))

	execErr := make(chan error, 1)
	go func() {
		_, err := h.coord.Execute(context.Background(), id)
		execErr <- err
	}()
	<-locks.entered

	type outcome struct {
		s   domain.Strategy
		err error
	}
	cancelled := make(chan outcome, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		s, err := h.coord.Cancel(ctx, id)
		cancelled <- outcome{s, err}
	}()
	require.Eventually(t, func() bool {
		r := h.coord.runFor(id)
		return r != nil && r.userCancel.Load()
	}, waitFor, tick)

	close(locks.release)
	assert.ErrorIs(t, <-execErr, domain.ErrLockHeld)

	got := <-cancelled
	require.NoError(t, got.err)
	assert.Equal(t, domain.StatusCancelled, got.s.Status)
	assert.Equal(t, domain.ReasonUserCancel, got.s.Reason())
	assert.Nil(t, h.coord.runFor(id))

	// Waiters are not left behind either.
	s, err := h.coord.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, s.Status)
	assert.Empty(t, h.kalshi.CallsFor("place"))
	assert.Zero(t, h.coord.Ledger().Snapshot().Strategies)
}

func TestExecute_SecondExecuteIsRefused(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{})
	h.poly.Script("P", gatewaytest.Behavior{FillAfter: gatewaytest.Never})
	id := h.confirmed(pairStrategy(domain.ModeTolerant))

	_, err := h.coord.Execute(context.Background(), id)
	require.NoError(t, err)
	_, err = h.coord.Execute(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, 1, h.coord.Ledger().Snapshot().Strategies)

	_, err = h.coord.Cancel(context.Background(), id)
	require.NoError(t, err)
}

func TestCancel_IsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{})
	p, err := h.machine.Propose(context.Background(), pairStrategy(domain.ModeStrict))
	require.NoError(t, err)

	first, err := h.coord.Cancel(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, first.Status)
	assert.Equal(t, domain.ReasonUserCancel, first.Reason())

	second, err := h.coord.Cancel(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Len(t, second.History, len(first.History))
}

func TestCancel_InFlightCancelsLegsAndUnwinds(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{})
	h.poly.Script("P", gatewaytest.Behavior{FillAfter: gatewaytest.Never})
	id := h.confirmed(pairStrategy(domain.ModeTolerant))
	_, err := h.coord.Execute(context.Background(), id)
	require.NoError(t, err)
	h.eventually(id, func(s domain.Strategy) bool {
		return s.Legs[0].State == domain.LegFilled && s.Legs[1].State == domain.LegSubmitted
	})

	s, err := h.coord.Cancel(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, s.Status)
	assert.Equal(t, domain.ReasonUserCancel, s.Reason())
	assert.Equal(t, domain.LegCancelled, s.Legs[1].State)
	assert.NotEmpty(t, h.poly.CallsFor("cancel"))
	require.Len(t, s.UnwindLegs, 1)
	assert.Equal(t, domain.DirectionSell, s.UnwindLegs[0].Direction)
}

func TestTolerant_DeadlineLeavesPartialWithoutUnwind(t *testing.T) {
	cfg := testConfig()
	cfg.TolerantDeadline = 100 * time.Millisecond
	h := newHarness(t, cfg, domain.SafetyLimits{})
	h.poly.Script("P", gatewaytest.Behavior{FillAfter: gatewaytest.Never})

	s := h.run(pairStrategy(domain.ModeTolerant))

	assert.Equal(t, domain.StatusPartial, s.Status)
	assert.Equal(t, domain.ReasonLegNotFilled, s.Reason())
	assert.Empty(t, s.UnwindLegs)
	assert.Len(t, h.kalshi.CallsFor("place"), 1)
	assert.Equal(t, 1, h.coord.Ledger().Snapshot().Strategies)
}

func TestTolerant_DriftRaisesDecisionPoint(t *testing.T) {
	polyNo := domain.MarketRef{Venue: domain.VenuePolymarket, MarketID: "P", Outcome: domain.OutcomeNo}

	t.Run("abort cancels and keeps the partial", func(t *testing.T) {
		h := newHarness(t, testConfig(), domain.SafetyLimits{})
		h.poly.Script("P", gatewaytest.Behavior{FillAfter: gatewaytest.Never})
		// First read is the reference at the kalshi fill, then the market runs away.
		h.quotes.queue(polyNo, book(polyNo, 0.47, 0.49), book(polyNo, 0.58, 0.60))
		id := h.confirmed(pairStrategy(domain.ModeTolerant))
		_, err := h.coord.Execute(context.Background(), id)
		require.NoError(t, err)

		h.eventually(id, func(s domain.Strategy) bool { return s.Decision != nil })
		dp := h.get(id).Decision
		assert.Equal(t, 1, dp.LegIndex)
		assert.Greater(t, dp.DriftPct, 2.0)
		assert.Contains(t, h.alerts.levels(), domain.AlertWarning)

		_, err = h.coord.Decide(context.Background(), id, DecisionAbort)
		require.NoError(t, err)
		s := h.wait(id)
		assert.Equal(t, domain.StatusPartial, s.Status)
		assert.Equal(t, domain.ReasonUserAbort, s.Reason())
		assert.Nil(t, s.Decision)
		assert.Empty(t, s.UnwindLegs)
	})

	t.Run("wait resets the reference and keeps executing", func(t *testing.T) {
		h := newHarness(t, testConfig(), domain.SafetyLimits{})
		h.poly.Script("P", gatewaytest.Behavior{FillAfter: gatewaytest.Never})
		// First read is the reference at the kalshi fill, then the market runs away.
		h.quotes.queue(polyNo, book(polyNo, 0.47, 0.49), book(polyNo, 0.58, 0.60))
		id := h.confirmed(pairStrategy(domain.ModeTolerant))
		_, err := h.coord.Execute(context.Background(), id)
		require.NoError(t, err)
		h.eventually(id, func(s domain.Strategy) bool { return s.Decision != nil })

		s, err := h.coord.Decide(context.Background(), id, DecisionWait)
		require.NoError(t, err)
		assert.Nil(t, s.Decision)
		assert.Equal(t, domain.StatusExecuting, s.Status)

		h.poly.Fill(s.Legs[1].OrderID, 100, 0.49)
		s = h.wait(id)
		assert.Equal(t, domain.StatusActive, s.Status)
	})
}

// driftAfter serves the reference book until at, then a book that has run
// away from it.
type driftAfter struct {
	at          time.Time
	ref, runner domain.OrderBook
}

func (d *driftAfter) Book(_ context.Context, ref domain.MarketRef) (domain.OrderBook, error) {
	if ref != d.ref.Ref {
		return domain.OrderBook{}, domain.ErrNotFound
	}
	if time.Now().After(d.at) {
		return d.runner, nil
	}
	return d.ref, nil
}

func TestTolerant_NoDecisionPointOnceDeadlinePassed(t *testing.T) {
	polyNo := domain.MarketRef{Venue: domain.VenuePolymarket, MarketID: "P", Outcome: domain.OutcomeNo}
	cfg := testConfig()
	cfg.TolerantDeadline = 100 * time.Millisecond
	h := newHarness(t, cfg, domain.SafetyLimits{})
	// The cancel takes long enough for several drift ticks to pass.
	h.poly.Script("P", gatewaytest.Behavior{FillAfter: gatewaytest.Never, CancelDelay: 80 * time.Millisecond})
	h.coord.SetQuoteSource(&driftAfter{
		at:     time.Now().Add(cfg.TolerantDeadline + 10*time.Millisecond),
		ref:    book(polyNo, 0.47, 0.49),
		runner: book(polyNo, 0.58, 0.60),
	})

	s := h.run(pairStrategy(domain.ModeTolerant))

	assert.Equal(t, domain.StatusPartial, s.Status)
	assert.Nil(t, s.Decision)
	assert.NotContains(t, h.alerts.events(), "decision_required")
}

func TestDecide_WithoutDecisionPoint(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{})
	h.poly.Script("P", gatewaytest.Behavior{FillAfter: gatewaytest.Never})
	id := h.confirmed(pairStrategy(domain.ModeTolerant))
	_, err := h.coord.Execute(context.Background(), id)
	require.NoError(t, err)

	_, err = h.coord.Decide(context.Background(), id, DecisionWait)
	assert.ErrorIs(t, err, domain.ErrNoDecisionPending)

	_, err = h.coord.Continue(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrWrongMode)

	_, err = h.coord.Cancel(context.Background(), id)
	require.NoError(t, err)
}

func TestLegged_WaitsForContinueBetweenLegs(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{})
	id := h.confirmed(pairStrategy(domain.ModeLegged))

	var firstFinal bool
	h.poly.OnPlace(func(domain.OrderSpec) {
		s, err := h.machine.Get(context.Background(), id)
		firstFinal = err == nil && s.Legs[0].Final()
	})

	_, err := h.coord.Execute(context.Background(), id)
	require.NoError(t, err)
	h.eventually(id, func(s domain.Strategy) bool { return s.AwaitingContinue })

	s := h.get(id)
	assert.Equal(t, 1, s.NextLeg)
	assert.Equal(t, domain.LegFilled, s.Legs[0].State)
	assert.Equal(t, domain.LegPlanned, s.Legs[1].State)
	assert.Empty(t, h.poly.CallsFor("place"))

	_, err = h.coord.Continue(context.Background(), id)
	require.NoError(t, err)
	s = h.wait(id)

	assert.Equal(t, domain.StatusActive, s.Status)
	assert.False(t, s.AwaitingContinue)
	assert.True(t, firstFinal)
	assert.Less(t, h.kalshi.CallsFor("place")[0].Seq, h.poly.CallsFor("place")[0].Seq)
}

func TestLegged_StopsAtUnfilledLeg(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{})
	h.kalshi.Script("K", gatewaytest.Behavior{PlaceErr: domain.ErrVenueRejected})

	s := h.run(pairStrategy(domain.ModeLegged))

	assert.Equal(t, domain.StatusCancelled, s.Status)
	assert.Equal(t, domain.ReasonVenueRejected, s.Reason())
	assert.Equal(t, domain.LegCancelled, s.Legs[1].State)
	assert.Empty(t, h.poly.Calls())
}

func TestManual_ReportedFillsDriveStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("all legs filled", func(t *testing.T) {
		h := newHarness(t, testConfig(), domain.SafetyLimits{})
		id := h.confirmed(pairStrategy(domain.ModeManual))
		_, err := h.coord.Execute(ctx, id)
		require.NoError(t, err)

		s, err := h.coord.ReportFill(ctx, id, ManualFill{Leg: 0, Quantity: 60, Price: 0.36})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusExecuting, s.Status)
		assert.Equal(t, domain.LegPartiallyFilled, s.Legs[0].State)

		_, err = h.coord.ReportFill(ctx, id, ManualFill{Leg: 0, Quantity: 40, Price: 0.38})
		require.NoError(t, err)
		s, err = h.coord.ReportFill(ctx, id, ManualFill{Leg: 1, Quantity: 100, Price: 0.49})
		require.NoError(t, err)

		assert.Equal(t, domain.StatusActive, s.Status)
		assert.InDelta(t, 0.368, s.Legs[0].AvgPrice, 1e-9)
		assert.Empty(t, h.kalshi.Calls())
		assert.Empty(t, h.poly.Calls())
	})

	t.Run("finish with a short leg is partial", func(t *testing.T) {
		h := newHarness(t, testConfig(), domain.SafetyLimits{})
		id := h.confirmed(pairStrategy(domain.ModeManual))
		_, err := h.coord.Execute(ctx, id)
		require.NoError(t, err)

		_, err = h.coord.ReportFill(ctx, id, ManualFill{Leg: 0, Quantity: 100, Price: 0.37})
		require.NoError(t, err)
		_, err = h.coord.ReportFill(ctx, id, ManualFill{Leg: 1, Quantity: 101, Price: 0.49})
		assert.ErrorIs(t, err, domain.ErrInvalidStrategy)

		s, err := h.coord.FinishManual(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPartial, s.Status)
		assert.Equal(t, domain.LegCancelled, s.Legs[1].State)
	})

	t.Run("cancel goes straight to cancelled", func(t *testing.T) {
		h := newHarness(t, testConfig(), domain.SafetyLimits{})
		id := h.confirmed(pairStrategy(domain.ModeManual))
		_, err := h.coord.Execute(ctx, id)
		require.NoError(t, err)
		_, err = h.coord.ReportFill(ctx, id, ManualFill{Leg: 0, Quantity: 100, Price: 0.37})
		require.NoError(t, err)

		s, err := h.coord.Cancel(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, s.Status)
		assert.Equal(t, domain.ReasonUserCancel, s.Reason())
		assert.Contains(t, s.Rejection.Detail, "externally")
		assert.Empty(t, s.UnwindLegs)
		assert.Empty(t, h.kalshi.Calls())
	})
}

func TestExitMonitor_ProfitTargetClosesStrategy(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{})
	target := 0.05
	st := pairStrategy(domain.ModeStrict)
	st.Exit.ProfitTargetSpread = &target
	s := h.run(st)
	require.Equal(t, domain.StatusActive, s.Status)

	h.quotes.set(domain.MarketRef{Venue: domain.VenueKalshi, MarketID: "K", Outcome: domain.OutcomeYes}, 0.39, 0.41)
	h.quotes.set(domain.MarketRef{Venue: domain.VenuePolymarket, MarketID: "P", Outcome: domain.OutcomeNo}, 0.57, 0.59)
	h.coord.checkExits(context.Background())

	s = h.get(s.ID)
	assert.Equal(t, domain.StatusClosed, s.Status)
	assert.Equal(t, domain.ReasonProfitTarget, s.Reason())
	require.Len(t, s.UnwindLegs, 2)
	assert.Equal(t, 0.34, s.UnwindLegs[0].TargetPrice)
	assert.Equal(t, 0.52, s.UnwindLegs[1].TargetPrice)
	assert.Equal(t, 0, h.coord.Ledger().Snapshot().Strategies)
}

func TestExitReason(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{})
	now := time.Now()
	activated := now.Add(-2 * time.Hour)
	stop := 0.10

	s := pairStrategy(domain.ModeStrict)
	s.Legs[0].Index, s.Legs[1].Index = 0, 1
	s.ActivatedAt = &activated

	s.Exit = domain.ExitConditions{TimeExit: time.Hour}
	reason, ok := h.coord.exitReason(context.Background(), s, now)
	assert.True(t, ok)
	assert.Equal(t, domain.ReasonTimeExit, reason)

	s.Exit = domain.ExitConditions{StopLossSpread: &stop}
	_, ok = h.coord.exitReason(context.Background(), s, now)
	assert.False(t, ok, "no quotes yet")

	// Complementary spread: 0.50 - (1 - 0.65) = 0.15.
	h.quotes.set(s.Legs[0].Ref(), 0.49, 0.51)
	h.quotes.set(s.Legs[1].Ref(), 0.64, 0.66)
	reason, ok = h.coord.exitReason(context.Background(), s, now)
	assert.True(t, ok)
	assert.Equal(t, domain.ReasonStopLoss, reason)
}

func TestUnwindPrice(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{})
	leg := domain.StrategyLeg{Venue: domain.VenueKalshi, MarketID: "K", Outcome: domain.OutcomeYes, TargetPrice: 0.37, AvgPrice: 0.372}

	// No book: fall back to the fill price.
	assert.Equal(t, 0.32, h.coord.unwindPrice(context.Background(), leg, domain.DirectionSell))
	assert.Equal(t, 0.43, h.coord.unwindPrice(context.Background(), leg, domain.DirectionBuy))

	h.quotes.set(leg.Ref(), 0.03, 0.97)
	assert.Equal(t, 0.01, h.coord.unwindPrice(context.Background(), leg, domain.DirectionSell))
	assert.Equal(t, 0.99, h.coord.unwindPrice(context.Background(), leg, domain.DirectionBuy))
}

func TestRecover_ReconcilesInterruptedExecution(t *testing.T) {
	h := newHarness(t, testConfig(), domain.SafetyLimits{})
	ctx := context.Background()

	h.kalshi.Script("K", gatewaytest.Behavior{FillAfter: gatewaytest.Never})
	orderID, err := h.kalshi.PlaceOrder(ctx, domain.OrderSpec{MarketID: "K", Outcome: domain.OutcomeYes, Direction: domain.DirectionBuy, Price: 0.37, Quantity: 100}, time.Second)
	require.NoError(t, err)
	h.kalshi.Fill(orderID, 100, 0.37)

	now := time.Now().UTC()
	interrupted := pairStrategy(domain.ModeStrict)
	interrupted.ID = "interrupted"
	interrupted.Status = domain.StatusExecuting
	interrupted.CreatedAt = now
	interrupted.Legs[0].State = domain.LegSubmitted
	interrupted.Legs[0].OrderID = orderID
	interrupted.Legs[0].SubmittedAt = &now
	interrupted.Legs[1].Index = 1
	interrupted.Legs[1].State = domain.LegPlanned
	require.NoError(t, h.store.Save(ctx, interrupted))

	held := pairStrategy(domain.ModeStrict)
	held.ID = "held"
	held.Status = domain.StatusActive
	held.CreatedAt = now
	held.Legs[1].Index = 1
	for i := range held.Legs {
		held.Legs[i].State = domain.LegFilled
		held.Legs[i].FilledQty = 100
	}
	require.NoError(t, h.store.Save(ctx, held))

	require.NoError(t, h.coord.Recover(ctx))

	s := h.get("interrupted")
	assert.Equal(t, domain.StatusPartial, s.Status)
	assert.Equal(t, domain.LegFilled, s.Legs[0].State)
	assert.Equal(t, domain.LegCancelled, s.Legs[1].State)
	assert.Empty(t, s.UnwindLegs)
	assert.Equal(t, 2, h.coord.Ledger().Snapshot().Strategies)
}
