package scanner

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/evaluator"
	"github.com/alanyoungcy/arbengine/internal/fee"
	"github.com/alanyoungcy/arbengine/internal/service"
	"github.com/alanyoungcy/arbengine/internal/store/memory"
)

var (
	kalshiYes = domain.MarketRef{Venue: domain.VenueKalshi, MarketID: "K", Outcome: domain.OutcomeYes}
	polyNo    = domain.MarketRef{Venue: domain.VenuePolymarket, MarketID: "P", Outcome: domain.OutcomeNo}
)

type proposals struct {
	mu   sync.Mutex
	opps []*domain.Opportunity
}

func (p *proposals) ProposeOpportunity(_ context.Context, opp *domain.Opportunity, tmpl service.Template) (domain.Strategy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opps = append(p.opps, opp)
	return domain.Strategy{ID: opp.Pair.ID, Mode: tmpl.Mode, Status: domain.StatusProposed}, nil
}

type alertLog struct {
	mu  sync.Mutex
	got []domain.Alert
}

func (a *alertLog) Alert(_ context.Context, al domain.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, al)
}

type heldLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *heldLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {}, nil
}

func level(price, size float64) []domain.BookLevel {
	return []domain.BookLevel{{Price: price, Size: size}}
}

func newScanner(t *testing.T, pair domain.MarketPair) (*Scanner, *memory.BookCache, *memory.PairStore, *proposals) {
	t.Helper()
	schedule := fee.NewSchedule(map[domain.Venue]fee.Model{
		domain.VenueKalshi:     fee.Variance{Rate: decimal.RequireFromString("0.07"), PerContract: true},
		domain.VenuePolymarket: fee.Zero{},
	}, nil)
	eval := evaluator.New(schedule, evaluator.Params{Hurdle: 0.01})
	books := memory.NewBookCache()
	pairs := memory.NewPairStore(pair)
	prop := &proposals{}
	s := New(pairs, books, eval, prop, Config{
		Cooldown: time.Minute,
		Sizing:   domain.SizingPolicy{Kind: domain.SizingFixedContracts, Amount: 100},
		Template: service.Template{Mode: domain.ModeTolerant},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s, books, pairs, prop
}

func hedgePair() domain.MarketPair {
	return domain.MarketPair{
		ID:             domain.PairID(kalshiYes, polyNo),
		A:              kalshiYes,
		B:              polyNo,
		Kind:           domain.PairComplementary,
		Correlation:    1,
		AlertThreshold: 0.1,
		Active:         true,
	}
}

func seed(t *testing.T, books *memory.BookCache) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, books.SetBook(ctx, domain.OrderBook{Ref: kalshiYes, Bids: level(0.35, 500), Asks: level(0.37, 500)}))
	require.NoError(t, books.SetBook(ctx, domain.OrderBook{Ref: polyNo, Bids: level(0.47, 500), Asks: level(0.49, 500)}))
}

func TestScan_ProposesProfitablePairOnce(t *testing.T) {
	pair := hedgePair()
	s, books, pairs, prop := newScanner(t, pair)
	s.SetSpreadRecorder(pairs)
	seed(t, books)

	got, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.ModeTolerant, got[0].Mode)

	require.Len(t, prop.opps, 1)
	opp := prop.opps[0]
	assert.Equal(t, "12.00", opp.NetProfit.StringFixed(2))
	assert.Equal(t, domain.DirectionBuy, opp.Legs[0].Direction)
	assert.Equal(t, domain.DirectionBuy, opp.Legs[1].Direction)

	stored, err := pairs.GetPair(context.Background(), pair.ID)
	require.NoError(t, err)
	assert.InDelta(t, -0.16, stored.LastSpread, 1e-9)

	got, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got, "pair is cooling down")
}

func TestScan_NoOpportunityWhenPricesSumAboveOne(t *testing.T) {
	s, books, _, prop := newScanner(t, hedgePair())
	ctx := context.Background()
	require.NoError(t, books.SetBook(ctx, domain.OrderBook{Ref: kalshiYes, Bids: level(0.50, 500), Asks: level(0.52, 500)}))
	require.NoError(t, books.SetBook(ctx, domain.OrderBook{Ref: polyNo, Bids: level(0.46, 500), Asks: level(0.49, 500)}))

	got, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, prop.opps)
}

func TestScan_SkipsPairLockedElsewhere(t *testing.T) {
	pair := hedgePair()
	s, books, _, prop := newScanner(t, pair)
	s.SetLockManager(&heldLocks{held: map[string]bool{"scan:" + pair.ID: true}})
	seed(t, books)

	got, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, prop.opps)
}

func TestScan_SpreadAlertRespectsCooldown(t *testing.T) {
	s, books, _, _ := newScanner(t, hedgePair())
	alerts := &alertLog{}
	s.SetAlerter(alerts)
	seed(t, books)

	_, err := s.Scan(context.Background())
	require.NoError(t, err)
	_, err = s.Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, alerts.got, 1)
	assert.Equal(t, "spread_alert", alerts.got[0].Event)
}

func TestCooldown(t *testing.T) {
	now := time.Now()
	c := NewCooldown(time.Minute)
	c.now = func() time.Time { return now }

	assert.False(t, c.Active("a"))
	assert.True(t, c.Active("a"))
	assert.False(t, c.Active("b"))

	now = now.Add(2 * time.Minute)
	c.Cleanup()
	assert.Empty(t, c.seen)
	assert.False(t, c.Active("a"))

	c.Forget("a")
	assert.False(t, c.Active("a"))
}
