package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/platform/polymarket"
	"github.com/alanyoungcy/arbengine/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	kalshiYes = domain.MarketRef{Venue: domain.VenueKalshi, MarketID: "K1", Outcome: domain.OutcomeYes}
	polyNo    = domain.MarketRef{Venue: domain.VenuePolymarket, MarketID: "0xc1", Outcome: domain.OutcomeNo}
	polyYes   = domain.MarketRef{Venue: domain.VenuePolymarket, MarketID: "0xc1", Outcome: domain.OutcomeYes}
)

type fakeSource struct {
	venue domain.Venue
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (s *fakeSource) Venue() domain.Venue { return s.venue }

func (s *fakeSource) GetBook(_ context.Context, marketID string, outcome domain.Outcome) (domain.OrderBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, marketID+"/"+string(outcome))
	if s.fail[marketID] {
		return domain.OrderBook{}, domain.ErrVenueUnavailable
	}
	return domain.OrderBook{Asks: []domain.BookLevel{{Price: 0.4, Size: 10}}}, nil
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	sub       chan []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string][][]byte), sub: make(chan []byte, 4)}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return b.sub, nil }

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestPoller_PollOnce(t *testing.T) {
	ctx := context.Background()
	pairs := memory.NewPairStore(
		domain.MarketPair{A: kalshiYes, B: polyNo, Active: true, Correlation: 1},
		domain.MarketPair{A: domain.MarketRef{Venue: domain.VenueKalshi, MarketID: "K2", Outcome: domain.OutcomeYes}, B: polyNo, Active: true, Correlation: 1},
	)
	kalshi := &fakeSource{venue: domain.VenueKalshi, fail: map[string]bool{"K2": true}}
	poly := &fakeSource{venue: domain.VenuePolymarket}
	cache := memory.NewBookCache()
	bus := newFakeBus()

	p := NewPoller(pairs, []domain.BookSource{kalshi, poly}, NewSink(cache, bus, testLogger()), time.Second, testLogger())
	n := p.PollOnce(ctx)

	assert.Equal(t, 2, n, "K1 and the shared polymarket leg; K2 fails")
	assert.Len(t, poly.calls, 1, "shared refs are fetched once")
	book, err := cache.Book(ctx, kalshiYes)
	require.NoError(t, err)
	assert.Equal(t, kalshiYes, book.Ref)
	assert.Len(t, bus.published[BooksChannel], 2)

	_, err = cache.Book(ctx, domain.MarketRef{Venue: domain.VenueKalshi, MarketID: "K2", Outcome: domain.OutcomeYes})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPoller_SkipsStreamedVenue(t *testing.T) {
	pairs := memory.NewPairStore(domain.MarketPair{A: kalshiYes, B: polyNo, Active: true, Correlation: 1})
	kalshi := &fakeSource{venue: domain.VenueKalshi}
	poly := &fakeSource{venue: domain.VenuePolymarket}

	p := NewPoller(pairs, []domain.BookSource{kalshi, poly}, NewSink(memory.NewBookCache(), nil, testLogger()), time.Second, testLogger()).
		Skip(domain.VenuePolymarket)
	assert.Equal(t, 1, p.PollOnce(context.Background()))
	assert.Empty(t, poly.calls)
}

func TestBusFeeder_StoresBooks(t *testing.T) {
	bus := newFakeBus()
	cache := memory.NewBookCache()
	f := NewBusFeeder(bus, cache, testLogger())

	payload, err := json.Marshal(domain.OrderBook{Ref: kalshiYes, Bids: []domain.BookLevel{{Price: 0.3, Size: 1}}})
	require.NoError(t, err)
	bus.sub <- []byte("not json")
	bus.sub <- payload
	close(bus.sub)

	require.NoError(t, f.Run(context.Background()))
	book, err := cache.Book(context.Background(), kalshiYes)
	require.NoError(t, err)
	assert.Equal(t, 0.3, book.Bids[0].Price)
}

type fakeTokens struct{}

func (fakeTokens) Tokens(_ context.Context, conditionID string) (polymarket.MarketTokens, error) {
	if conditionID != "0xc1" {
		return polymarket.MarketTokens{}, errors.New("unknown condition")
	}
	return polymarket.MarketTokens{
		ConditionID: conditionID,
		Tokens:      map[domain.Outcome]string{domain.OutcomeYes: "222", domain.OutcomeNo: "111"},
	}, nil
}

func (fakeTokens) Ref(string) (domain.MarketRef, bool) { return domain.MarketRef{}, false }

func TestPolymarketStream_Assets(t *testing.T) {
	pairs := memory.NewPairStore(
		domain.MarketPair{A: kalshiYes, B: polyNo, Active: true, Correlation: 1},
		domain.MarketPair{ID: "p2", A: polyYes, B: polyNo, Active: true, Correlation: 1},
		domain.MarketPair{ID: "p3", A: kalshiYes, B: domain.MarketRef{Venue: domain.VenuePolymarket, MarketID: "0xgone", Outcome: domain.OutcomeYes}, Active: true, Correlation: 1},
	)
	s := NewPolymarketStream("ws://unused", pairs, fakeTokens{}, NewSink(memory.NewBookCache(), nil, testLogger()), time.Minute, testLogger())
	assert.Equal(t, []string{"111", "222"}, s.assets(context.Background()))
}
