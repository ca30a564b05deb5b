package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb), mr
}

func TestBookCache_RoundTrip(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	bc := NewBookCache(c, 10*time.Second)
	ref := domain.MarketRef{Venue: domain.VenueKalshi, MarketID: "K1", Outcome: domain.OutcomeYes}

	_, err := bc.Book(ctx, ref)
	require.ErrorIs(t, err, domain.ErrNotFound)

	ts := time.Unix(1700000000, 0)
	require.NoError(t, bc.SetBook(ctx, domain.OrderBook{
		Ref:       ref,
		Bids:      []domain.BookLevel{{Price: 0.38, Size: 10}, {Price: 0.40, Size: 5}},
		Asks:      []domain.BookLevel{{Price: 0.45, Size: 7}, {Price: 0.42, Size: 3}},
		Timestamp: ts,
	}))
	book, err := bc.Book(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ref, book.Ref)
	assert.Equal(t, []domain.BookLevel{{Price: 0.40, Size: 5}, {Price: 0.38, Size: 10}}, book.Bids)
	assert.Equal(t, []domain.BookLevel{{Price: 0.42, Size: 3}, {Price: 0.45, Size: 7}}, book.Asks)
	assert.True(t, ts.Equal(book.Timestamp))

	// a replacement drops stale levels
	require.NoError(t, bc.SetBook(ctx, domain.OrderBook{Ref: ref, Asks: []domain.BookLevel{{Price: 0.50, Size: 1}}}))
	book, err = bc.Book(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, book.Bids)
	assert.Equal(t, []domain.BookLevel{{Price: 0.50, Size: 1}}, book.Asks)

	mr.FastForward(11 * time.Second)
	_, err = bc.Book(ctx, ref)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLockManager(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "scan:p1", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "scan:p1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	unlock2, err := lm.Acquire(ctx, "scan:p1", time.Minute)
	require.NoError(t, err)
	defer unlock2()

	// an expired holder cannot release its successor's lock
	stale, err := lm.Acquire(ctx, "strategy:s1", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)
	_, err = lm.Acquire(ctx, "strategy:s1", time.Minute)
	require.NoError(t, err)
	stale()
	_, err = lm.Acquire(ctx, "strategy:s1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestRateLimiter(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	rl := NewRateLimiter(c)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "venue:kalshi", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "venue:kalshi", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "venue:polymarket", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rl.Wait(wctx, "venue:kalshi", 3, time.Minute), domain.ErrRateLimited)
}

func TestStrategyStore(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	s := NewStrategyStore(c)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.Save(ctx, domain.Strategy{ID: "a", PairID: "p1", Status: domain.StatusActive, Version: 3, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.Save(ctx, domain.Strategy{ID: "b", PairID: "p2", Status: domain.StatusProposed, Version: 1, CreatedAt: now.Add(time.Second), UpdatedAt: now}))
	require.NoError(t, s.Save(ctx, domain.Strategy{ID: "c", PairID: "p1", Status: domain.StatusCancelled, Version: 1, CreatedAt: now.Add(2 * time.Second), UpdatedAt: now}))
	// stale write ignored
	require.NoError(t, s.Save(ctx, domain.Strategy{ID: "a", Status: domain.StatusExecuting, Version: 2, CreatedAt: now}))

	got, err := s.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.EqualValues(t, 3, got.Version)

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	all, err := s.List(ctx, domain.StrategyFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	p1, err := s.List(ctx, domain.StrategyFilter{PairID: "p1", ListOpts: domain.ListOpts{Offset: 1, Limit: 5}})
	require.NoError(t, err)
	require.Len(t, p1, 1)
	assert.Equal(t, "a", p1[0].ID)

	live, err := s.List(ctx, domain.StrategyFilter{Statuses: []domain.StrategyStatus{domain.StatusProposed, domain.StatusActive}})
	require.NoError(t, err)
	assert.Len(t, live, 2)

	n, err := s.Delete(ctx, "c", "nope")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	all, err = s.List(ctx, domain.StrategyFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEventPublisher(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewSignalBus(c)
	pub := NewEventPublisher(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))

	live, err := pub.Subscribe(ctx)
	require.NoError(t, err)

	ev := domain.StrategyEvent{Kind: domain.EventTransition, StrategyID: "s1", From: domain.StatusConfirmed, To: domain.StatusExecuting, At: time.Now().UTC()}
	pub.PublishEvent(ev)

	select {
	case got := <-live:
		assert.Equal(t, "s1", got.StrategyID)
		assert.Equal(t, domain.StatusExecuting, got.To)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	pub.PublishEvent(domain.StrategyEvent{Kind: domain.EventLeg, StrategyID: "s1", At: time.Now().UTC()})
	events, last, err := pub.Replay(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventLeg, events[1].Kind)

	more, _, err := pub.Replay(ctx, last, 10)
	require.NoError(t, err)
	assert.Empty(t, more)
}
