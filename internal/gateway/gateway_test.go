package gateway_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/gateway"
	"github.com/alanyoungcy/arbengine/internal/gateway/gatewaytest"
)

func TestCall_TimesOutWhenTransportIgnoresContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	start := time.Now()
	_, err := gateway.Call(context.Background(), 30*time.Millisecond, func(context.Context) (string, error) {
		<-block
		return "late", nil
	})
	require.ErrorIs(t, err, domain.ErrVenueTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCall_MapsDeadlineExceeded(t *testing.T) {
	err := gateway.CallErr(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, domain.ErrVenueTimeout)
}

func TestCall_PassesThroughResult(t *testing.T) {
	v, err := gateway.Call(context.Background(), time.Second, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = gateway.Call(context.Background(), time.Second, func(context.Context) (int, error) {
		return 0, domain.ErrVenueRejected
	})
	assert.ErrorIs(t, err, domain.ErrVenueRejected)
	assert.False(t, errors.Is(err, domain.ErrVenueTimeout))
}

func TestRegistry(t *testing.T) {
	k := gatewaytest.New(domain.VenueKalshi)
	p := gatewaytest.New(domain.VenuePolymarket)
	r := gateway.NewRegistry(p, k)

	gw, err := r.Get(domain.VenueKalshi)
	require.NoError(t, err)
	assert.Same(t, k, gw)
	assert.Equal(t, []domain.Venue{domain.VenueKalshi, domain.VenuePolymarket}, r.Venues())

	_, err = r.Get(domain.VenuePaper)
	assert.ErrorIs(t, err, domain.ErrVenueUnavailable)
}

type countingLimiter struct {
	mu    sync.Mutex
	keys  []string
	block bool
}

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (l *countingLimiter) Wait(ctx context.Context, key string, _ int, _ time.Duration) error {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	block := l.block
	l.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func TestRateLimited(t *testing.T) {
	fake := gatewaytest.New(domain.VenueKalshi)
	lim := &countingLimiter{}
	gw := gateway.WithRateLimit(fake, lim, 10, time.Second)

	id, err := gw.PlaceOrder(context.Background(), domain.OrderSpec{MarketID: "M", Price: 0.4, Quantity: 1}, time.Second)
	require.NoError(t, err)
	_, err = gw.GetOrderStatus(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"venue:kalshi", "venue:kalshi"}, lim.keys)

	lim.block = true
	_, err = gw.PlaceOrder(context.Background(), domain.OrderSpec{MarketID: "M", Price: 0.4, Quantity: 1}, 20*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrVenueTimeout)

	assert.Same(t, fake, gateway.WithRateLimit(fake, nil, 10, time.Second))
}

func TestFakeGateway_Lifecycle(t *testing.T) {
	ctx := context.Background()
	g := gatewaytest.New(domain.VenuePolymarket)
	g.Script("slow", gatewaytest.Behavior{FillAfter: gatewaytest.Never})
	g.Script("partial", gatewaytest.Behavior{FillQty: 4})

	id, err := g.PlaceOrder(ctx, domain.OrderSpec{MarketID: "slow", Price: 0.5, Quantity: 10}, time.Second)
	require.NoError(t, err)
	rep, err := g.GetOrderStatus(ctx, id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderOpen, rep.Status)
	require.NoError(t, g.CancelOrder(ctx, id, time.Second))
	assert.ErrorIs(t, g.CancelOrder(ctx, id, time.Second), domain.ErrAlreadyTerminal)

	id, err = g.PlaceOrder(ctx, domain.OrderSpec{MarketID: "partial", Price: 0.5, Quantity: 10}, time.Second)
	require.NoError(t, err)
	rep, err = g.GetOrderStatus(ctx, id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPartiallyFilled, rep.Status)
	assert.Equal(t, 4.0, rep.FilledQty)

	assert.ErrorIs(t, g.CancelOrder(ctx, "missing", time.Second), domain.ErrOrderNotFound)
	assert.Len(t, g.CallsFor("place"), 2)
}
