package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/gateway/gatewaytest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newExecutor() *Executor {
	w := PollWatcher{Interval: 5 * time.Millisecond, CallTimeout: 100 * time.Millisecond}
	return New(w, Config{CallTimeout: 100 * time.Millisecond, CancelTimeout: 100 * time.Millisecond}, testLogger())
}

func plannedLeg(market string) domain.StrategyLeg {
	return domain.StrategyLeg{
		Index:       0,
		Venue:       domain.VenueKalshi,
		MarketID:    market,
		Outcome:     domain.OutcomeYes,
		Direction:   domain.DirectionBuy,
		TargetPrice: 0.37,
		Quantity:    10,
		State:       domain.LegPlanned,
	}
}

type updates struct {
	mu     sync.Mutex
	states []domain.LegState
}

func (u *updates) record(l domain.StrategyLeg) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.states = append(u.states, l.State)
}

func TestExecute_Fills(t *testing.T) {
	gw := gatewaytest.New(domain.VenueKalshi)
	u := &updates{}

	leg, err := newExecutor().Execute(context.Background(), gw, Request{
		Leg:      plannedLeg("M"),
		Deadline: time.Now().Add(time.Second),
		OnUpdate: u.record,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.LegFilled, leg.State)
	assert.Equal(t, 10.0, leg.FilledQty)
	assert.Equal(t, 0.37, leg.AvgPrice)
	assert.NotEmpty(t, leg.OrderID)
	assert.NotNil(t, leg.CompletedAt)
	assert.Equal(t, domain.LegSubmitted, u.states[0])
	assert.Empty(t, gw.CallsFor("cancel"))
}

func TestExecute_SubmitFailuresAreNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason domain.ReasonCode
	}{
		{"rejected", domain.ErrVenueRejected, domain.ReasonVenueRejected},
		{"unavailable", domain.ErrVenueUnavailable, domain.ReasonVenueUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := gatewaytest.New(domain.VenueKalshi)
			gw.Script("M", gatewaytest.Behavior{PlaceErr: tt.err})

			leg, err := newExecutor().Execute(context.Background(), gw, Request{Leg: plannedLeg("M"), Deadline: time.Now().Add(time.Second)})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.reason, domain.ReasonFor(err))
			assert.Equal(t, domain.LegFailed, leg.State)
			assert.Len(t, gw.CallsFor("place"), 1)
		})
	}
}

func TestExecute_SubmitTimeout(t *testing.T) {
	gw := gatewaytest.New(domain.VenueKalshi)
	gw.Script("M", gatewaytest.Behavior{PlaceDelay: time.Second})

	leg, err := newExecutor().Execute(context.Background(), gw, Request{Leg: plannedLeg("M"), Deadline: time.Now().Add(5 * time.Second)})
	assert.ErrorIs(t, err, domain.ErrVenueTimeout)
	assert.Equal(t, domain.LegFailed, leg.State)
}

func TestExecute_DeadlineCancelsUnfilledOrder(t *testing.T) {
	gw := gatewaytest.New(domain.VenueKalshi)
	gw.Script("M", gatewaytest.Behavior{FillAfter: gatewaytest.Never})

	start := time.Now()
	leg, err := newExecutor().Execute(context.Background(), gw, Request{Leg: plannedLeg("M"), Deadline: time.Now().Add(60 * time.Millisecond)})
	require.NoError(t, err)
	assert.Equal(t, domain.LegCancelled, leg.State)
	assert.Zero(t, leg.FilledQty)
	assert.Len(t, gw.CallsFor("cancel"), 1)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecute_DeadlineRecordsPartialFill(t *testing.T) {
	gw := gatewaytest.New(domain.VenueKalshi)
	gw.Script("M", gatewaytest.Behavior{FillQty: 4})

	leg, err := newExecutor().Execute(context.Background(), gw, Request{Leg: plannedLeg("M"), Deadline: time.Now().Add(60 * time.Millisecond)})
	require.NoError(t, err)
	assert.Equal(t, domain.LegPartiallyFilled, leg.State)
	assert.Equal(t, 4.0, leg.FilledQty)
	assert.True(t, leg.Final())
}

func TestExecute_CancelFailureReportsFailed(t *testing.T) {
	gw := gatewaytest.New(domain.VenueKalshi)
	gw.Script("M", gatewaytest.Behavior{FillAfter: gatewaytest.Never, CancelErr: domain.ErrVenueUnavailable})

	leg, err := newExecutor().Execute(context.Background(), gw, Request{Leg: plannedLeg("M"), Deadline: time.Now().Add(40 * time.Millisecond)})
	require.Error(t, err)
	assert.Equal(t, domain.LegFailed, leg.State)
	assert.Equal(t, "cancel_failed", leg.Detail)
	assert.Equal(t, domain.ReasonCancelFailed, domain.ReasonFor(err))
	assert.Len(t, gw.CallsFor("cancel"), 1, "a failed cancel is not retried")
}

func TestExecute_StrategyCancelPropagates(t *testing.T) {
	gw := gatewaytest.New(domain.VenueKalshi)
	gw.Script("M", gatewaytest.Behavior{FillAfter: gatewaytest.Never})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	leg, err := newExecutor().Execute(ctx, gw, Request{Leg: plannedLeg("M"), Deadline: time.Now().Add(10 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, domain.LegCancelled, leg.State)
	assert.Equal(t, "cancelled by strategy", leg.Detail)
}

type chanFeed struct {
	ch chan domain.FillEvent
}

func (f chanFeed) SubscribeFills(context.Context, string) (<-chan domain.FillEvent, error) {
	return f.ch, nil
}

func TestPushWatcher_CompletesFromFills(t *testing.T) {
	gw := gatewaytest.New(domain.VenueKalshi)
	gw.Script("M", gatewaytest.Behavior{FillAfter: gatewaytest.Never})
	feed := chanFeed{ch: make(chan domain.FillEvent, 2)}
	feed.ch <- domain.FillEvent{Quantity: 6, Price: 0.36, At: time.Now()}
	feed.ch <- domain.FillEvent{Quantity: 4, Price: 0.41, At: time.Now()}

	w := PushWatcher{Feed: feed, Fallback: PollWatcher{Interval: time.Hour}}
	e := New(w, Config{}, testLogger())

	leg, err := e.Execute(context.Background(), gw, Request{Leg: plannedLeg("M"), Deadline: time.Now().Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, domain.LegFilled, leg.State)
	assert.InDelta(t, 0.38, leg.AvgPrice, 1e-9)
	assert.Empty(t, gw.CallsFor("cancel"))
}

func TestByVenue_RoutesToVenueWatcher(t *testing.T) {
	kalshi := gatewaytest.New(domain.VenueKalshi)
	kalshi.Script("M", gatewaytest.Behavior{FillAfter: gatewaytest.Never})
	poly := gatewaytest.New(domain.VenuePolymarket)

	feed := chanFeed{ch: make(chan domain.FillEvent, 1)}
	feed.ch <- domain.FillEvent{Quantity: 10, Price: 0.37, At: time.Now()}
	w := ByVenue{
		Watchers: map[domain.Venue]FillWatcher{
			domain.VenueKalshi: PushWatcher{Feed: feed, Fallback: PollWatcher{Interval: time.Hour}},
		},
		Default: PollWatcher{Interval: 5 * time.Millisecond},
	}
	e := New(w, Config{}, testLogger())

	leg, err := e.Execute(context.Background(), kalshi, Request{Leg: plannedLeg("M"), Deadline: time.Now().Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, domain.LegFilled, leg.State)
	assert.Empty(t, kalshi.CallsFor("status"), "kalshi legs complete from the push feed")

	pleg := plannedLeg("P")
	pleg.Venue = domain.VenuePolymarket
	leg, err = e.Execute(context.Background(), poly, Request{Leg: pleg, Deadline: time.Now().Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, domain.LegFilled, leg.State)
	assert.NotEmpty(t, poly.CallsFor("status"))
}
