package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

func ledgerStrategy(id string, priceA, priceB, qty float64) domain.Strategy {
	s := pairStrategy(domain.ModeStrict)
	s.ID = id
	s.Legs[0].TargetPrice, s.Legs[0].Quantity = priceA, qty
	s.Legs[1].TargetPrice, s.Legs[1].Quantity = priceB, qty
	s.Legs[1].Index = 1
	return s
}

func TestLedger_ReserveEnforcesLimits(t *testing.T) {
	tests := []struct {
		name   string
		limits domain.SafetyLimits
		leg    int
	}{
		{"order size", domain.SafetyLimits{MaxOrderSizeUSD: 40}, 1},
		{"total exposure", domain.SafetyLimits{MaxTotalExposureUSD: 80}, -1},
		{"daily volume", domain.SafetyLimits{MaxDailyVolumeUSD: 80}, -1},
		{"position", domain.SafetyLimits{MaxPositionUSD: 45}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLedger(tt.limits)
			err := l.Reserve(ledgerStrategy("s1", 0.37, 0.49, 100))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrExposureLimitExceeded)
			assert.Equal(t, tt.leg, domain.Reject(err, -1).Leg)
			assert.Zero(t, l.Snapshot().TotalUSD)
		})
	}
}

func TestLedger_OpenOrdersPerVenue(t *testing.T) {
	l := NewLedger(domain.SafetyLimits{MaxOpenOrdersVenue: 1})
	require.NoError(t, l.Reserve(ledgerStrategy("s1", 0.37, 0.49, 10)))
	assert.ErrorIs(t, l.Reserve(ledgerStrategy("s2", 0.37, 0.49, 10)), domain.ErrExposureLimitExceeded)

	// Settling frees the order slots.
	s1 := ledgerStrategy("s1", 0.37, 0.49, 10)
	s1.Legs[0].FilledQty, s1.Legs[1].FilledQty = 10, 10
	l.Settle(s1)
	require.NoError(t, l.Reserve(ledgerStrategy("s2", 0.37, 0.49, 10)))
}

func TestLedger_SettleAndRelease(t *testing.T) {
	l := NewLedger(domain.SafetyLimits{MaxTotalExposureUSD: 100})
	s := ledgerStrategy("s1", 0.37, 0.49, 100)
	require.NoError(t, l.Reserve(s))
	assert.InDelta(t, 86.0, l.Snapshot().TotalUSD, 1e-9)
	require.NoError(t, l.Reserve(s), "reserving twice is a no-op")
	assert.InDelta(t, 86.0, l.Snapshot().TotalUSD, 1e-9)

	s.Legs[0].FilledQty, s.Legs[0].AvgPrice = 100, 0.37
	s.UnwindLegs = []domain.StrategyLeg{{Index: 0, FilledQty: 40}}
	l.Settle(s)
	snap := l.Snapshot()
	assert.InDelta(t, 22.2, snap.TotalUSD, 1e-9)
	assert.Equal(t, 1, snap.Strategies)
	assert.Empty(t, snap.OpenOrders)

	l.Release("s1")
	snap = l.Snapshot()
	assert.Zero(t, snap.TotalUSD)
	assert.Zero(t, snap.Strategies)
	assert.InDelta(t, 86.0, snap.DailyVolumeUSD, 1e-9)
}

func TestLedger_SellLegsChargeTheComplement(t *testing.T) {
	l := NewLedger(domain.SafetyLimits{MaxTotalExposureUSD: 100})
	s := ledgerStrategy("s1", 0.37, 0.49, 100)
	s.Legs[1].Direction = domain.DirectionSell
	require.NoError(t, l.Reserve(s))
	// 100 * 0.37 bought plus 100 * (1 - 0.49) sold.
	assert.InDelta(t, 88.0, l.Snapshot().TotalUSD, 1e-9)

	s.Legs[1].FilledQty, s.Legs[1].AvgPrice = 100, 0.40
	l.Settle(s)
	assert.InDelta(t, 60.0, l.Snapshot().TotalUSD, 1e-9)
	assert.InDelta(t, 60.0, s.FilledExposureUSD(), 1e-9)

	// The all-buy version (86) fits a limit the sell version (88) does not.
	tight := NewLedger(domain.SafetyLimits{MaxTotalExposureUSD: 87})
	sell := ledgerStrategy("s2", 0.37, 0.49, 100)
	sell.Legs[1].Direction = domain.DirectionSell
	assert.ErrorIs(t, tight.Reserve(sell), domain.ErrExposureLimitExceeded)
	assert.NoError(t, tight.Reserve(ledgerStrategy("s3", 0.37, 0.49, 100)))
}

func TestAggregate(t *testing.T) {
	filled := func(i int, qty float64) domain.StrategyLeg {
		return domain.StrategyLeg{Index: i, State: domain.LegFilled, Quantity: 100, FilledQty: qty}
	}
	cancelled := domain.StrategyLeg{Index: 1, State: domain.LegCancelled, Quantity: 100, Detail: "cancelled at deadline"}
	partial := domain.StrategyLeg{Index: 1, State: domain.LegPartiallyFilled, Quantity: 100, FilledQty: 30}

	tests := []struct {
		name   string
		legs   []domain.StrategyLeg
		minQty float64
		errs   map[int]error
		status domain.StrategyStatus
		reason domain.ReasonCode
		leg    int
	}{
		{"all filled", []domain.StrategyLeg{filled(0, 100), filled(1, 100)}, 0, nil, domain.StatusActive, domain.ReasonNone, 0},
		{"one unfilled", []domain.StrategyLeg{filled(0, 100), cancelled}, 0, nil, domain.StatusPartial, domain.ReasonLegNotFilled, 1},
		{"partial fill", []domain.StrategyLeg{filled(0, 100), partial}, 0, nil, domain.StatusPartial, domain.ReasonLegNotFilled, 1},
		{"nothing filled", []domain.StrategyLeg{{Index: 0, State: domain.LegFailed}, cancelled}, 0,
			map[int]error{0: domain.ErrVenueRejected}, domain.StatusCancelled, domain.ReasonVenueRejected, 0},
		{"below min entered", []domain.StrategyLeg{filled(0, 100), filled(1, 40)}, 50, nil, domain.StatusPartial, domain.ReasonLegNotFilled, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, rej := Aggregate(tt.legs, tt.minQty, tt.errs)
			assert.Equal(t, tt.status, status)
			if tt.reason == domain.ReasonNone {
				assert.Nil(t, rej)
				return
			}
			require.NotNil(t, rej)
			assert.Equal(t, tt.reason, rej.Code)
			assert.Equal(t, tt.leg, rej.Leg)
		})
	}
}
