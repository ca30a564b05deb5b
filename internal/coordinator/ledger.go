package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Ledger is the global exposure account. It is the one serialized point in
// the engine: every admission passes through its mutex.
type Ledger struct {
	limits domain.SafetyLimits

	mu          sync.Mutex
	held        map[string]holding
	total       float64
	perMarket   map[string]float64
	openOrders  map[domain.Venue]int
	dailyVolume float64
	day         string
	now         func() time.Time
}

type holding struct {
	perMarket  map[string]float64
	openOrders map[domain.Venue]int
}

// NewLedger creates a ledger enforcing limits. Zero limits are disabled.
func NewLedger(limits domain.SafetyLimits) *Ledger {
	return &Ledger{
		limits:     limits,
		held:       make(map[string]holding),
		perMarket:  make(map[string]float64),
		openOrders: make(map[domain.Venue]int),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Limits returns the configured safety limits.
func (l *Ledger) Limits() domain.SafetyLimits { return l.limits }

func limitErr(leg int, format string, args ...any) error {
	return &domain.Rejection{Code: domain.ReasonExposureLimitExceeded, Leg: leg, Detail: fmt.Sprintf(format, args...)}
}

// Reserve admits s if its full notional fits inside every limit. Nothing is
// recorded when it returns an error.
func (l *Ledger) Reserve(s domain.Strategy) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDay()

	if _, ok := l.held[s.ID]; ok {
		return nil
	}
	lim := l.limits
	h := holding{perMarket: make(map[string]float64), openOrders: make(map[domain.Venue]int)}
	for _, leg := range s.Legs {
		n := leg.NotionalUSD()
		if lim.MaxOrderSizeUSD > 0 && n > lim.MaxOrderSizeUSD {
			return limitErr(leg.Index, "order size %.2f exceeds limit %.2f", n, lim.MaxOrderSizeUSD)
		}
		h.perMarket[leg.Ref().Key()] += n
		h.openOrders[leg.Venue]++
	}
	exposure := s.ExposureUSD()
	if lim.MaxTotalExposureUSD > 0 && l.total+exposure > lim.MaxTotalExposureUSD {
		return limitErr(-1, "total exposure %.2f would exceed limit %.2f", l.total+exposure, lim.MaxTotalExposureUSD)
	}
	if lim.MaxDailyVolumeUSD > 0 && l.dailyVolume+exposure > lim.MaxDailyVolumeUSD {
		return limitErr(-1, "daily volume %.2f would exceed limit %.2f", l.dailyVolume+exposure, lim.MaxDailyVolumeUSD)
	}
	for _, leg := range s.Legs {
		key := leg.Ref().Key()
		if lim.MaxPositionUSD > 0 && l.perMarket[key]+h.perMarket[key] > lim.MaxPositionUSD {
			return limitErr(leg.Index, "position in %s would reach %.2f, limit %.2f", key, l.perMarket[key]+h.perMarket[key], lim.MaxPositionUSD)
		}
		if lim.MaxOpenOrdersVenue > 0 && l.openOrders[leg.Venue]+h.openOrders[leg.Venue] > lim.MaxOpenOrdersVenue {
			return limitErr(leg.Index, "open orders on %s would exceed %d", leg.Venue, lim.MaxOpenOrdersVenue)
		}
	}

	l.apply(h, 1)
	l.held[s.ID] = h
	l.dailyVolume += exposure
	return nil
}

// Settle replaces a reservation with what s actually holds after execution
// and frees its open-order slots.
func (l *Ledger) Settle(s domain.Strategy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.held[s.ID]; ok {
		l.apply(old, -1)
	}
	h := holding{perMarket: netHoldings(s), openOrders: map[domain.Venue]int{}}
	l.apply(h, 1)
	l.held[s.ID] = h
}

// Release drops everything held for strategy id.
func (l *Ledger) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.held[id]; ok {
		l.apply(old, -1)
		delete(l.held, id)
	}
}

// Snapshot returns the current totals.
func (l *Ledger) Snapshot() domain.ExposureSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDay()
	snap := domain.ExposureSnapshot{
		TotalUSD:       l.total,
		DailyVolumeUSD: l.dailyVolume,
		PerMarketUSD:   make(map[string]float64, len(l.perMarket)),
		OpenOrders:     make(map[domain.Venue]int, len(l.openOrders)),
		Strategies:     len(l.held),
	}
	for k, v := range l.perMarket {
		snap.PerMarketUSD[k] = v
	}
	for k, v := range l.openOrders {
		snap.OpenOrders[k] = v
	}
	return snap
}

func (l *Ledger) apply(h holding, sign float64) {
	for k, v := range h.perMarket {
		l.perMarket[k] += sign * v
		l.total += sign * v
		if l.perMarket[k] <= 1e-9 {
			delete(l.perMarket, k)
		}
	}
	for v, n := range h.openOrders {
		l.openOrders[v] += int(sign) * n
		if l.openOrders[v] <= 0 {
			delete(l.openOrders, v)
		}
	}
	if l.total < 1e-9 {
		l.total = 0
	}
}

func (l *Ledger) rollDay() {
	day := l.now().Format("2006-01-02")
	if day != l.day {
		l.day = day
		l.dailyVolume = 0
	}
}

// netHoldings is the filled notional per market after unwinds.
func netHoldings(s domain.Strategy) map[string]float64 {
	net := netFilled(s)
	out := make(map[string]float64)
	for _, leg := range s.Legs {
		qty := net[leg.Index]
		if qty <= 0 {
			continue
		}
		price := leg.AvgPrice
		if price == 0 {
			price = leg.TargetPrice
		}
		out[leg.Ref().Key()] += leg.ExposureAt(price, qty)
	}
	return out
}

// netFilled is each leg's filled quantity minus what its unwinds filled.
func netFilled(s domain.Strategy) map[int]float64 {
	net := make(map[int]float64, len(s.Legs))
	for _, leg := range s.Legs {
		net[leg.Index] = leg.FilledQty
	}
	for _, u := range s.UnwindLegs {
		net[u.Index] -= u.FilledQty
	}
	return net
}
