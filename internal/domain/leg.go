package domain

import "time"

// LegState is the lifecycle state of a single leg order.
type LegState string

const (
	LegPlanned         LegState = "PLANNED"
	LegSubmitted       LegState = "SUBMITTED"
	LegPartiallyFilled LegState = "PARTIALLY_FILLED"
	LegFilled          LegState = "FILLED"
	LegCancelled       LegState = "CANCELLED"
	LegFailed          LegState = "FAILED"
)

// Terminal reports whether the state can never change again. A
// PARTIALLY_FILLED leg may still complete until its executor finalizes it.
func (s LegState) Terminal() bool {
	switch s {
	case LegFilled, LegCancelled, LegFailed:
		return true
	}
	return false
}

// StrategyLeg is one planned or executed order of a strategy.
type StrategyLeg struct {
	Index       int        `json:"index"`
	Venue       Venue      `json:"venue"`
	MarketID    string     `json:"market_id"`
	Outcome     Outcome    `json:"outcome"`
	Direction   Direction  `json:"direction"`
	TargetPrice float64    `json:"target_price"`
	Quantity    float64    `json:"quantity"`
	State       LegState   `json:"state"`
	OrderID     string     `json:"order_id,omitempty"`
	FilledQty   float64    `json:"filled_qty"`
	AvgPrice    float64    `json:"avg_price"`
	Detail      string     `json:"detail,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Ref returns the market outcome this leg trades.
func (l StrategyLeg) Ref() MarketRef {
	return MarketRef{Venue: l.Venue, MarketID: l.MarketID, Outcome: l.Outcome}
}

// Final reports whether the leg's executor has finished with it.
func (l StrategyLeg) Final() bool {
	return l.CompletedAt != nil || l.State.Terminal()
}

// NotionalUSD is the leg's exposure at its target price.
func (l StrategyLeg) NotionalUSD() float64 {
	return l.ExposureAt(l.TargetPrice, l.Quantity)
}

// ExposureAt is the most qty contracts of this leg can lose at price: the
// premium paid on a buy, the complement 1-price on a sell.
func (l StrategyLeg) ExposureAt(price, qty float64) float64 {
	if l.Direction == DirectionSell {
		return qty * (1 - price)
	}
	return qty * price
}

// SameComposition reports whether two legs trade the same thing in the same
// size, ignoring price and execution state.
func (l StrategyLeg) SameComposition(o StrategyLeg) bool {
	return l.Venue == o.Venue && l.MarketID == o.MarketID && l.Outcome == o.Outcome &&
		l.Direction == o.Direction && l.Quantity == o.Quantity
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (l StrategyLeg) clone() StrategyLeg {
	l.SubmittedAt = cloneTime(l.SubmittedAt)
	l.CompletedAt = cloneTime(l.CompletedAt)
	return l
}
