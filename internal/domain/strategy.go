package domain

import (
	"math"
	"time"
)

// StrategyStatus is the lifecycle state of a strategy.
type StrategyStatus string

const (
	StatusProposed  StrategyStatus = "PROPOSED"
	StatusConfirmed StrategyStatus = "CONFIRMED"
	StatusRejected  StrategyStatus = "REJECTED"
	StatusExecuting StrategyStatus = "EXECUTING"
	StatusActive    StrategyStatus = "ACTIVE"
	StatusPartial   StrategyStatus = "PARTIAL"
	StatusCancelled StrategyStatus = "CANCELLED"
	StatusClosing   StrategyStatus = "CLOSING"
	StatusClosed    StrategyStatus = "CLOSED"
)

// Terminal reports whether no further transition is possible.
func (s StrategyStatus) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled || s == StatusRejected
}

// ExecutionMode controls how the coordinator runs a strategy's legs.
type ExecutionMode string

const (
	ModeStrict   ExecutionMode = "STRICT"
	ModeTolerant ExecutionMode = "TOLERANT"
	ModeLegged   ExecutionMode = "LEGGED"
	ModeManual   ExecutionMode = "MANUAL"
)

// StrategyType classifies the opportunity a strategy exploits.
type StrategyType string

const (
	TypePriceDiscrepancy StrategyType = "price_discrepancy"
	TypeCalendarSpread   StrategyType = "calendar_spread"
	TypeHedge            StrategyType = "hedge"
)

// SizingKind selects how a strategy's size is expressed.
type SizingKind string

const (
	SizingFixedUSD       SizingKind = "fixed_usd"
	SizingFixedContracts SizingKind = "fixed_contracts"
)

// SizingPolicy is the strategy's requested size.
type SizingPolicy struct {
	Kind   SizingKind `json:"kind"`
	Amount float64    `json:"amount"`
}

// Contracts converts the policy to a whole number of contracts at price.
func (p SizingPolicy) Contracts(price float64) float64 {
	if p.Kind == SizingFixedContracts {
		return math.Floor(p.Amount)
	}
	if price <= 0 {
		return 0
	}
	return math.Floor(p.Amount / price)
}

// EntryConditions gate whether a strategy is worth entering.
type EntryConditions struct {
	MinNetEdge      float64 `json:"min_net_edge"`
	MinLegLiquidity float64 `json:"min_leg_liquidity"`
	MaxSlippagePct  float64 `json:"max_slippage_pct"`
	// MinEnteredQty is the fill per leg required for ACTIVE; zero means any full fill.
	MinEnteredQty float64 `json:"min_entered_qty"`
}

// ExitConditions drive the exit monitor for ACTIVE strategies. Nil spreads
// and a zero TimeExit are disabled.
type ExitConditions struct {
	ProfitTargetSpread *float64      `json:"profit_target_spread,omitempty"`
	StopLossSpread     *float64      `json:"stop_loss_spread,omitempty"`
	TimeExit           time.Duration `json:"time_exit,omitempty"`
}

// RiskParams are the per-strategy risk assumptions.
type RiskParams struct {
	MaxLossUSD           float64       `json:"max_loss_usd"`
	Correlation          float64       `json:"correlation"`
	SettlementRiskBuffer time.Duration `json:"settlement_risk_buffer"`
}

// DecisionPoint is raised by TOLERANT execution when a pending leg drifts
// past the slippage bound. Execution waits until a decision is recorded.
type DecisionPoint struct {
	LegIndex int       `json:"leg_index"`
	DriftPct float64   `json:"drift_pct"`
	RaisedAt time.Time `json:"raised_at"`
}

// Transition records one status change.
type Transition struct {
	From   StrategyStatus `json:"from"`
	To     StrategyStatus `json:"to"`
	Reason ReasonCode     `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

// Strategy is the unit of arbitrage execution.
type Strategy struct {
	ID     string          `json:"id"`
	Type   StrategyType    `json:"type"`
	PairID string          `json:"pair_id,omitempty"`
	Legs   []StrategyLeg   `json:"legs"`
	Sizing SizingPolicy    `json:"sizing"`
	Entry  EntryConditions `json:"entry"`
	Exit   ExitConditions  `json:"exit"`
	Risk   RiskParams      `json:"risk"`
	Mode   ExecutionMode   `json:"mode"`
	Status StrategyStatus  `json:"status"`

	// Rejection explains the latest refusal, abort or forced exit.
	Rejection *Rejection     `json:"rejection,omitempty"`
	Decision  *DecisionPoint `json:"decision,omitempty"`
	// AwaitingContinue is set in LEGGED mode while leg NextLeg waits for a signal.
	AwaitingContinue bool `json:"awaiting_continue,omitempty"`
	NextLeg          int  `json:"next_leg"`
	// UnwindLegs are the offsetting orders sent by an abort or exit.
	UnwindLegs  []StrategyLeg `json:"unwind_legs,omitempty"`
	EntrySpread float64       `json:"entry_spread"`
	ExpectedPnL float64       `json:"expected_pnl"`
	History     []Transition  `json:"history,omitempty"`

	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// Reason returns the rejection code, if any.
func (s Strategy) Reason() ReasonCode {
	if s.Rejection == nil {
		return ReasonNone
	}
	return s.Rejection.Code
}

// ExposureUSD is the notional of all legs at their target prices.
func (s Strategy) ExposureUSD() float64 {
	var total float64
	for _, l := range s.Legs {
		total += l.NotionalUSD()
	}
	return total
}

// FilledExposureUSD is the exposure actually held after execution: each
// leg's fill net of its unwinds, at the fill price.
func (s Strategy) FilledExposureUSD() float64 {
	net := make(map[int]float64, len(s.Legs))
	for _, l := range s.Legs {
		net[l.Index] = l.FilledQty
	}
	for _, u := range s.UnwindLegs {
		net[u.Index] -= u.FilledQty
	}
	var total float64
	for _, l := range s.Legs {
		qty := net[l.Index]
		if qty <= 0 {
			continue
		}
		price := l.AvgPrice
		if price == 0 {
			price = l.TargetPrice
		}
		total += l.ExposureAt(price, qty)
	}
	return total
}

// Clone returns a deep copy safe to hand to readers.
func (s Strategy) Clone() Strategy {
	out := s
	out.Legs = cloneLegs(s.Legs)
	out.UnwindLegs = cloneLegs(s.UnwindLegs)
	if s.History != nil {
		out.History = append([]Transition(nil), s.History...)
	}
	if s.Rejection != nil {
		r := *s.Rejection
		out.Rejection = &r
	}
	if s.Decision != nil {
		d := *s.Decision
		out.Decision = &d
	}
	if s.Exit.ProfitTargetSpread != nil {
		v := *s.Exit.ProfitTargetSpread
		out.Exit.ProfitTargetSpread = &v
	}
	if s.Exit.StopLossSpread != nil {
		v := *s.Exit.StopLossSpread
		out.Exit.StopLossSpread = &v
	}
	out.ActivatedAt = cloneTime(s.ActivatedAt)
	out.ClosedAt = cloneTime(s.ClosedAt)
	return out
}

func cloneLegs(legs []StrategyLeg) []StrategyLeg {
	if legs == nil {
		return nil
	}
	out := make([]StrategyLeg, len(legs))
	for i, l := range legs {
		out[i] = l.clone()
	}
	return out
}
