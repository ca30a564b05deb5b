package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// LegRequest is one leg of a proposed strategy.
type LegRequest struct {
	Venue     string  `json:"venue" validate:"required,oneof=kalshi polymarket paper"`
	MarketID  string  `json:"market_id" validate:"required"`
	Outcome   string  `json:"outcome" validate:"required"`
	Direction string  `json:"direction" validate:"required,oneof=buy sell"`
	Price     float64 `json:"price" validate:"gt=0,lt=1"`
	Quantity  float64 `json:"quantity" validate:"gt=0"`
}

// SizingRequest mirrors domain.SizingPolicy.
type SizingRequest struct {
	Kind   string  `json:"kind" validate:"required,oneof=fixed_usd fixed_contracts"`
	Amount float64 `json:"amount" validate:"gt=0"`
}

// ProposeRequest creates a strategy in PROPOSED.
type ProposeRequest struct {
	ID     string         `json:"id,omitempty" validate:"omitempty,max=64"`
	Type   string         `json:"type" validate:"omitempty,oneof=price_discrepancy calendar_spread hedge"`
	PairID string         `json:"pair_id,omitempty"`
	Mode   string         `json:"mode" validate:"omitempty,oneof=STRICT TOLERANT LEGGED MANUAL"`
	Legs   []LegRequest   `json:"legs" validate:"min=2,dive"`
	Sizing *SizingRequest `json:"sizing,omitempty"`

	MinNetEdge      float64 `json:"min_net_edge" validate:"gte=0"`
	MinLegLiquidity float64 `json:"min_leg_liquidity" validate:"gte=0"`
	MaxSlippagePct  float64 `json:"max_slippage_pct" validate:"gte=0,lte=100"`
	MinEnteredQty   float64 `json:"min_entered_qty" validate:"gte=0"`

	ProfitTargetSpread *float64 `json:"profit_target_spread,omitempty" validate:"omitempty,gte=0,lt=1"`
	StopLossSpread     *float64 `json:"stop_loss_spread,omitempty" validate:"omitempty,gt=0,lt=1"`
	TimeExitSeconds    int      `json:"time_exit_seconds" validate:"gte=0"`

	MaxLossUSD  float64 `json:"max_loss_usd" validate:"gte=0"`
	Correlation float64 `json:"correlation" validate:"gte=0,lte=1"`
	ExpectedPnL float64 `json:"expected_pnl"`
	EntrySpread float64 `json:"entry_spread"`
}

// AmendRequest changes leg target prices of a PROPOSED strategy.
type AmendRequest struct {
	Prices map[int]float64 `json:"prices" validate:"required,min=1,dive,gt=0,lt=1"`
}

// DecisionRequest resolves a TOLERANT decision point.
type DecisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=wait abort"`
}

// FillRequest reports an externally executed fill on a MANUAL strategy.
type FillRequest struct {
	Leg      int     `json:"leg" validate:"gte=0"`
	Quantity float64 `json:"quantity" validate:"gt=0"`
	Price    float64 `json:"price" validate:"gt=0,lt=1"`
	Final    bool    `json:"final"`
}

// CloseRequest exits an ACTIVE strategy.
type CloseRequest struct {
	Reason string `json:"reason" validate:"omitempty,oneof=user_close profit_target stop_loss time_exit"`
}

var validate = validator.New()

// check validates req and maps failures to ErrInvalidStrategy.
func check(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("service: %v: %w", err, domain.ErrInvalidStrategy)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("service: %s: %w", strings.Join(problems, "; "), domain.ErrInvalidStrategy)
}

func (r ProposeRequest) strategy() domain.Strategy {
	s := domain.Strategy{
		ID:     r.ID,
		Type:   domain.StrategyType(r.Type),
		PairID: r.PairID,
		Mode:   domain.ExecutionMode(r.Mode),
		Entry: domain.EntryConditions{
			MinNetEdge:      r.MinNetEdge,
			MinLegLiquidity: r.MinLegLiquidity,
			MaxSlippagePct:  r.MaxSlippagePct,
			MinEnteredQty:   r.MinEnteredQty,
		},
		Exit: domain.ExitConditions{
			ProfitTargetSpread: r.ProfitTargetSpread,
			StopLossSpread:     r.StopLossSpread,
			TimeExit:           time.Duration(r.TimeExitSeconds) * time.Second,
		},
		Risk:        domain.RiskParams{MaxLossUSD: r.MaxLossUSD, Correlation: r.Correlation},
		ExpectedPnL: r.ExpectedPnL,
		EntrySpread: r.EntrySpread,
	}
	if s.Type == "" {
		s.Type = domain.TypePriceDiscrepancy
	}
	if s.Mode == "" {
		s.Mode = domain.ModeStrict
	}
	if r.Sizing != nil {
		s.Sizing = domain.SizingPolicy{Kind: domain.SizingKind(r.Sizing.Kind), Amount: r.Sizing.Amount}
	}
	for i, l := range r.Legs {
		s.Legs = append(s.Legs, domain.StrategyLeg{
			Index:       i,
			Venue:       domain.Venue(l.Venue),
			MarketID:    l.MarketID,
			Outcome:     domain.Outcome(strings.ToLower(l.Outcome)),
			Direction:   domain.Direction(l.Direction),
			TargetPrice: l.Price,
			Quantity:    l.Quantity,
		})
	}
	return s
}
