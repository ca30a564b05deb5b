// Package evaluator decides whether a two-leg opportunity clears fees,
// liquidity and the correlation-scaled hurdle.
package evaluator

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/fee"
)

// Params are the thresholds an opportunity must clear.
type Params struct {
	// Hurdle is the minimum net edge per contract.
	Hurdle float64
	// MinLegLiquidity is the minimum walkable depth per leg, in contracts.
	MinLegLiquidity float64
	// SlippageBand is how far past the top of book depth may be walked.
	SlippageBand float64
}

// Quote is the side of one leg's book the strategy would take, best first.
type Quote struct {
	Ref       domain.MarketRef
	Direction domain.Direction
	Levels    []domain.BookLevel
}

// QuoteFromBook picks the levels a taker in direction dir would consume.
func QuoteFromBook(book domain.OrderBook, dir domain.Direction) Quote {
	return Quote{Ref: book.Ref, Direction: dir, Levels: book.Side(dir)}
}

// Top returns the best quoted price, or 0 for an empty ladder.
func (q Quote) Top() float64 {
	if len(q.Levels) == 0 {
		return 0
	}
	return q.Levels[0].Price
}

// Evaluator computes net edge after fees for candidate opportunities.
type Evaluator struct {
	fees     *fee.Schedule
	defaults Params
	now      func() time.Time
}

// New creates an Evaluator charging fees from schedule.
func New(schedule *fee.Schedule, defaults Params) *Evaluator {
	return &Evaluator{fees: schedule, defaults: defaults, now: time.Now}
}

// Defaults returns the evaluator's default thresholds.
func (e *Evaluator) Defaults() Params { return e.defaults }

// Evaluate runs the opportunity through the default thresholds. A nil
// opportunity is always paired with an error explaining the rejection.
func (e *Evaluator) Evaluate(pair domain.MarketPair, a, b Quote, quantity float64) (*domain.Opportunity, error) {
	return e.EvaluateWith(pair, a, b, quantity, e.defaults)
}

// EvaluateWith is Evaluate with explicit thresholds.
func (e *Evaluator) EvaluateWith(pair domain.MarketPair, a, b Quote, quantity float64, p Params) (*domain.Opportunity, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("evaluator: %w: quantity %v", domain.ErrInvalidStrategy, quantity)
	}
	quotes := [2]Quote{a, b}
	depths := [2]float64{}
	for i, q := range quotes {
		if err := validateLevels(q.Levels); err != nil {
			return nil, &domain.Rejection{Code: domain.ReasonInvalidPrice, Leg: i, Detail: err.Error()}
		}
		depths[i] = walkableDepth(q, p.SlippageBand)
		if depths[i] < p.MinLegLiquidity || depths[i] <= 0 {
			return nil, &domain.Rejection{
				Code:   domain.ReasonInsufficientLiquidity,
				Leg:    i,
				Detail: fmt.Sprintf("depth %.0f below minimum %.0f", depths[i], p.MinLegLiquidity),
			}
		}
	}

	size := math.Floor(math.Min(quantity, math.Min(depths[0], depths[1])))
	if size <= 0 {
		return nil, &domain.Rejection{Code: domain.ReasonInsufficientLiquidity, Leg: -1, Detail: "no whole contract executable"}
	}
	sizeD := decimal.NewFromFloat(size)

	var legs []domain.OpportunityLeg
	var prices [2]decimal.Decimal
	totalFees := decimal.Zero
	for i, q := range quotes {
		prices[i] = vwap(q, p.SlippageBand, size)
		f := e.fees.Fee(q.Ref.Venue, prices[i], sizeD)
		totalFees = totalFees.Add(f)
		legs = append(legs, domain.OpportunityLeg{
			Ref:         q.Ref,
			Direction:   q.Direction,
			QuotedPrice: q.Top(),
			ExecPrice:   prices[i],
			Depth:       depths[i],
			Fee:         f,
		})
	}

	gross, err := grossEdge(pair.Kind, a.Direction, b.Direction, prices[0], prices[1])
	if err != nil {
		return nil, err
	}
	if pair.PriceOffset != 0 {
		gross = gross.Sub(decimal.NewFromFloat(math.Abs(pair.PriceOffset)))
	}

	netProfit := gross.Mul(sizeD).Sub(totalFees)
	netEdge := netProfit.Div(sizeD)

	hurdle, err := effectiveHurdle(p.Hurdle, pair.Correlation)
	if err != nil {
		return nil, err
	}
	if !netProfit.IsPositive() {
		return nil, &domain.Rejection{
			Code:   domain.ReasonEdgeBelowHurdle,
			Leg:    -1,
			Detail: fmt.Sprintf("net profit %s after fees %s", netProfit.StringFixed(2), totalFees.StringFixed(2)),
		}
	}
	edge := netEdge.InexactFloat64()
	below := edge < hurdle
	if pair.Correlation < 1 {
		below = edge <= hurdle
	}
	if below {
		return nil, &domain.Rejection{
			Code:   domain.ReasonEdgeBelowHurdle,
			Leg:    -1,
			Detail: fmt.Sprintf("net edge %s below hurdle %.4f", netEdge.StringFixed(4), hurdle),
		}
	}

	return &domain.Opportunity{
		Pair:      pair,
		Legs:      legs,
		Quantity:  size,
		GrossEdge: gross,
		Fees:      totalFees,
		NetEdge:   netEdge,
		NetProfit: netProfit,
		Hurdle:    hurdle,
		Spread:    domain.Spread(pair.Kind, a.Top(), b.Top()),
		At:        e.now(),
	}, nil
}

// effectiveHurdle scales the hurdle by 1/correlation for imperfectly
// correlated pairs.
func effectiveHurdle(hurdle, correlation float64) (float64, error) {
	switch {
	case correlation <= 0 || correlation > 1:
		return 0, &domain.Rejection{
			Code:   domain.ReasonEdgeBelowHurdle,
			Leg:    -1,
			Detail: fmt.Sprintf("correlation %v outside (0,1]", correlation),
		}
	case correlation < 1:
		return hurdle / correlation, nil
	}
	return hurdle, nil
}

// grossEdge returns the per-contract edge before fees. Complementary pairs
// are hedges (both legs bought, or both sold); same-outcome pairs buy one
// venue and sell the other.
func grossEdge(kind domain.PairKind, dirA, dirB domain.Direction, pa, pb decimal.Decimal) (decimal.Decimal, error) {
	one := decimal.NewFromInt(1)
	switch kind {
	case domain.PairComplementary:
		if dirA != dirB {
			break
		}
		if dirA == domain.DirectionBuy {
			return one.Sub(pa.Add(pb)), nil
		}
		return pa.Add(pb).Sub(one), nil
	case domain.PairSameOutcome:
		if dirA == dirB {
			break
		}
		if dirA == domain.DirectionBuy {
			return pb.Sub(pa), nil
		}
		return pa.Sub(pb), nil
	}
	return decimal.Zero, fmt.Errorf("evaluator: %w: %s pair with directions %s/%s",
		domain.ErrInvalidStrategy, kind, dirA, dirB)
}

func validateLevels(levels []domain.BookLevel) error {
	if len(levels) == 0 {
		return fmt.Errorf("empty book")
	}
	for _, l := range levels {
		if l.Price <= 0 || l.Price >= 1 {
			return fmt.Errorf("%w: %v", domain.ErrInvalidPrice, l.Price)
		}
	}
	return nil
}

// within reports whether a level lies inside the slippage band of the top.
func within(q Quote, price, band float64) bool {
	const eps = 1e-9
	top := q.Top()
	if q.Direction == domain.DirectionSell {
		return price >= top-band-eps
	}
	return price <= top+band+eps
}

func walkableDepth(q Quote, band float64) float64 {
	var depth float64
	for _, l := range q.Levels {
		if !within(q, l.Price, band) {
			break
		}
		depth += l.Size
	}
	return depth
}

// vwap is the average price of taking size contracts from the walkable levels.
func vwap(q Quote, band, size float64) decimal.Decimal {
	remaining := decimal.NewFromFloat(size)
	notional := decimal.Zero
	for _, l := range q.Levels {
		if !remaining.IsPositive() || !within(q, l.Price, band) {
			break
		}
		take := decimal.Min(remaining, decimal.NewFromFloat(l.Size))
		notional = notional.Add(take.Mul(decimal.NewFromFloat(l.Price)))
		remaining = remaining.Sub(take)
	}
	return notional.Div(decimal.NewFromFloat(size))
}
