package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/executor"
)

// unwind sends one marketable offsetting order for every leg that still
// holds filled quantity and records the results as unwind legs. It makes a
// single attempt; a shortfall is returned as an unwind_failed rejection and
// further attempts are up to the operator.
func (c *Coordinator) unwind(ctx context.Context, s domain.Strategy) error {
	net := netFilled(s)
	var plan []domain.StrategyLeg
	for _, leg := range s.Legs {
		qty := net[leg.Index]
		if qty <= 1e-9 {
			continue
		}
		dir := leg.Direction.Opposite()
		plan = append(plan, domain.StrategyLeg{
			Index:       leg.Index,
			Venue:       leg.Venue,
			MarketID:    leg.MarketID,
			Outcome:     leg.Outcome,
			Direction:   dir,
			TargetPrice: c.unwindPrice(ctx, leg, dir),
			Quantity:    qty,
			State:       domain.LegPlanned,
		})
	}
	if len(plan) == 0 {
		return nil
	}
	c.logger.Info("unwinding strategy", slog.String("strategy_id", s.ID), slog.Int("legs", len(plan)))

	deadline := time.Now().Add(c.cfg.UnwindDeadline)
	results := make([]domain.StrategyLeg, len(plan))
	errs := make([]error, len(plan))
	var g errgroup.Group
	for i, leg := range plan {
		gw, err := c.gateways.Get(leg.Venue)
		if err != nil {
			leg.State = domain.LegFailed
			leg.Detail = err.Error()
			results[i], errs[i] = leg, err
			continue
		}
		g.Go(func() error {
			results[i], errs[i] = c.exec.Execute(ctx, gw, executor.Request{
				Leg:        leg,
				Deadline:   deadline,
				Marketable: true,
			})
			return nil
		})
	}
	_ = g.Wait()

	if _, err := c.machine.Update(ctx, s.ID, func(st *domain.Strategy) error {
		st.UnwindLegs = append(st.UnwindLegs, results...)
		return nil
	}); err != nil {
		c.logger.Error("unwind legs not recorded", slog.String("strategy_id", s.ID), slog.String("error", err.Error()))
	}

	for i, res := range results {
		if res.FilledQty >= res.Quantity-1e-9 {
			continue
		}
		detail := fmt.Sprintf("unwound %.0f of %.0f", res.FilledQty, res.Quantity)
		if errs[i] != nil {
			detail += ": " + errs[i].Error()
		}
		c.logger.Error("unwind incomplete",
			slog.String("strategy_id", s.ID),
			slog.Int("leg", res.Index),
			slog.String("detail", detail),
		)
		return &domain.Rejection{Code: domain.ReasonUnwindFailed, Leg: res.Index, Detail: detail}
	}
	return nil
}

// unwindPrice crosses the book: the best opposite price widened by the
// configured slippage, clamped to a valid probability and rounded to the
// cent against the unwinder.
func (c *Coordinator) unwindPrice(ctx context.Context, leg domain.StrategyLeg, dir domain.Direction) float64 {
	base, ok := c.executable(ctx, leg.Ref(), dir)
	if !ok {
		base = leg.AvgPrice
		if base <= 0 {
			base = leg.TargetPrice
		}
	}
	price := base + c.cfg.UnwindSlippage
	if dir == domain.DirectionSell {
		price = base - c.cfg.UnwindSlippage
	}
	price = math.Min(math.Max(price, 0.01), 0.99)
	if dir == domain.DirectionSell {
		return math.Floor(price*100+1e-9) / 100
	}
	return math.Ceil(price*100-1e-9) / 100
}

// unwindFailed records a failed directed unwind on a strategy that keeps its
// current status.
func (c *Coordinator) unwindFailed(ctx context.Context, id string, cause error) (domain.Strategy, error) {
	rej := domain.Reject(cause, -1)
	rej.Code = domain.ReasonUnwindFailed
	s, err := c.machine.Update(ctx, id, func(st *domain.Strategy) error {
		st.Rejection = rej
		return nil
	})
	if err != nil {
		return s, err
	}
	c.ledger.Settle(s)
	c.alert(ctx, domain.AlertCritical, "unwind_failed", "Unwind failed",
		fmt.Sprintf("strategy holds unhedged exposure: %s", rej.Detail), s, domain.ReasonUnwindFailed)
	return s, fmt.Errorf("coordinator: unwind %s: %w", id, rej)
}
