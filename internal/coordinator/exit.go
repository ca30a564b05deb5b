package coordinator

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// checkExits evaluates the exit conditions of every ACTIVE strategy and
// closes the ones that trigger.
func (c *Coordinator) checkExits(ctx context.Context) {
	now := time.Now()
	for _, s := range c.machine.Active(domain.StatusActive) {
		reason, ok := c.exitReason(ctx, s, now)
		if !ok {
			continue
		}
		c.logger.Info("exit condition met", slog.String("strategy_id", s.ID), slog.String("reason", string(reason)))
		if _, err := c.CloseStrategy(ctx, s.ID, reason); err != nil {
			c.logger.Warn("exit close failed", slog.String("strategy_id", s.ID), slog.String("error", err.Error()))
		}
	}
}

// exitReason reports which exit condition s has reached, checking time
// first, then the profit target, then the stop loss.
func (c *Coordinator) exitReason(ctx context.Context, s domain.Strategy, now time.Time) (domain.ReasonCode, bool) {
	if s.Exit.TimeExit > 0 && s.ActivatedAt != nil && !now.Before(s.ActivatedAt.Add(s.Exit.TimeExit)) {
		return domain.ReasonTimeExit, true
	}
	if s.Exit.ProfitTargetSpread == nil && s.Exit.StopLossSpread == nil {
		return "", false
	}
	spread, ok := c.currentSpread(ctx, s)
	if !ok {
		return "", false
	}
	if t := s.Exit.ProfitTargetSpread; t != nil && math.Abs(spread) <= *t {
		return domain.ReasonProfitTarget, true
	}
	if t := s.Exit.StopLossSpread; t != nil && math.Abs(spread) >= *t {
		return domain.ReasonStopLoss, true
	}
	return "", false
}

// currentSpread is the spread between the first two legs' mid prices.
func (c *Coordinator) currentSpread(ctx context.Context, s domain.Strategy) (float64, bool) {
	if c.quotes == nil || len(s.Legs) < 2 {
		return 0, false
	}
	mids := make([]float64, 2)
	for i := range mids {
		book, err := c.quotes.Book(ctx, s.Legs[i].Ref())
		if err != nil {
			return 0, false
		}
		mid, ok := book.Mid()
		if !ok {
			return 0, false
		}
		mids[i] = mid
	}
	return domain.Spread(legKind(s.Legs), mids[0], mids[1]), true
}
