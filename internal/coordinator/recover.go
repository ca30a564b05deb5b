package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Recover rebuilds in-process state after a restart. Held strategies are
// re-entered in the ledger; strategies left EXECUTING have their orders
// resolved at the venue and are aggregated without an automatic unwind.
// MANUAL strategies resume waiting for reported fills.
func (c *Coordinator) Recover(ctx context.Context) error {
	held, err := c.machine.List(ctx, domain.StrategyFilter{Statuses: []domain.StrategyStatus{
		domain.StatusActive, domain.StatusPartial, domain.StatusClosing, domain.StatusExecuting,
	}})
	if err != nil {
		return fmt.Errorf("coordinator: recover: %w", err)
	}
	for _, s := range held {
		if s.Status != domain.StatusExecuting {
			c.ledger.Settle(s)
			continue
		}
		if err := c.ledger.Reserve(s); err != nil {
			c.logger.Warn("recovered strategy exceeds limits, holding anyway",
				slog.String("strategy_id", s.ID),
				slog.String("error", err.Error()),
			)
			c.ledger.Settle(s)
		}
		if s.Mode == domain.ModeManual {
			c.resume(s)
			continue
		}
		c.reconcile(ctx, s)
	}
	c.logger.Info("recovery complete", slog.Int("strategies", len(held)))
	return nil
}

// resume reattaches a run to a MANUAL strategy.
func (c *Coordinator) resume(s domain.Strategy) {
	runCtx, cancel := context.WithCancel(c.ctx)
	r := &run{id: s.ID, mode: s.Mode, cancel: cancel, done: make(chan struct{}), cmds: make(chan command)}
	c.mu.Lock()
	c.runs[s.ID] = r
	c.mu.Unlock()
	c.wg.Add(1)
	go c.drive(runCtx, r, s, func() {})
}

// reconcile settles the legs of a strategy whose run did not survive.
func (c *Coordinator) reconcile(ctx context.Context, s domain.Strategy) {
	log := c.logger.With(slog.String("strategy_id", s.ID))
	errs := make(map[int]error)
	for _, leg := range s.Legs {
		if leg.Final() {
			continue
		}
		if leg.OrderID == "" {
			now := time.Now().UTC()
			leg.State = domain.LegCancelled
			leg.Detail = "not submitted before restart"
			leg.CompletedAt = &now
			c.recordLeg(s.ID, leg)
			continue
		}
		gw, err := c.gateways.Get(leg.Venue)
		if err != nil {
			errs[leg.Index] = err
			continue
		}
		final, err := c.exec.Resolve(ctx, gw, leg)
		if err != nil {
			errs[leg.Index] = err
		}
		c.recordLeg(s.ID, final)
		log.Info("leg reconciled", slog.Int("leg", leg.Index), slog.String("state", string(final.State)))
	}
	c.conclude(&run{id: s.ID, mode: s.Mode}, errs, false)
}
