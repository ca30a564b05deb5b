package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/executor"
)

type legResult struct {
	leg domain.StrategyLeg
	err error
}

// startLeg executes one leg in its own goroutine and delivers the final leg
// on the returned channel. Intermediate states are written through to the
// state machine as they happen.
func (c *Coordinator) startLeg(ctx context.Context, id string, leg domain.StrategyLeg, deadline time.Time) <-chan legResult {
	out := make(chan legResult, 1)
	gw, err := c.gateways.Get(leg.Venue)
	if err != nil {
		now := time.Now().UTC()
		leg.State = domain.LegFailed
		leg.Detail = err.Error()
		leg.CompletedAt = &now
		c.recordLeg(id, leg)
		out <- legResult{leg: leg, err: domain.Reject(err, leg.Index)}
		return out
	}

	go func() {
		defer func() {
			if p := recover(); p != nil {
				c.logger.Error("leg executor panicked",
					slog.String("strategy_id", id),
					slog.Int("leg", leg.Index),
					slog.Any("panic", p),
				)
				now := time.Now().UTC()
				leg.State = domain.LegFailed
				leg.Detail = fmt.Sprintf("panic: %v", p)
				leg.CompletedAt = &now
				c.recordLeg(id, leg)
				out <- legResult{leg: leg, err: &domain.Rejection{Code: domain.ReasonInternalError, Leg: leg.Index, Detail: leg.Detail}}
			}
		}()
		final, err := c.exec.Execute(ctx, gw, executor.Request{
			Leg:      leg,
			Deadline: deadline,
			OnUpdate: func(l domain.StrategyLeg) { c.recordLeg(id, l) },
		})
		out <- legResult{leg: final, err: err}
	}()
	return out
}

func (c *Coordinator) recordLeg(id string, leg domain.StrategyLeg) {
	if err := c.machine.UpdateLeg(context.Background(), id, leg); err != nil {
		c.logger.Warn("leg update dropped",
			slog.String("strategy_id", id),
			slog.Int("leg", leg.Index),
			slog.String("error", err.Error()),
		)
	}
}

// fanIn merges per-leg result channels.
func fanIn(chans []<-chan legResult) <-chan legResult {
	out := make(chan legResult, len(chans))
	for _, ch := range chans {
		go func(ch <-chan legResult) { out <- <-ch }(ch)
	}
	return out
}

// runStrict submits every leg at once under a short shared deadline. The
// first leg that fails or comes back unfilled cancels the others, and a
// partial entry is unwound immediately.
func (c *Coordinator) runStrict(ctx context.Context, r *run, s domain.Strategy) {
	legCtx, cancelLegs := context.WithCancel(ctx)
	defer cancelLegs()
	deadline := time.Now().Add(c.cfg.StrictDeadline)

	chans := make([]<-chan legResult, 0, len(s.Legs))
	for _, leg := range s.Legs {
		chans = append(chans, c.startLeg(legCtx, s.ID, leg, deadline))
	}
	results := fanIn(chans)
	errs := make(map[int]error)
	for range s.Legs {
		res := <-results
		if res.err != nil {
			errs[res.leg.Index] = res.err
		}
		if res.err != nil || res.leg.State != domain.LegFilled {
			cancelLegs()
		}
	}
	c.conclude(r, errs, true)
}

// runTolerant submits every leg at once and lets them rest until the
// strategy deadline. Once a leg fills, a pending leg whose market drifts past
// the slippage bound raises a decision point and the deadline pauses until an
// operator decides.
func (c *Coordinator) runTolerant(ctx context.Context, r *run, s domain.Strategy) {
	legCtx, cancelLegs := context.WithCancel(ctx)
	defer cancelLegs()

	chans := make([]<-chan legResult, 0, len(s.Legs))
	for _, leg := range s.Legs {
		// Legs rest without their own deadline; the coordinator owns it.
		chans = append(chans, c.startLeg(legCtx, s.ID, leg, time.Time{}))
	}
	results := fanIn(chans)

	maxDrift := s.Entry.MaxSlippagePct
	if maxDrift <= 0 {
		maxDrift = c.cfg.MaxSlippagePct
	}
	refs := make(map[int]float64, len(s.Legs))
	for _, leg := range s.Legs {
		refs[leg.Index] = leg.TargetPrice
	}

	timer := time.NewTimer(c.cfg.TolerantDeadline)
	defer timer.Stop()
	var drift <-chan time.Time
	if c.quotes != nil {
		ticker := time.NewTicker(c.cfg.DriftInterval)
		defer ticker.Stop()
		drift = ticker.C
	}

	var (
		errs    = make(map[int]error)
		done    = make(map[int]bool)
		paused  bool
		filled  bool
		stopped = ctx.Done()
	)
	for len(done) < len(s.Legs) {
		select {
		case res := <-results:
			done[res.leg.Index] = true
			if res.err != nil {
				errs[res.leg.Index] = res.err
			}
			if !filled && res.leg.FilledQty > 0 {
				// Drift is measured from the market at the first fill.
				filled = true
				c.rebase(ctx, s, refs, done)
			}

		case <-timer.C:
			c.logger.Info("tolerant deadline reached, cancelling open legs", slog.String("strategy_id", s.ID))
			// Legs are being cancelled; nothing is left to decide.
			drift = nil
			cancelLegs()

		case <-drift:
			if paused || !filled {
				continue
			}
			if dp, ok := c.sampleDrift(ctx, s, refs, done, maxDrift); ok {
				paused = true
				timer.Stop()
				c.raiseDecision(ctx, s, dp)
			}

		case cmd := <-r.cmds:
			if cmd.kind != cmdDecide {
				cmd.reply <- fmt.Errorf("coordinator: tolerant strategy: %w", domain.ErrWrongMode)
				continue
			}
			if !paused {
				cmd.reply <- fmt.Errorf("coordinator: %s: %w", s.ID, domain.ErrNoDecisionPending)
				continue
			}
			paused = false
			c.clearDecision(s.ID)
			switch cmd.decision {
			case DecisionWait:
				c.rebase(ctx, s, refs, done)
				timer.Reset(c.cfg.TolerantDeadline)
				c.logger.Info("decision: keep waiting", slog.String("strategy_id", s.ID))
			case DecisionAbort:
				r.aborted.Store(true)
				cancelLegs()
				c.logger.Info("decision: abort", slog.String("strategy_id", s.ID))
			}
			cmd.reply <- nil

		case <-stopped:
			stopped = nil
			drift = nil
			cancelLegs()
		}
	}
	c.conclude(r, errs, false)
}

// sampleDrift compares the executable price of each open leg with its
// reference price. Drift is adverse movement as a percentage of the reference.
func (c *Coordinator) sampleDrift(ctx context.Context, s domain.Strategy, refs map[int]float64, done map[int]bool, maxPct float64) (domain.DecisionPoint, bool) {
	for _, leg := range s.Legs {
		if done[leg.Index] {
			continue
		}
		price, ok := c.executable(ctx, leg.Ref(), leg.Direction)
		if !ok {
			continue
		}
		ref := refs[leg.Index]
		move := price - ref
		if leg.Direction == domain.DirectionSell {
			move = ref - price
		}
		pct := move / ref * 100
		if pct > maxPct {
			return domain.DecisionPoint{LegIndex: leg.Index, DriftPct: math.Round(pct*100) / 100, RaisedAt: time.Now().UTC()}, true
		}
	}
	return domain.DecisionPoint{}, false
}

// rebase moves every open leg's drift reference to the current market.
func (c *Coordinator) rebase(ctx context.Context, s domain.Strategy, refs map[int]float64, done map[int]bool) {
	for _, leg := range s.Legs {
		if done[leg.Index] {
			continue
		}
		if price, ok := c.executable(ctx, leg.Ref(), leg.Direction); ok {
			refs[leg.Index] = price
		}
	}
}

// executable is the price a taker would pay (buy) or receive (sell) now.
func (c *Coordinator) executable(ctx context.Context, ref domain.MarketRef, dir domain.Direction) (float64, bool) {
	if c.quotes == nil {
		return 0, false
	}
	book, err := c.quotes.Book(ctx, ref)
	if err != nil {
		return 0, false
	}
	lvl, ok := book.BestAsk()
	if dir == domain.DirectionSell {
		lvl, ok = book.BestBid()
	}
	if !ok || lvl.Price <= 0 {
		return 0, false
	}
	return lvl.Price, true
}

func (c *Coordinator) raiseDecision(ctx context.Context, s domain.Strategy, dp domain.DecisionPoint) {
	if _, err := c.machine.Update(context.Background(), s.ID, func(st *domain.Strategy) error {
		st.Decision = &dp
		return nil
	}); err != nil {
		c.logger.Warn("decision point not recorded", slog.String("strategy_id", s.ID), slog.String("error", err.Error()))
	}
	c.machine.Publish(domain.StrategyEvent{Kind: domain.EventDecision, StrategyID: s.ID, Reason: domain.ReasonSlippageExceeded})
	c.logger.Warn("decision point raised",
		slog.String("strategy_id", s.ID),
		slog.Int("leg", dp.LegIndex),
		slog.Float64("drift_pct", dp.DriftPct),
	)
	c.alert(ctx, domain.AlertWarning, "decision_required", "Strategy needs a decision",
		fmt.Sprintf("leg %d drifted %.2f%%; choose wait or abort", dp.LegIndex, dp.DriftPct), s, domain.ReasonSlippageExceeded)
}

func (c *Coordinator) clearDecision(id string) {
	_, _ = c.machine.Update(context.Background(), id, func(st *domain.Strategy) error {
		st.Decision = nil
		return nil
	})
}

// runLegged executes legs one at a time. Every leg after the first waits
// for an explicit Continue, and the sequence stops at the first leg that
// gets no fill.
func (c *Coordinator) runLegged(ctx context.Context, r *run, s domain.Strategy) {
	errs := make(map[int]error)
	for i, leg := range s.Legs {
		if i > 0 {
			if !c.awaitContinue(ctx, r, s, i) {
				break
			}
		}
		res := <-c.startLeg(ctx, s.ID, leg, time.Now().Add(c.cfg.LeggedLegDeadline))
		if res.err != nil {
			errs[res.leg.Index] = res.err
		}
		if res.leg.State != domain.LegFilled && res.leg.State != domain.LegPartiallyFilled {
			c.logger.Info("legged sequence stopped",
				slog.String("strategy_id", s.ID),
				slog.Int("leg", i),
				slog.String("state", string(res.leg.State)),
			)
			break
		}
	}
	c.conclude(r, errs, false)
}

func (c *Coordinator) awaitContinue(ctx context.Context, r *run, s domain.Strategy, next int) bool {
	_, _ = c.machine.Update(context.Background(), s.ID, func(st *domain.Strategy) error {
		st.AwaitingContinue = true
		st.NextLeg = next
		return nil
	})
	c.machine.Publish(domain.StrategyEvent{Kind: domain.EventDecision, StrategyID: s.ID})
	for {
		select {
		case <-ctx.Done():
			return false
		case cmd := <-r.cmds:
			if cmd.kind != cmdContinue {
				cmd.reply <- fmt.Errorf("coordinator: legged strategy: %w", domain.ErrWrongMode)
				continue
			}
			_, _ = c.machine.Update(context.Background(), s.ID, func(st *domain.Strategy) error {
				st.AwaitingContinue = false
				return nil
			})
			cmd.reply <- nil
			return true
		}
	}
}

// runManual never touches a venue. Fills executed elsewhere are reported
// against the legs until every leg is final or the operator finishes.
func (c *Coordinator) runManual(ctx context.Context, r *run, s domain.Strategy) {
	for {
		select {
		case <-ctx.Done():
			if r.userCancel.Load() {
				c.conclude(r, nil, false)
			}
			// On shutdown the strategy stays EXECUTING and is resumed by Recover.
			return
		case cmd := <-r.cmds:
			switch cmd.kind {
			case cmdFill:
				allFinal, err := c.applyManualFill(s.ID, cmd.fill)
				if err == nil && allFinal {
					c.conclude(r, nil, false)
					cmd.reply <- nil
					return
				}
				cmd.reply <- err
			case cmdFinish:
				if err := c.finishManualLegs(s.ID); err != nil {
					cmd.reply <- err
					continue
				}
				c.conclude(r, nil, false)
				cmd.reply <- nil
				return
			default:
				cmd.reply <- fmt.Errorf("coordinator: manual strategy: %w", domain.ErrWrongMode)
			}
		}
	}
}

func (c *Coordinator) applyManualFill(id string, f ManualFill) (bool, error) {
	if f.Quantity <= 0 {
		return false, fmt.Errorf("coordinator: fill quantity %v: %w", f.Quantity, domain.ErrInvalidStrategy)
	}
	if f.Price <= 0 || f.Price >= 1 {
		return false, fmt.Errorf("coordinator: fill price %v: %w", f.Price, domain.ErrInvalidPrice)
	}
	var (
		leg      domain.StrategyLeg
		allFinal bool
	)
	_, err := c.machine.Update(context.Background(), id, func(st *domain.Strategy) error {
		if f.Leg < 0 || f.Leg >= len(st.Legs) {
			return fmt.Errorf("coordinator: leg %d out of range: %w", f.Leg, domain.ErrInvalidStrategy)
		}
		l := &st.Legs[f.Leg]
		if l.Final() {
			return fmt.Errorf("coordinator: leg %d is final: %w", f.Leg, domain.ErrAlreadyTerminal)
		}
		if l.FilledQty+f.Quantity > l.Quantity+1e-9 {
			return fmt.Errorf("coordinator: fill of %v overfills leg %d: %w", f.Quantity, f.Leg, domain.ErrInvalidStrategy)
		}
		l.AvgPrice = (l.AvgPrice*l.FilledQty + f.Price*f.Quantity) / (l.FilledQty + f.Quantity)
		l.FilledQty += f.Quantity
		l.State = domain.LegPartiallyFilled
		if l.FilledQty >= l.Quantity-1e-9 {
			finishLeg(l, "")
		} else if f.Final {
			finishLeg(l, "finished manually")
		}
		leg = *l
		allFinal = true
		for _, other := range st.Legs {
			if !other.Final() {
				allFinal = false
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	c.machine.Publish(domain.StrategyEvent{Kind: domain.EventLeg, StrategyID: id, Leg: &leg})
	return allFinal, nil
}

func (c *Coordinator) finishManualLegs(id string) error {
	_, err := c.machine.Update(context.Background(), id, func(st *domain.Strategy) error {
		for i := range st.Legs {
			if !st.Legs[i].Final() {
				finishLeg(&st.Legs[i], "finished manually")
			}
		}
		return nil
	})
	return err
}

// finishLeg marks a leg final with the state its fill implies.
func finishLeg(l *domain.StrategyLeg, detail string) {
	now := time.Now().UTC()
	switch {
	case l.FilledQty >= l.Quantity-1e-9:
		l.State = domain.LegFilled
		detail = ""
	case l.FilledQty > 0:
		l.State = domain.LegPartiallyFilled
	default:
		l.State = domain.LegCancelled
	}
	l.Detail = detail
	l.CompletedAt = &now
}

// conclude aggregates the final legs and moves the strategy out of
// EXECUTING. autoUnwind unwinds a partial entry before the transition.
func (c *Coordinator) conclude(r *run, errs map[int]error, autoUnwind bool) {
	ctx := context.Background()
	s, err := c.machine.Update(ctx, r.id, func(st *domain.Strategy) error {
		for i := range st.Legs {
			if st.Legs[i].State == domain.LegPlanned {
				finishLeg(&st.Legs[i], "not submitted")
			}
		}
		st.Decision = nil
		st.AwaitingContinue = false
		return nil
	})
	if err != nil {
		c.logger.Error("conclude failed", slog.String("strategy_id", r.id), slog.String("error", err.Error()))
		return
	}
	if s.Status != domain.StatusExecuting {
		return
	}

	status, rej := Aggregate(s.Legs, s.Entry.MinEnteredQty, errs)
	unwind := status == domain.StatusPartial && autoUnwind
	switch {
	case r.userCancel.Load():
		rej = &domain.Rejection{Code: domain.ReasonUserCancel, Leg: -1}
		if r.mode == domain.ModeManual {
			if status != domain.StatusCancelled {
				rej.Detail = "reported fills must be unwound externally"
			}
			status = domain.StatusCancelled
		} else if status != domain.StatusCancelled {
			status = domain.StatusPartial
			unwind = true
		}
	case r.aborted.Load():
		detail := ""
		if rej != nil {
			detail = rej.Detail
		}
		rej = &domain.Rejection{Code: domain.ReasonUserAbort, Leg: -1, Detail: detail}
		if status == domain.StatusActive {
			rej = nil
		}
	}

	var mutate func(*domain.Strategy) error
	if status == domain.StatusActive {
		mutate = func(st *domain.Strategy) error {
			if spread, ok := filledSpread(st.Legs); ok {
				st.EntrySpread = spread
			}
			return nil
		}
	}

	if unwind {
		if err := c.unwind(ctx, s); err != nil {
			final, terr := c.machine.Transition(ctx, r.id, domain.StatusPartial, domain.Reject(err, -1), nil)
			if terr != nil {
				c.logger.Error("partial transition failed", slog.String("strategy_id", r.id), slog.String("error", terr.Error()))
				return
			}
			c.settle(final)
			c.alert(ctx, domain.AlertCritical, "unwind_failed", "Unwind failed",
				fmt.Sprintf("strategy holds unhedged exposure: %v", err), final, domain.ReasonUnwindFailed)
			return
		}
		status = domain.StatusCancelled
	}

	final, err := c.machine.Transition(ctx, r.id, status, rej, mutate)
	if err != nil {
		c.logger.Error("conclude transition failed", slog.String("strategy_id", r.id), slog.String("error", err.Error()))
		return
	}
	c.settle(final)
	if status == domain.StatusPartial {
		c.alert(ctx, domain.AlertWarning, "strategy_partial", "Partial entry",
			"strategy entered partially and needs a directed unwind", final, final.Reason())
	}
}

// filledSpread is the spread between the first two legs' fill prices.
func filledSpread(legs []domain.StrategyLeg) (float64, bool) {
	if len(legs) < 2 || legs[0].AvgPrice <= 0 || legs[1].AvgPrice <= 0 {
		return 0, false
	}
	return domain.Spread(legKind(legs), legs[0].AvgPrice, legs[1].AvgPrice), true
}

func legKind(legs []domain.StrategyLeg) domain.PairKind {
	if legs[0].Outcome != legs[1].Outcome {
		return domain.PairComplementary
	}
	return domain.PairSameOutcome
}
