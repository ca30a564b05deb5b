// Package executor drives a single strategy leg through its order lifecycle.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Config holds the executor's venue call budgets.
type Config struct {
	CallTimeout   time.Duration
	CancelTimeout time.Duration
}

// Request is one leg to execute.
type Request struct {
	Leg      domain.StrategyLeg
	Deadline time.Time
	// Marketable sends the order as an aggressive, book-crossing limit.
	Marketable bool
	// OnUpdate receives every intermediate leg state (SUBMITTED, partial fills).
	OnUpdate func(domain.StrategyLeg)
}

// Executor submits one leg, waits for it to finish, and cancels it at the
// deadline. It never retries: resubmitting at a stale price changes the
// economics of the strategy, so that decision belongs to the caller.
type Executor struct {
	watcher FillWatcher
	cfg     Config
	logger  *slog.Logger
}

// New creates an Executor that awaits fills through watcher.
func New(watcher FillWatcher, cfg Config, logger *slog.Logger) *Executor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Second
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 2 * time.Second
	}
	return &Executor{
		watcher: watcher,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "leg_executor")),
	}
}

// Execute runs req.Leg from PLANNED to its final state and returns it. The
// error is non-nil exactly when the leg ends FAILED. Cancelling ctx has the
// same effect as reaching the deadline: the order is cancelled and whatever
// filled so far is recorded.
func (e *Executor) Execute(ctx context.Context, gw domain.VenueGateway, req Request) (domain.StrategyLeg, error) {
	r := &legRun{leg: req.Leg, onUpdate: req.OnUpdate}
	log := e.logger.With(
		slog.Int("leg", r.leg.Index),
		slog.String("venue", string(r.leg.Venue)),
		slog.String("market_id", r.leg.MarketID),
	)

	if ctx.Err() != nil {
		r.finish(domain.LegCancelled, "cancelled before submit")
		return r.leg, nil
	}

	spec := domain.OrderSpec{
		ClientOrderID: uuid.New().String(),
		MarketID:      r.leg.MarketID,
		Outcome:       r.leg.Outcome,
		Direction:     r.leg.Direction,
		Price:         r.leg.TargetPrice,
		Quantity:      r.leg.Quantity,
		Marketable:    req.Marketable,
	}
	// Submission is not interrupted by strategy cancellation: an abandoned
	// submit leaves an order whose existence is unknown.
	orderID, err := gw.PlaceOrder(context.WithoutCancel(ctx), spec, callTimeout(e.cfg.CallTimeout, req.Deadline))
	if err != nil {
		log.Warn("leg submit failed", slog.String("error", err.Error()))
		r.finish(domain.LegFailed, err.Error())
		return r.leg, domain.Reject(err, r.leg.Index)
	}
	now := time.Now().UTC()
	r.leg.OrderID = orderID
	r.leg.State = domain.LegSubmitted
	r.leg.SubmittedAt = &now
	r.notify()
	log = log.With(slog.String("order_id", orderID))
	log.Info("leg submitted", slog.Float64("price", r.leg.TargetPrice), slog.Float64("qty", r.leg.Quantity))

	progress := func(rep domain.OrderReport) {
		r.apply(rep)
		if rep.FilledQty > 0 && rep.FilledQty < r.leg.Quantity {
			r.leg.State = domain.LegPartiallyFilled
		}
		r.notify()
	}
	rep, terminal := e.watcher.Await(ctx, gw, Order{ID: orderID, Quantity: r.leg.Quantity}, req.Deadline, progress)
	r.apply(rep)
	if !terminal {
		return e.cancel(ctx, gw, r, log)
	}

	state, detail := finalState(rep, r.leg.Quantity)
	r.finish(state, detail)
	log.Info("leg finished", slog.String("state", string(state)), slog.Float64("filled", r.leg.FilledQty))
	if state == domain.LegFailed {
		return r.leg, &domain.Rejection{Code: domain.ReasonVenueRejected, Leg: r.leg.Index, Detail: detail}
	}
	return r.leg, nil
}

// cancel withdraws the rest of an order after the deadline or a strategy
// cancel and records the fill achieved. A failed cancel is never retried.
func (e *Executor) cancel(ctx context.Context, gw domain.VenueGateway, r *legRun, log *slog.Logger) (domain.StrategyLeg, error) {
	cctx := context.WithoutCancel(ctx)
	err := gw.CancelOrder(cctx, r.leg.OrderID, e.cfg.CancelTimeout)
	if err != nil && !errors.Is(err, domain.ErrAlreadyTerminal) {
		log.Error("leg cancel failed, order state unknown", slog.String("error", err.Error()))
		r.finish(domain.LegFailed, string(domain.ReasonCancelFailed))
		return r.leg, &domain.Rejection{Code: domain.ReasonCancelFailed, Leg: r.leg.Index, Detail: err.Error()}
	}

	rep, qerr := gw.GetOrderStatus(cctx, r.leg.OrderID, e.cfg.CancelTimeout)
	if qerr != nil {
		log.Warn("post-cancel status failed, using last known fill", slog.String("error", qerr.Error()))
	} else {
		r.apply(rep)
	}

	state := domain.LegCancelled
	switch {
	case r.leg.FilledQty >= r.leg.Quantity:
		state = domain.LegFilled
	case r.leg.FilledQty > 0:
		state = domain.LegPartiallyFilled
	}
	detail := "cancelled at deadline"
	if ctx.Err() != nil {
		detail = "cancelled by strategy"
	}
	if state == domain.LegFilled {
		detail = ""
	}
	r.finish(state, detail)
	log.Info("leg cancelled", slog.String("state", string(state)), slog.Float64("filled", r.leg.FilledQty))
	return r.leg, nil
}

// Resolve cancels whatever remains of a submitted leg and records its
// final fill. It is used for legs whose executor did not survive a restart.
func (e *Executor) Resolve(ctx context.Context, gw domain.VenueGateway, leg domain.StrategyLeg) (domain.StrategyLeg, error) {
	log := e.logger.With(
		slog.Int("leg", leg.Index),
		slog.String("venue", string(leg.Venue)),
		slog.String("order_id", leg.OrderID),
	)
	return e.cancel(ctx, gw, &legRun{leg: leg}, log)
}

// legRun is the executor's private copy of a leg while it is in flight.
type legRun struct {
	leg      domain.StrategyLeg
	onUpdate func(domain.StrategyLeg)
}

func (r *legRun) notify() {
	if r.onUpdate != nil {
		r.onUpdate(r.leg)
	}
}

func (r *legRun) apply(rep domain.OrderReport) {
	if rep.FilledQty > r.leg.FilledQty {
		r.leg.FilledQty = rep.FilledQty
	}
	if rep.AvgPrice > 0 {
		r.leg.AvgPrice = rep.AvgPrice
	}
}

func (r *legRun) finish(state domain.LegState, detail string) {
	now := time.Now().UTC()
	r.leg.State = state
	r.leg.Detail = detail
	r.leg.CompletedAt = &now
	r.notify()
}

// finalState maps a terminal venue report to a leg state.
func finalState(rep domain.OrderReport, qty float64) (domain.LegState, string) {
	switch {
	case rep.Status == domain.OrderFilled || rep.FilledQty >= qty:
		return domain.LegFilled, ""
	case rep.Status == domain.OrderRejected:
		return domain.LegFailed, "rejected by venue"
	case rep.FilledQty > 0:
		return domain.LegPartiallyFilled, "cancelled by venue"
	}
	return domain.LegCancelled, fmt.Sprintf("venue status %s", rep.Status)
}
