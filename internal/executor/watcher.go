package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// FillWatcher waits for an order to reach a terminal state. Poll and push
// implementations satisfy the same contract so the executor does not care
// how fills arrive.
type FillWatcher interface {
	// Await returns the latest known report and whether it is terminal. It
	// returns early when ctx is done or deadline passes.
	Await(ctx context.Context, gw domain.VenueGateway, order Order, deadline time.Time, progress func(domain.OrderReport)) (domain.OrderReport, bool)
}

// Order identifies a resting order and its requested size.
type Order struct {
	ID       string
	Quantity float64
}

// PollWatcher polls GetOrderStatus at a fixed interval.
type PollWatcher struct {
	Interval    time.Duration
	CallTimeout time.Duration
	Logger      *slog.Logger
}

func (w PollWatcher) Await(ctx context.Context, gw domain.VenueGateway, order Order, deadline time.Time, progress func(domain.OrderReport)) (domain.OrderReport, bool) {
	interval := w.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	expired := deadlineTimer(deadline)
	defer expired.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := domain.OrderReport{OrderID: order.ID, Status: domain.OrderOpen}
	for {
		rep, err := gw.GetOrderStatus(ctx, order.ID, callTimeout(w.CallTimeout, deadline))
		switch {
		case err == nil:
			if rep.FilledQty != last.FilledQty && progress != nil {
				progress(rep)
			}
			last = rep
			if rep.Status.Terminal() {
				return last, true
			}
		case w.Logger != nil && !errors.Is(err, context.Canceled):
			w.Logger.Warn("order status poll failed",
				slog.String("venue", string(gw.Venue())),
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return last, false
		case <-expired.C:
			return last, false
		case <-ticker.C:
		}
	}
}

// PushWatcher consumes venue fill notifications and falls back to slow
// polling so that a dropped message cannot strand a leg.
type PushWatcher struct {
	Feed     domain.FillFeed
	Fallback PollWatcher
	Logger   *slog.Logger
}

func (w PushWatcher) Await(ctx context.Context, gw domain.VenueGateway, order Order, deadline time.Time, progress func(domain.OrderReport)) (domain.OrderReport, bool) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	fills, err := w.Feed.SubscribeFills(subCtx, order.ID)
	if err != nil {
		if w.Logger != nil {
			w.Logger.Warn("fill subscription failed, polling instead",
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()),
			)
		}
		return w.Fallback.Await(ctx, gw, order, deadline, progress)
	}

	interval := w.Fallback.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	expired := deadlineTimer(deadline)
	defer expired.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := domain.OrderReport{OrderID: order.ID, Status: domain.OrderOpen}
	var notional float64
	for {
		select {
		case <-ctx.Done():
			return last, false
		case <-expired.C:
			return last, false
		case f, ok := <-fills:
			if !ok {
				fills = nil
				continue
			}
			notional += f.Quantity * f.Price
			last.FilledQty += f.Quantity
			if last.FilledQty > 0 {
				last.AvgPrice = notional / last.FilledQty
			}
			last.UpdatedAt = f.At
			last.Status = domain.OrderPartiallyFilled
			if last.FilledQty >= order.Quantity {
				last.Status = domain.OrderFilled
			}
			if progress != nil {
				progress(last)
			}
			if last.Status.Terminal() {
				return last, true
			}
		case <-ticker.C:
			rep, err := gw.GetOrderStatus(ctx, order.ID, callTimeout(w.Fallback.CallTimeout, deadline))
			if err != nil {
				continue
			}
			if rep.FilledQty > last.FilledQty {
				last = rep
				notional = rep.FilledQty * rep.AvgPrice
				if progress != nil {
					progress(rep)
				}
			}
			if rep.Status.Terminal() {
				return rep, true
			}
		}
	}
}

// ByVenue routes each order to the watcher registered for its gateway's
// venue, or to Default.
type ByVenue struct {
	Watchers map[domain.Venue]FillWatcher
	Default  FillWatcher
}

func (w ByVenue) Await(ctx context.Context, gw domain.VenueGateway, order Order, deadline time.Time, progress func(domain.OrderReport)) (domain.OrderReport, bool) {
	if fw, ok := w.Watchers[gw.Venue()]; ok {
		return fw.Await(ctx, gw, order, deadline, progress)
	}
	return w.Default.Await(ctx, gw, order, deadline, progress)
}

// deadlineTimer fires at deadline, or never for a zero deadline.
func deadlineTimer(deadline time.Time) *time.Timer {
	if deadline.IsZero() {
		t := time.NewTimer(time.Hour)
		t.Stop()
		return t
	}
	return time.NewTimer(time.Until(deadline))
}

// callTimeout bounds a venue call by the remaining time to deadline.
func callTimeout(limit time.Duration, deadline time.Time) time.Duration {
	if limit <= 0 {
		limit = 2 * time.Second
	}
	if deadline.IsZero() {
		return limit
	}
	if left := time.Until(deadline); left < limit {
		return max(left, 10*time.Millisecond)
	}
	return limit
}
