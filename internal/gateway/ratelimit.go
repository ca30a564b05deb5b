package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// RateLimited throttles a gateway through a shared limiter so that several
// engine instances stay inside a venue's request budget.
type RateLimited struct {
	next    domain.VenueGateway
	limiter domain.RateLimiter
	limit   int
	window  time.Duration
}

// WithRateLimit wraps next. A nil limiter returns next unchanged.
func WithRateLimit(next domain.VenueGateway, limiter domain.RateLimiter, limit int, window time.Duration) domain.VenueGateway {
	if limiter == nil || limit <= 0 {
		return next
	}
	return &RateLimited{next: next, limiter: limiter, limit: limit, window: window}
}

func (g *RateLimited) Venue() domain.Venue { return g.next.Venue() }

// wait blocks for a slot. Time spent waiting counts against timeout.
func (g *RateLimited) wait(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := g.limiter.Wait(wctx, "venue:"+string(g.next.Venue()), g.limit, g.window); err != nil {
		if wctx.Err() != nil {
			return 0, fmt.Errorf("%w: waiting for rate limit: %w", domain.ErrVenueTimeout, domain.ErrRateLimited)
		}
		return 0, fmt.Errorf("%w: %w", domain.ErrVenueUnavailable, err)
	}
	return max(timeout-time.Since(start), time.Millisecond), nil
}

func (g *RateLimited) PlaceOrder(ctx context.Context, spec domain.OrderSpec, timeout time.Duration) (string, error) {
	left, err := g.wait(ctx, timeout)
	if err != nil {
		return "", err
	}
	return g.next.PlaceOrder(ctx, spec, left)
}

func (g *RateLimited) CancelOrder(ctx context.Context, orderID string, timeout time.Duration) error {
	left, err := g.wait(ctx, timeout)
	if err != nil {
		return err
	}
	return g.next.CancelOrder(ctx, orderID, left)
}

func (g *RateLimited) GetOrderStatus(ctx context.Context, orderID string, timeout time.Duration) (domain.OrderReport, error) {
	left, err := g.wait(ctx, timeout)
	if err != nil {
		return domain.OrderReport{}, err
	}
	return g.next.GetOrderStatus(ctx, orderID, left)
}
