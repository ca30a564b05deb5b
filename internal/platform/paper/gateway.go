// Package paper simulates a venue against live books. Paper gateways stand in
// for a real venue (they report its Venue) so strategies run end to end
// without sending orders.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

type order struct {
	spec      domain.OrderSpec
	filled    float64
	notional  float64
	cancelled bool
	updatedAt time.Time
}

func (o *order) remaining() float64 { return o.spec.Quantity - o.filled }

func (o *order) status() domain.OrderStatus {
	switch {
	case o.filled >= o.spec.Quantity:
		return domain.OrderFilled
	case o.cancelled:
		return domain.OrderCancelled
	case o.filled > 0:
		return domain.OrderPartiallyFilled
	}
	return domain.OrderOpen
}

func (o *order) report(id string) domain.OrderReport {
	rep := domain.OrderReport{
		OrderID:   id,
		Status:    o.status(),
		FilledQty: o.filled,
		UpdatedAt: o.updatedAt,
	}
	if o.filled > 0 {
		rep.AvgPrice = o.notional / o.filled
	}
	return rep
}

// Gateway is a simulated domain.VenueGateway. Orders cross against the
// latest book from quotes when placed and again on every status query;
// resting liquidity is never depleted. Marketable orders cancel whatever
// does not fill on placement.
type Gateway struct {
	venue  domain.Venue
	quotes domain.QuoteSource
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	orders map[string]*order
}

// NewGateway creates a paper gateway impersonating venue.
func NewGateway(venue domain.Venue, quotes domain.QuoteSource, logger *slog.Logger) *Gateway {
	return &Gateway{
		venue:  venue,
		quotes: quotes,
		logger: logger.With(slog.String("component", "paper_gateway"), slog.String("venue", string(venue))),
		now:    time.Now,
		orders: make(map[string]*order),
	}
}

func (g *Gateway) Venue() domain.Venue { return g.venue }

func (g *Gateway) PlaceOrder(ctx context.Context, spec domain.OrderSpec, _ time.Duration) (string, error) {
	if spec.Price <= 0 || spec.Price >= 1 {
		return "", fmt.Errorf("paper: %w: price %v outside (0,1)", domain.ErrVenueRejected, spec.Price)
	}
	if spec.Quantity <= 0 {
		return "", fmt.Errorf("paper: %w: quantity %v", domain.ErrVenueRejected, spec.Quantity)
	}
	book, err := g.book(ctx, spec)
	if err != nil {
		return "", err
	}

	id := "paper-" + uuid.NewString()
	o := &order{spec: spec, updatedAt: g.now()}
	g.mu.Lock()
	g.cross(o, book)
	if spec.Marketable && o.remaining() > 0 {
		o.cancelled = true
	}
	g.orders[id] = o
	rep := o.report(id)
	g.mu.Unlock()

	g.logger.Info("paper order placed",
		slog.String("order_id", id),
		slog.String("market_id", spec.MarketID),
		slog.String("direction", string(spec.Direction)),
		slog.Float64("price", spec.Price),
		slog.Float64("quantity", spec.Quantity),
		slog.Float64("filled", rep.FilledQty),
	)
	return id, nil
}

func (g *Gateway) CancelOrder(_ context.Context, orderID string, _ time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: %w: %s", domain.ErrOrderNotFound, orderID)
	}
	if o.status().Terminal() {
		return fmt.Errorf("paper: %w: %s is %s", domain.ErrAlreadyTerminal, orderID, o.status())
	}
	o.cancelled = true
	o.updatedAt = g.now()
	return nil
}

func (g *Gateway) GetOrderStatus(ctx context.Context, orderID string, _ time.Duration) (domain.OrderReport, error) {
	g.mu.Lock()
	o, ok := g.orders[orderID]
	if !ok {
		g.mu.Unlock()
		return domain.OrderReport{}, fmt.Errorf("paper: %w: %s", domain.ErrOrderNotFound, orderID)
	}
	spec, terminal := o.spec, o.status().Terminal()
	g.mu.Unlock()

	if !terminal {
		if book, err := g.book(ctx, spec); err == nil {
			g.mu.Lock()
			if !o.status().Terminal() {
				g.cross(o, book)
			}
			g.mu.Unlock()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return o.report(orderID), nil
}

// book returns the current book for the order's market. A missing book
// leaves the order resting rather than failing it.
func (g *Gateway) book(ctx context.Context, spec domain.OrderSpec) (domain.OrderBook, error) {
	ref := domain.MarketRef{Venue: g.venue, MarketID: spec.MarketID, Outcome: spec.Outcome}
	book, err := g.quotes.Book(ctx, ref)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.OrderBook{Ref: ref}, nil
	}
	if err != nil {
		return domain.OrderBook{}, fmt.Errorf("paper: %w: %w", domain.ErrVenueUnavailable, err)
	}
	return book, nil
}

// cross fills o against levels at or better than its limit. Caller holds g.mu.
func (g *Gateway) cross(o *order, book domain.OrderBook) {
	for _, lvl := range book.Side(o.spec.Direction) {
		if o.remaining() <= 0 {
			break
		}
		if o.spec.Direction == domain.DirectionBuy && lvl.Price > o.spec.Price {
			break
		}
		if o.spec.Direction == domain.DirectionSell && lvl.Price < o.spec.Price {
			break
		}
		qty := min(lvl.Size, o.remaining())
		o.filled += qty
		o.notional += qty * lvl.Price
		o.updatedAt = g.now()
	}
}
