// Package gatewaytest provides a scriptable in-memory venue gateway that
// records every call for ordering assertions.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/gateway"
)

// Never disables automatic fills.
const Never = time.Duration(-1)

// Behavior scripts how the fake venue treats orders for a market.
type Behavior struct {
	PlaceErr   error
	PlaceDelay time.Duration
	// FillAfter is the delay between placement and the (possibly partial)
	// fill. Never leaves the order resting.
	FillAfter time.Duration
	// FillQty caps the fill; zero fills the full quantity.
	FillQty     float64
	FillPrice   float64
	CancelErr   error
	CancelDelay time.Duration
	// StatusErr is returned by GetOrderStatus.
	StatusErr error
}

// Call is one recorded gateway invocation.
type Call struct {
	Venue   domain.Venue
	Op      string
	OrderID string
	Spec    domain.OrderSpec
	Seq     int64
	At      time.Time
}

type order struct {
	spec      domain.OrderSpec
	behavior  Behavior
	placedAt  time.Time
	filled    float64
	price     float64
	cancelled bool
	manual    bool
}

var seq atomic.Int64

// Gateway is a fake domain.VenueGateway.
type Gateway struct {
	venue domain.Venue

	mu        sync.Mutex
	behaviors map[string]Behavior
	fallback  Behavior
	orders    map[string]*order
	calls     []Call
	nextID    int
	onPlace   func(domain.OrderSpec)
}

// New creates a gateway for venue that fills every order immediately.
func New(venue domain.Venue) *Gateway {
	return &Gateway{
		venue:     venue,
		behaviors: make(map[string]Behavior),
		orders:    make(map[string]*order),
	}
}

func behaviorKey(marketID string, dir domain.Direction) string {
	return marketID + "|" + string(dir)
}

// Script sets the behavior for every order on marketID.
func (g *Gateway) Script(marketID string, b Behavior) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.behaviors[marketID] = b
}

// ScriptDirection sets the behavior for orders on marketID in direction dir,
// taking precedence over Script.
func (g *Gateway) ScriptDirection(marketID string, dir domain.Direction, b Behavior) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.behaviors[behaviorKey(marketID, dir)] = b
}

// Default sets the behavior for unscripted markets.
func (g *Gateway) Default(b Behavior) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fallback = b
}

// OnPlace registers a hook run synchronously inside PlaceOrder.
func (g *Gateway) OnPlace(fn func(domain.OrderSpec)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onPlace = fn
}

// Fill applies a manual fill to an order and disables its scripted fill.
func (g *Gateway) Fill(orderID string, qty, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.orders[orderID]; ok {
		o.manual = true
		o.filled = qty
		o.price = price
	}
}

// Calls returns a copy of every recorded call.
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Call(nil), g.calls...)
}

// CallsFor returns recorded calls of one operation: place, cancel or status.
func (g *Gateway) CallsFor(op string) []Call {
	var out []Call
	for _, c := range g.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (g *Gateway) record(op, orderID string, spec domain.OrderSpec) {
	g.calls = append(g.calls, Call{
		Venue:   g.venue,
		Op:      op,
		OrderID: orderID,
		Spec:    spec,
		Seq:     seq.Add(1),
		At:      time.Now(),
	})
}

func (g *Gateway) behaviorFor(spec domain.OrderSpec) Behavior {
	if b, ok := g.behaviors[behaviorKey(spec.MarketID, spec.Direction)]; ok {
		return b
	}
	if b, ok := g.behaviors[spec.MarketID]; ok {
		return b
	}
	return g.fallback
}

func (g *Gateway) Venue() domain.Venue { return g.venue }

func (g *Gateway) PlaceOrder(ctx context.Context, spec domain.OrderSpec, timeout time.Duration) (string, error) {
	g.mu.Lock()
	b := g.behaviorFor(spec)
	hook := g.onPlace
	g.record("place", "", spec)
	g.mu.Unlock()

	if hook != nil {
		hook(spec)
	}
	return gateway.Call(ctx, timeout, func(ctx context.Context) (string, error) {
		if b.PlaceDelay > 0 {
			select {
			case <-time.After(b.PlaceDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if b.PlaceErr != nil {
			return "", b.PlaceErr
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		g.nextID++
		id := fmt.Sprintf("%s-%d", g.venue, g.nextID)
		g.orders[id] = &order{spec: spec, behavior: b, placedAt: time.Now()}
		return id, nil
	})
}

// settle applies the scripted fill once its delay has elapsed.
func (o *order) settle(now time.Time) {
	if o.manual || o.cancelled || o.behavior.FillAfter < 0 {
		return
	}
	if now.Sub(o.placedAt) < o.behavior.FillAfter {
		return
	}
	qty := o.spec.Quantity
	if o.behavior.FillQty > 0 && o.behavior.FillQty < qty {
		qty = o.behavior.FillQty
	}
	o.filled = qty
	o.price = o.behavior.FillPrice
	if o.price == 0 {
		o.price = o.spec.Price
	}
}

func (o *order) report(id string) domain.OrderReport {
	r := domain.OrderReport{OrderID: id, FilledQty: o.filled, UpdatedAt: time.Now()}
	if o.filled > 0 {
		r.AvgPrice = o.price
	}
	switch {
	case o.filled >= o.spec.Quantity:
		r.Status = domain.OrderFilled
	case o.cancelled:
		r.Status = domain.OrderCancelled
	case o.filled > 0:
		r.Status = domain.OrderPartiallyFilled
	default:
		r.Status = domain.OrderOpen
	}
	return r
}

func (g *Gateway) CancelOrder(ctx context.Context, orderID string, timeout time.Duration) error {
	return gateway.CallErr(ctx, timeout, func(ctx context.Context) error {
		g.mu.Lock()
		g.record("cancel", orderID, domain.OrderSpec{})
		o, ok := g.orders[orderID]
		var delay time.Duration
		if ok {
			delay = o.behavior.CancelDelay
		}
		g.mu.Unlock()
		if !ok {
			return domain.ErrOrderNotFound
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		if o.behavior.CancelErr != nil {
			return o.behavior.CancelErr
		}
		o.settle(time.Now())
		if o.report(orderID).Status.Terminal() {
			return domain.ErrAlreadyTerminal
		}
		o.cancelled = true
		return nil
	})
}

func (g *Gateway) GetOrderStatus(ctx context.Context, orderID string, timeout time.Duration) (domain.OrderReport, error) {
	return gateway.Call(ctx, timeout, func(ctx context.Context) (domain.OrderReport, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.record("status", orderID, domain.OrderSpec{})
		o, ok := g.orders[orderID]
		if !ok {
			return domain.OrderReport{}, domain.ErrOrderNotFound
		}
		if o.behavior.StatusErr != nil {
			return domain.OrderReport{}, o.behavior.StatusErr
		}
		o.settle(time.Now())
		return o.report(orderID), nil
	})
}
