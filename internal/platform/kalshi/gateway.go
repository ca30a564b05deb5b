package kalshi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/gateway"
)

// Gateway implements domain.VenueGateway and domain.BookSource for Kalshi.
type Gateway struct {
	client *Client
}

// NewGateway wraps client.
func NewGateway(client *Client) *Gateway {
	return &Gateway{client: client}
}

func (g *Gateway) Venue() domain.Venue { return domain.VenueKalshi }

// PlaceOrder validates and submits spec as a limit order. Marketable orders
// are sent immediate-or-cancel.
func (g *Gateway) PlaceOrder(ctx context.Context, spec domain.OrderSpec, timeout time.Duration) (string, error) {
	req, err := orderRequest(spec)
	if err != nil {
		return "", err
	}
	return gateway.Call(ctx, timeout, func(ctx context.Context) (string, error) {
		o, err := g.client.CreateOrder(ctx, req)
		if err != nil {
			return "", classify(opPlace, err)
		}
		if o.Status == "canceled" && !spec.Marketable && o.FilledCount() == 0 {
			return "", fmt.Errorf("kalshi: %w: order %s cancelled on entry", domain.ErrVenueRejected, o.OrderID)
		}
		return o.OrderID, nil
	})
}

func (g *Gateway) CancelOrder(ctx context.Context, orderID string, timeout time.Duration) error {
	return gateway.CallErr(ctx, timeout, func(ctx context.Context) error {
		o, err := g.client.CancelOrder(ctx, orderID)
		if err != nil {
			return classify(opCancel, err)
		}
		if o.Status == "executed" {
			return fmt.Errorf("kalshi: %w: order %s executed", domain.ErrAlreadyTerminal, orderID)
		}
		return nil
	})
}

func (g *Gateway) GetOrderStatus(ctx context.Context, orderID string, timeout time.Duration) (domain.OrderReport, error) {
	return gateway.Call(ctx, timeout, func(ctx context.Context) (domain.OrderReport, error) {
		o, err := g.client.GetOrder(ctx, orderID)
		if err != nil {
			return domain.OrderReport{}, classify(opStatus, err)
		}
		return report(o), nil
	})
}

// GetBook returns the book for one side of ticker. Kalshi only lists bids,
// so the asks of one side are the other side's bids mirrored at 100-p.
func (g *Gateway) GetBook(ctx context.Context, ticker string, outcome domain.Outcome) (domain.OrderBook, error) {
	ob, err := gateway.Call(ctx, gateway.DefaultTimeout, func(ctx context.Context) (Orderbook, error) {
		return g.client.GetOrderbook(ctx, ticker, 0)
	})
	if err != nil {
		return domain.OrderBook{}, classify(opBook, err)
	}
	return toBook(ticker, outcome, ob, time.Now())
}

// --------------------------------------------------------------------------
// Conversions
// --------------------------------------------------------------------------

// orderRequest applies the exchange's order validity rules: a whole
// contract count of at least one and a price on the 1c grid in [1,99].
func orderRequest(spec domain.OrderSpec) (CreateOrderRequest, error) {
	if spec.Outcome != domain.OutcomeYes && spec.Outcome != domain.OutcomeNo {
		return CreateOrderRequest{}, fmt.Errorf("kalshi: %w: outcome %q", domain.ErrVenueRejected, spec.Outcome)
	}
	count := math.Floor(spec.Quantity)
	if count < 1 || count != spec.Quantity {
		return CreateOrderRequest{}, fmt.Errorf("kalshi: %w: count %v must be a whole number >= 1", domain.ErrVenueRejected, spec.Quantity)
	}
	cents, err := toCents(spec.Price)
	if err != nil {
		return CreateOrderRequest{}, err
	}

	req := CreateOrderRequest{
		Ticker:        spec.MarketID,
		ClientOrderID: spec.ClientOrderID,
		Action:        string(spec.Direction),
		Side:          string(spec.Outcome),
		Type:          "limit",
		Count:         int64(count),
	}
	if spec.Outcome == domain.OutcomeYes {
		req.YesPrice = &cents
	} else {
		req.NoPrice = &cents
	}
	if spec.Marketable {
		req.TimeInForce = "immediate_or_cancel"
	}
	return req, nil
}

func toCents(price float64) (int64, error) {
	c := math.Round(price * 100)
	if c < 1 || c > 99 || math.Abs(price*100-c) > 1e-6 {
		return 0, fmt.Errorf("kalshi: %w: price %v is not a whole cent in [0.01, 0.99]", domain.ErrVenueRejected, price)
	}
	return int64(c), nil
}

func report(o Order) domain.OrderReport {
	filled := o.FilledCount()
	rep := domain.OrderReport{
		OrderID:   o.OrderID,
		FilledQty: float64(filled),
		UpdatedAt: time.Now(),
	}
	if t, err := time.Parse(time.RFC3339, o.LastUpdateTime); err == nil {
		rep.UpdatedAt = t
	}
	if filled > 0 {
		rep.AvgPrice = float64(o.TakerFillCost+o.MakerFillCost) / float64(filled) / 100
	}
	switch o.Status {
	case "executed":
		rep.Status = domain.OrderFilled
	case "canceled":
		rep.Status = domain.OrderCancelled
	default:
		rep.Status = domain.OrderOpen
		if filled > 0 {
			rep.Status = domain.OrderPartiallyFilled
		}
	}
	return rep
}

func toBook(ticker string, outcome domain.Outcome, ob Orderbook, at time.Time) (domain.OrderBook, error) {
	own, other := ob.Yes, ob.No
	switch outcome {
	case domain.OutcomeYes:
	case domain.OutcomeNo:
		own, other = ob.No, ob.Yes
	default:
		return domain.OrderBook{}, fmt.Errorf("kalshi: unknown outcome %q", outcome)
	}

	book := domain.OrderBook{
		Ref:       domain.MarketRef{Venue: domain.VenueKalshi, MarketID: ticker, Outcome: outcome},
		Timestamp: at,
	}
	for _, l := range own {
		book.Bids = append(book.Bids, domain.BookLevel{Price: float64(l.Price) / 100, Size: float64(l.Quantity)})
	}
	for _, l := range other {
		book.Asks = append(book.Asks, domain.BookLevel{Price: float64(100-l.Price) / 100, Size: float64(l.Quantity)})
	}
	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price > book.Bids[j].Price })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price < book.Asks[j].Price })
	return book, nil
}

// --------------------------------------------------------------------------
// Error classification
// --------------------------------------------------------------------------

type op int

const (
	opPlace op = iota
	opCancel
	opStatus
	opBook
)

// classify maps HTTP failures onto the gateway error contract.
func classify(o op, err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	var sentinel error
	switch s := apiErr.Status; {
	case s == http.StatusNotFound && (o == opCancel || o == opStatus):
		sentinel = domain.ErrOrderNotFound
	case (s == http.StatusBadRequest || s == http.StatusConflict) && o == opCancel:
		sentinel = domain.ErrAlreadyTerminal
	case s == http.StatusBadRequest || s == http.StatusConflict || s == http.StatusNotFound || s == http.StatusUnprocessableEntity:
		sentinel = domain.ErrVenueRejected
	case s == http.StatusTooManyRequests:
		sentinel = fmt.Errorf("%w: %w", domain.ErrVenueUnavailable, domain.ErrRateLimited)
	case s == http.StatusUnauthorized || s == http.StatusForbidden:
		sentinel = fmt.Errorf("%w: %w", domain.ErrVenueUnavailable, domain.ErrUnauthorized)
	default:
		sentinel = domain.ErrVenueUnavailable
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
