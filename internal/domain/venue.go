package domain

import (
	"context"
	"fmt"
	"time"
)

// Venue identifies a trading venue.
type Venue string

const (
	VenueKalshi     Venue = "kalshi"
	VenuePolymarket Venue = "polymarket"
	VenuePaper      Venue = "paper"
)

// Outcome is the contract side traded on a market: yes/no or a named outcome.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// Direction is buy or sell.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Opposite returns the offsetting direction.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// MarketRef points at one outcome of one market on one venue.
type MarketRef struct {
	Venue    Venue   `json:"venue"`
	MarketID string  `json:"market_id"`
	Outcome  Outcome `json:"outcome"`
}

// Key returns a stable cache key for the reference.
func (r MarketRef) Key() string {
	return fmt.Sprintf("%s:%s:%s", r.Venue, r.MarketID, r.Outcome)
}

// OrderSpec is a venue-agnostic limit order request. Price is expressed as a
// probability in (0,1); adapters convert to venue units.
type OrderSpec struct {
	ClientOrderID string
	MarketID      string
	Outcome       Outcome
	Direction     Direction
	Price         float64
	Quantity      float64
	// Marketable asks the venue to take liquidity immediately (used by unwinds).
	Marketable bool
}

// OrderStatus is the normalized venue order status.
type OrderStatus string

const (
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
)

// Terminal reports whether the venue will not fill the order any further.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// OrderReport is the result of GetOrderStatus.
type OrderReport struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	FilledQty float64     `json:"filled_qty"`
	AvgPrice  float64     `json:"avg_price"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// VenueGateway is the only boundary between the engine and venue transport.
// Every call must return within timeout or fail with ErrVenueTimeout.
type VenueGateway interface {
	Venue() Venue
	// PlaceOrder fails with ErrVenueRejected or ErrVenueUnavailable.
	PlaceOrder(ctx context.Context, spec OrderSpec, timeout time.Duration) (string, error)
	// CancelOrder fails with ErrOrderNotFound or ErrAlreadyTerminal.
	CancelOrder(ctx context.Context, orderID string, timeout time.Duration) error
	GetOrderStatus(ctx context.Context, orderID string, timeout time.Duration) (OrderReport, error)
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is a normalized book for one market outcome. Bids are sorted
// best (highest) first, asks best (lowest) first.
type OrderBook struct {
	Ref       MarketRef   `json:"ref"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// BestBid returns the top bid.
func (b OrderBook) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask.
func (b OrderBook) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// Mid returns the midpoint, falling back to whichever side exists.
func (b OrderBook) Mid() (float64, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	switch {
	case okB && okA:
		return (bid.Price + ask.Price) / 2, true
	case okA:
		return ask.Price, true
	case okB:
		return bid.Price, true
	}
	return 0, false
}

// Side returns the levels a taker walks for the given direction.
func (b OrderBook) Side(d Direction) []BookLevel {
	if d == DirectionBuy {
		return b.Asks
	}
	return b.Bids
}

// BookSource is implemented by venue adapters that can fetch a book.
type BookSource interface {
	Venue() Venue
	GetBook(ctx context.Context, marketID string, outcome Outcome) (OrderBook, error)
}

// QuoteSource serves the latest known book for a market outcome.
type QuoteSource interface {
	Book(ctx context.Context, ref MarketRef) (OrderBook, error)
}

// FillEvent is a push notification of an execution against an order.
type FillEvent struct {
	Venue    Venue     `json:"venue"`
	OrderID  string    `json:"order_id"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price"`
	At       time.Time `json:"at"`
}

// FillFeed streams fills for an order until ctx is done.
type FillFeed interface {
	SubscribeFills(ctx context.Context, orderID string) (<-chan FillEvent, error)
}
