package kalshi

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// REST DTOs
// --------------------------------------------------------------------------

// Market is the subset of a Kalshi market the engine reads.
type Market struct {
	Ticker      string `json:"ticker"`
	EventTicker string `json:"event_ticker"`
	Title       string `json:"title"`
	Status      string `json:"status"` // "open", "active", "closed", "settled"
	YesBid      int64  `json:"yes_bid"`
	YesAsk      int64  `json:"yes_ask"`
	NoBid       int64  `json:"no_bid"`
	NoAsk       int64  `json:"no_ask"`
	CloseTime   string `json:"close_time"`
}

// Open reports whether the market accepts orders.
func (m Market) Open() bool {
	return m.Status == "open" || m.Status == "active"
}

// Orderbook holds resting bids for both sides. Kalshi books have no asks:
// a yes ask at p is a no bid at 100-p.
type Orderbook struct {
	Yes []PriceLevel `json:"yes"`
	No  []PriceLevel `json:"no"`
}

// PriceLevel is one [price_cents, quantity] pair.
type PriceLevel struct {
	Price    int64
	Quantity int64
}

// UnmarshalJSON accepts both the [price, qty] array form and an object.
func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair []int64
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("kalshi: price level has %d elements", len(pair))
		}
		l.Price, l.Quantity = pair[0], pair[1]
		return nil
	}
	var obj struct {
		Price    int64 `json:"price"`
		Quantity int64 `json:"quantity"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	l.Price, l.Quantity = obj.Price, obj.Quantity
	return nil
}

// CreateOrderRequest is the body of POST /portfolio/orders.
type CreateOrderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Action        string `json:"action"` // "buy" or "sell"
	Side          string `json:"side"`   // "yes" or "no"
	Type          string `json:"type"`   // "limit"
	Count         int64  `json:"count"`
	YesPrice      *int64 `json:"yes_price,omitempty"`
	NoPrice       *int64 `json:"no_price,omitempty"`
	TimeInForce   string `json:"time_in_force,omitempty"` // "immediate_or_cancel" for marketable orders
}

// Order is a Kalshi order as returned by the portfolio endpoints.
type Order struct {
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	Ticker         string `json:"ticker"`
	Status         string `json:"status"` // "resting", "pending", "executed", "canceled"
	Action         string `json:"action"`
	Side           string `json:"side"`
	YesPrice       int64  `json:"yes_price"`
	NoPrice        int64  `json:"no_price"`
	InitialCount   int64  `json:"initial_count"`
	RemainingCount int64  `json:"remaining_count"`
	TakerFillCount int64  `json:"taker_fill_count"`
	MakerFillCount int64  `json:"maker_fill_count"`
	TakerFillCost  int64  `json:"taker_fill_cost"` // cents
	MakerFillCost  int64  `json:"maker_fill_cost"` // cents
	LastUpdateTime string `json:"last_update_time"`
}

// FilledCount is the total number of contracts executed.
func (o Order) FilledCount() int64 {
	return o.TakerFillCount + o.MakerFillCount
}

type orderEnvelope struct {
	Order Order `json:"order"`
}

// APIError is a non-2xx Kalshi response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kalshi: HTTP %d: %s (%s)", e.Status, e.Message, e.Code)
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

type wsEnvelope struct {
	Type string          `json:"type"` // "fill", "subscribed", "error"
	SID  int64           `json:"sid"`
	Msg  json.RawMessage `json:"msg"`
}

// wsFill is a fill notification on the authenticated "fill" channel.
type wsFill struct {
	TradeID  string `json:"trade_id"`
	OrderID  string `json:"order_id"`
	Ticker   string `json:"market_ticker"`
	IsTaker  bool   `json:"is_taker"`
	Side     string `json:"side"`
	YesPrice int64  `json:"yes_price"`
	NoPrice  int64  `json:"no_price"`
	Count    int64  `json:"count"`
	Action   string `json:"action"`
	TS       int64  `json:"ts"`
}

type wsCommand struct {
	ID     int64           `json:"id"`
	Cmd    string          `json:"cmd"`
	Params wsCommandParams `json:"params"`
}

type wsCommandParams struct {
	Channels []string `json:"channels"`
}
