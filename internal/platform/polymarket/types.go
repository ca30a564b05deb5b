package polymarket

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// flexBool unmarshals from a JSON bool or a "true"/"false" string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexFloat unmarshals from a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(n)
	return nil
}

// --------------------------------------------------------------------------
// CLOB DTOs
// --------------------------------------------------------------------------

// APIOrder is an order as returned by GET /data/order/{id}.
type APIOrder struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"` // LIVE, MATCHED, CANCELED, UNMATCHED
	Market       string    `json:"market"`
	AssetID      string    `json:"asset_id"`
	Side         string    `json:"side"`
	OriginalSize flexFloat `json:"original_size"`
	SizeMatched  flexFloat `json:"size_matched"`
	Price        flexFloat `json:"price"`
	CreatedAt    int64     `json:"created_at"`
}

// APIOrderResult is the response of POST /order.
type APIOrderResult struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg,omitempty"`
	OrderID  string `json:"orderID,omitempty"`
	Status   string `json:"status,omitempty"` // live, matched, delayed, unmatched
}

// APICancelResult is the response of DELETE /order.
type APICancelResult struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// APIBook is the response of GET /book.
type APIBook struct {
	Market    string     `json:"market"`
	AssetID   string     `json:"asset_id"`
	Bids      []APILevel `json:"bids"`
	Asks      []APILevel `json:"asks"`
	Timestamp string     `json:"timestamp"`
}

// APILevel is one price level; the API sends both fields as strings.
type APILevel struct {
	Price flexFloat `json:"price"`
	Size  flexFloat `json:"size"`
}

// PostOrderRequest is the body of POST /order.
type PostOrderRequest struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"` // GTC or FAK
}

// SignedOrder is the wire form of a signed CLOB order.
type SignedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"` // BUY or SELL
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// --------------------------------------------------------------------------
// Gamma DTOs
// --------------------------------------------------------------------------

// APIMarket is the subset of a Gamma market needed to trade it.
type APIMarket struct {
	ID           string    `json:"id"`
	Question     string    `json:"question"`
	ConditionID  string    `json:"conditionId"`
	Slug         string    `json:"slug"`
	Active       flexBool  `json:"active"`
	Closed       flexBool  `json:"closed"`
	Outcomes     string    `json:"outcomes"`     // JSON-encoded, e.g. "[\"Yes\",\"No\"]"
	ClobTokenIDs string    `json:"clobTokenIds"` // JSON-encoded, same order as Outcomes
	NegRisk      flexBool  `json:"negRisk"`
	TickSize     flexFloat `json:"orderPriceMinTickSize"`
	MinSize      flexFloat `json:"orderMinSize"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// wsEvent is one market-channel event. Book snapshots carry Bids/Asks;
// price_change events carry PriceChanges.
type wsEvent struct {
	EventType    string          `json:"event_type"` // "book", "price_change", "last_trade_price", "tick_size_change"
	AssetID      string          `json:"asset_id"`
	Market       string          `json:"market"`
	Bids         []APILevel      `json:"bids"`
	Asks         []APILevel      `json:"asks"`
	PriceChanges []wsPriceChange `json:"price_changes"`
	Timestamp    string          `json:"timestamp"`
}

type wsPriceChange struct {
	AssetID string    `json:"asset_id"`
	Price   flexFloat `json:"price"`
	Size    flexFloat `json:"size"` // zero removes the level
	Side    string    `json:"side"` // BUY adjusts bids, SELL adjusts asks
}

type wsSubscribe struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}

// --------------------------------------------------------------------------
// Conversions
// --------------------------------------------------------------------------

func toLevels(in []APILevel) []domain.BookLevel {
	out := make([]domain.BookLevel, 0, len(in))
	for _, l := range in {
		if l.Size <= 0 {
			continue
		}
		out = append(out, domain.BookLevel{Price: float64(l.Price), Size: float64(l.Size)})
	}
	return out
}

// sortBook orders bids best (highest) first and asks best (lowest) first.
func sortBook(b *domain.OrderBook) {
	sort.Slice(b.Bids, func(i, j int) bool { return b.Bids[i].Price > b.Bids[j].Price })
	sort.Slice(b.Asks, func(i, j int) bool { return b.Asks[i].Price < b.Asks[j].Price })
}

// parseTimestamp accepts unix milliseconds, unix seconds or RFC 3339.
func parseTimestamp(s string) time.Time {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now()
}

// report converts a CLOB order into the normalized status report. The CLOB
// does not expose an average fill price, so the limit price stands in.
func (a APIOrder) report() domain.OrderReport {
	rep := domain.OrderReport{
		OrderID:   a.ID,
		FilledQty: float64(a.SizeMatched),
		UpdatedAt: time.Now(),
	}
	if rep.FilledQty > 0 {
		rep.AvgPrice = float64(a.Price)
	}
	switch strings.ToUpper(a.Status) {
	case "MATCHED":
		rep.Status = domain.OrderFilled
	case "CANCELED", "CANCELLED", "UNMATCHED":
		rep.Status = domain.OrderCancelled
	default:
		rep.Status = domain.OrderOpen
		if rep.FilledQty > 0 {
			rep.Status = domain.OrderPartiallyFilled
		}
	}
	if rep.Status == domain.OrderOpen || rep.Status == domain.OrderPartiallyFilled {
		if a.OriginalSize > 0 && a.SizeMatched >= a.OriginalSize {
			rep.Status = domain.OrderFilled
		}
	}
	return rep
}
