package domain

import (
	"fmt"
	"time"
)

// PairKind says how the two legs of a pair relate.
type PairKind string

const (
	// PairComplementary pairs opposite outcomes: exactly one side pays out.
	PairComplementary PairKind = "complementary"
	// PairSameOutcome pairs the same outcome listed on two venues.
	PairSameOutcome PairKind = "same_outcome"
)

// MarketPair references two venue markets believed to track the same or a
// correlated event. Read-only to the engine.
type MarketPair struct {
	ID             string    `json:"id"`
	A              MarketRef `json:"a"`
	B              MarketRef `json:"b"`
	Kind           PairKind  `json:"kind"`
	Correlation    float64   `json:"correlation"`
	PriceOffset    float64   `json:"price_offset"`
	LastSpread     float64   `json:"last_spread"`
	AlertThreshold float64   `json:"alert_threshold"`
	Active         bool      `json:"active"`
	UpdatedAt      time.Time `json:"updated_at"`
}

var venueTags = map[Venue]string{
	VenueKalshi:     "kalshi",
	VenuePolymarket: "poly",
	VenuePaper:      "paper",
}

// PairID builds the canonical pair id, e.g. kalshi:TICKER__poly:0xabc.
func PairID(a, b MarketRef) string {
	return fmt.Sprintf("%s:%s__%s:%s", venueTag(a.Venue), a.MarketID, venueTag(b.Venue), b.MarketID)
}

func venueTag(v Venue) string {
	if t, ok := venueTags[v]; ok {
		return t
	}
	return string(v)
}

// Spread is the disagreement between the two legs expressed in the price of
// leg A's outcome. For complementary pairs leg B's price is mapped to 1-p.
func Spread(kind PairKind, priceA, priceB float64) float64 {
	if kind == PairComplementary {
		return priceA - (1 - priceB)
	}
	return priceA - priceB
}
