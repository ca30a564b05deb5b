package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityLeg is one leg of an evaluated opportunity at its executable
// (depth-walked) price.
type OpportunityLeg struct {
	Ref         MarketRef       `json:"ref"`
	Direction   Direction       `json:"direction"`
	QuotedPrice float64         `json:"quoted_price"`
	ExecPrice   decimal.Decimal `json:"exec_price"`
	Depth       float64         `json:"depth"`
	Fee         decimal.Decimal `json:"fee"`
}

// Opportunity is an ephemeral evaluation result. It lives for one scan cycle
// unless it seeds a proposed strategy.
type Opportunity struct {
	Pair      MarketPair       `json:"pair"`
	Legs      []OpportunityLeg `json:"legs"`
	Quantity  float64          `json:"quantity"`
	GrossEdge decimal.Decimal  `json:"gross_edge"`
	Fees      decimal.Decimal  `json:"fees"`
	NetEdge   decimal.Decimal  `json:"net_edge"`
	NetProfit decimal.Decimal  `json:"net_profit"`
	Hurdle    float64          `json:"hurdle"`
	Spread    float64          `json:"spread"`
	At        time.Time        `json:"at"`
}
