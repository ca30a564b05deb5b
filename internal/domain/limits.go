package domain

// SafetyLimits are the static bounds enforced at admission.
type SafetyLimits struct {
	MaxOrderSizeUSD     float64
	MaxTotalExposureUSD float64
	MaxPositionUSD      float64
	MaxDailyVolumeUSD   float64
	MaxOpenOrdersVenue  int
	MinLiquidity        float64
	MaxSpread           float64
	MaxSlippagePct      float64
}

// ExposureSnapshot is a point-in-time view of the exposure ledger.
type ExposureSnapshot struct {
	TotalUSD       float64            `json:"total_usd"`
	DailyVolumeUSD float64            `json:"daily_volume_usd"`
	PerMarketUSD   map[string]float64 `json:"per_market_usd"`
	OpenOrders     map[Venue]int      `json:"open_orders"`
	Strategies     int                `json:"strategies"`
}
