package risk

import "time"

// Limits bounds what the manager will approve. UsePct values are fractions
// (0.05 = 5%).
type Limits struct {
	MaxPositionPct  float64 // max order value as a fraction of balance
	MaxDailyTrades  int
	MaxOpenOrders   int
	MaxDailyDD      float64 // max peak-to-trough daily drawdown fraction
	MarginBufferPct float64 // balance fraction kept free when sizing buys
	DefaultRiskPct  float64 // risk per trade when the caller passes none
}

// DefaultLimits are conservative spot-trading bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionPct:  0.05,
		MaxDailyTrades:  30,
		MaxOpenOrders:   10,
		MaxDailyDD:      0.05,
		MarginBufferPct: 0.01,
		DefaultRiskPct:  0.02,
	}
}

// Position tracks signed net quantity per symbol with a volume-weighted
// average entry price.
type Position struct {
	Symbol    string
	Qty       float64
	AvgPrice  float64
	UpdatedAt time.Time
}

// TradeResult is a realized trade outcome fed into the daily ledger.
// PnL is net of fees.
type TradeResult struct {
	Symbol string
	Side   string
	Qty    float64
	Price  float64
	PnL    float64
	Time   time.Time
}

// Metrics is a read-only snapshot of the daily risk window.
type Metrics struct {
	Date           string
	DailyTrades    int
	DailyPnL       float64
	DailyLosses    float64
	AccountBalance float64
	PeakBalance    float64
	DrawdownPct    float64
}

// Rule is a registered custom validation hook. Returning a non-empty reason
// rejects the order.
type Rule func(symbol string, side string, qty, price float64) string
