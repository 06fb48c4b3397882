package order

import (
	"time"

	"execution-core/pkg/exchange"
)

// State is the order lifecycle state.
type State string

const (
	StatePending         State = "PENDING"
	StateOpen            State = "OPEN"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateCancelled       State = "CANCELLED"
	StateRejected        State = "REJECTED"
	StateExpired         State = "EXPIRED"
	StateFailed          State = "FAILED"
)

// Terminal reports whether the state can never transition again.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired, StateFailed:
		return true
	}
	return false
}

// Fill is one quantity/price/fee event produced when (part of) an order executes.
type Fill struct {
	Qty      float64
	Price    float64
	Fee      float64
	FeeAsset string
	Time     time.Time
}

// Order represents a tracked order with its fill ledger.
type Order struct {
	ClientID   string
	ExchangeID string // empty until the exchange acks
	Symbol     string
	Side       exchange.Side
	Type       exchange.OrderType
	Qty        float64
	Price      float64
	TIF        exchange.TimeInForce
	State      State

	Fills        []Fill
	FilledQty    float64
	AvgFillPrice float64
	Commission   float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RemainingQty returns the unfilled quantity.
func (o *Order) RemainingQty() float64 {
	return o.Qty - o.FilledQty
}

// IsFullyFilled reports whether cumulative fills reached the requested qty.
func (o *Order) IsFullyFilled() bool {
	return o.FilledQty >= o.Qty
}

// clone returns a deep copy so callers get read-only snapshots.
func (o *Order) clone() *Order {
	cp := *o
	cp.Fills = make([]Fill, len(o.Fills))
	copy(cp.Fills, o.Fills)
	return &cp
}

// Stats aggregates counts and commission over closed orders.
type Stats struct {
	TotalOrders     int
	Filled          int
	PartiallyFilled int
	Cancelled       int
	Rejected        int
	Failed          int
	Expired         int
	TotalCommission float64
}
