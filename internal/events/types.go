package events

// Event enumerates high-level topics inside the execution core. Alert hooks
// subscribe to these; publishing never blocks the trading path.
type Event string

const (
	EventOrderSubmitted       Event = "order.submitted"
	EventOrderAccepted        Event = "order.accepted"
	EventOrderRejected        Event = "order.rejected"
	EventOrderPartiallyFilled Event = "order.partially_filled"
	EventOrderFilled          Event = "order.filled"
	EventOrderCancelled       Event = "order.cancelled"
	EventPositionOpened       Event = "position.opened"
	EventPositionClosed       Event = "position.closed"
	EventRiskAlert            Event = "risk.alert"
	EventConnectionLost       Event = "connection.lost"
	EventConnectionRestored   Event = "connection.restored"
	EventPriceTick            Event = "price.tick"
)

// RiskAlertPayload describes a risk-limit breach.
type RiskAlertPayload struct {
	Symbol string
	Reason string
}

// PriceTickPayload carries the latest observed price for a symbol.
type PriceTickPayload struct {
	Symbol string
	Price  float64
}

// PositionPayload describes a position open/close notification.
type PositionPayload struct {
	Symbol   string
	Side     string
	Qty      float64
	AvgPrice float64
}
