package engine

import (
	"time"

	"github.com/sirupsen/logrus"

	"execution-core/internal/events"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/internal/stream"
	"execution-core/pkg/exchange"
)

// OnOrderUpdate routes an executionReport into the tracker and risk book.
// The exchange reports cumulative quantities, so the per-fill delta is
// derived against our own ledger; replays and out-of-date reports reduce to
// a zero delta and are skipped, never dropped or double-counted.
func (e *Engine) OnOrderUpdate(ev stream.OrderUpdateEvent) {
	o, ok := e.tracker.Get(ev.ClientOrderID)
	if !ok {
		e.log.WithFields(logrus.Fields{
			"client_order_id": ev.ClientOrderID,
			"symbol":          ev.Symbol,
			"status":          ev.Status,
		}).Debug("Update for unknown order")
		return
	}

	if o.ExchangeID == "" && ev.ExchangeOrderID != "" {
		e.tracker.SetExchangeID(ev.ClientOrderID, ev.ExchangeOrderID)
	}

	switch exchange.OrderStatus(ev.Status) {
	case exchange.StatusPartial, exchange.StatusFilled:
		e.applyFill(o, ev)
	case exchange.StatusCanceled:
		if e.tracker.CancelOrder(ev.ClientOrderID) {
			e.tracker.CloseOrder(ev.ClientOrderID)
			e.publish(events.EventOrderCancelled, ev.ClientOrderID)
		}
	case exchange.StatusRejected:
		if e.tracker.MarkRejected(ev.ClientOrderID) {
			e.tracker.CloseOrder(ev.ClientOrderID)
			e.publish(events.EventOrderRejected, ev.ClientOrderID)
		}
	case exchange.StatusExpired:
		if e.tracker.MarkExpired(ev.ClientOrderID) {
			e.tracker.CloseOrder(ev.ClientOrderID)
		}
	}
}

func (e *Engine) applyFill(o *order.Order, ev stream.OrderUpdateEvent) {
	delta := ev.CumFilledQty - o.FilledQty
	if delta <= 1e-12 {
		// Already applied this fill (duplicate or out-of-order report).
		return
	}

	// Back out the price of this fill from the cumulative quote quantity.
	fillPrice := ev.Price
	if ev.CumQuoteQty > 0 {
		fillPrice = (ev.CumQuoteQty - o.AvgFillPrice*o.FilledQty) / delta
	}
	if fillPrice <= 0 {
		e.log.WithFields(logrus.Fields{
			"client_order_id": ev.ClientOrderID,
			"cum_qty":         ev.CumFilledQty,
			"cum_quote":       ev.CumQuoteQty,
		}).Warn("Dropping fill with unresolvable price")
		return
	}

	state, ok := e.tracker.AddFill(ev.ClientOrderID, delta, fillPrice, ev.Commission, ev.CommissionAsset)
	if !ok {
		return
	}

	var realized float64
	if o.Side == exchange.SideSell {
		if pos := e.risk.GetPosition(o.Symbol); pos.Qty > 0 {
			realized = (fillPrice - pos.AvgPrice) * delta
		}
	}
	e.risk.AddFill(o.Symbol, string(o.Side), delta, fillPrice)

	if o.Side == exchange.SideSell {
		e.risk.RecordTradeResult(risk.TradeResult{
			Symbol: o.Symbol,
			Side:   string(o.Side),
			Qty:    delta,
			Price:  fillPrice,
			PnL:    realized,
			Time:   time.UnixMilli(ev.TradeTime),
		})
	}

	switch state {
	case order.StateFilled:
		e.tracker.CloseOrder(ev.ClientOrderID)
		e.publish(events.EventOrderFilled, ev.ClientOrderID)
	case order.StatePartiallyFilled:
		e.publish(events.EventOrderPartiallyFilled, ev.ClientOrderID)
	}
}

// OnKline refreshes the price cache from closed and in-progress candles.
func (e *Engine) OnKline(ev stream.KlineUpdateEvent) {
	e.setPrice(ev.Symbol, ev.Close)
}

// OnTrade refreshes the price cache from the public trade tape.
func (e *Engine) OnTrade(ev stream.TradeUpdateEvent) {
	e.setPrice(ev.Symbol, ev.Price)
}

// OnTicker refreshes the price cache from the rolling ticker.
func (e *Engine) OnTicker(ev stream.TickerUpdateEvent) {
	e.setPrice(ev.Symbol, ev.LastPrice)
}

func (e *Engine) publish(ev events.Event, payload any) {
	if e.bus != nil {
		e.bus.Publish(ev, payload)
	}
}
