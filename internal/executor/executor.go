package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"execution-core/internal/events"
	"execution-core/internal/order"
	"execution-core/internal/recovery"
	"execution-core/internal/risk"
	"execution-core/pkg/breaker"
	"execution-core/pkg/exchange"
)

// QuoteFunc returns the last known price for a symbol, false when no quote
// has been seen yet.
type QuoteFunc func(symbol string) (float64, bool)

// Config tunes execution behaviour.
type Config struct {
	Mode           Mode
	MaxRetries     int           // live placement attempts
	RetryDelay     time.Duration // linear backoff step between attempts
	CommissionRate float64       // paper-mode fee rate
}

// Executor turns validated Decisions into tracked orders, gated by the risk
// manager and executed according to the configured mode.
type Executor struct {
	cfg     Config
	log     *logrus.Entry
	conn    exchange.Connector
	tracker *order.Tracker
	risk    *risk.Manager
	bus     *events.Bus
	rec     *recovery.Manager
	quote   QuoteFunc
}

// New builds an executor. conn may be nil outside live mode.
func New(cfg Config, conn exchange.Connector, tracker *order.Tracker, riskMgr *risk.Manager, bus *events.Bus, log *logrus.Entry) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &Executor{
		cfg:     cfg,
		log:     log,
		conn:    conn,
		tracker: tracker,
		risk:    riskMgr,
		bus:     bus,
	}
}

// SetRecoveryManager attaches a recovery manager; live placements then run
// through its circuit breaker.
func (e *Executor) SetRecoveryManager(m *recovery.Manager) {
	e.rec = m
}

// SetQuoteSource wires the price cache used for sizing and paper fills.
func (e *Executor) SetQuoteSource(fn QuoteFunc) {
	e.quote = fn
}

// Execute runs a single decision for a symbol. Expected failures (invalid
// decision, missing quote, risk rejection, exhausted retries) come back as a
// failed ExecutionResult with a descriptive message; Execute never panics on
// producer input.
func (e *Executor) Execute(ctx context.Context, symbol string, d Decision) ExecutionResult {
	if err := d.Validate(); err != nil {
		return failedResult("invalid decision: %v", err)
	}
	if d.Intent == IntentHold {
		return ExecutionResult{Success: true}
	}

	price, ok := e.quotePrice(symbol)
	if !ok {
		return failedResult("no quote available for %s", symbol)
	}

	pos := e.risk.GetPosition(symbol)
	side, qty, res := e.resolveOrder(symbol, d, price, pos)
	if res != nil {
		return *res
	}

	if approved, reason := e.risk.ValidateOrder(symbol, string(side), qty, price, pos.Qty); !approved {
		e.log.WithFields(logrus.Fields{
			"symbol": symbol,
			"side":   side,
			"qty":    qty,
			"reason": reason,
		}).Warn("Order rejected by risk checks")
		return failedResult("risk check failed: %s", reason)
	}

	clientID := uuid.NewString()
	o := e.tracker.CreateOrder(clientID, symbol, side, exchange.OrderTypeMarket, qty, price)
	e.publish(events.EventOrderSubmitted, o.ClientID)

	e.log.WithFields(logrus.Fields{
		"symbol":   symbol,
		"side":     side,
		"qty":      qty,
		"price":    price,
		"mode":     e.cfg.Mode,
		"order_id": clientID,
		"reason":   d.Reason,
	}).Info("Executing decision")

	switch e.cfg.Mode {
	case ModePaper:
		return e.executePaper(o, price)
	case ModeLive:
		return e.executeLive(ctx, o)
	default:
		return e.executeDryRun(o)
	}
}

// resolveOrder maps intent to side and size. A non-nil result means the
// decision cannot produce an order.
func (e *Executor) resolveOrder(symbol string, d Decision, price float64, pos risk.Position) (exchange.Side, float64, *ExecutionResult) {
	switch d.Intent {
	case IntentLong:
		qty := e.risk.SuggestPositionSize(symbol, price, d.SizeHint)
		if qty <= 0 {
			r := failedResult("suggested size is zero for %s at %.2f", symbol, price)
			return "", 0, &r
		}
		return exchange.SideBuy, qty, nil
	case IntentShort, IntentExit:
		if pos.Qty <= 0 {
			if d.Intent == IntentExit {
				r := failedResult("no open position to exit for %s", symbol)
				return "", 0, &r
			}
			r := failedResult("no open position to reduce for %s", symbol)
			return "", 0, &r
		}
		qty := pos.Qty
		if d.Intent == IntentShort && d.SizeHint > 0 {
			if hinted := e.risk.SuggestPositionSize(symbol, price, d.SizeHint); hinted < qty {
				qty = hinted
			}
		}
		return exchange.SideSell, qty, nil
	}
	r := failedResult("unsupported intent %q", d.Intent)
	return "", 0, &r
}

func (e *Executor) executeDryRun(o *order.Order) ExecutionResult {
	closed := e.tracker.CloseOrder(o.ClientID)
	if closed == nil {
		closed = o
	}
	return ExecutionResult{
		Success: true,
		Status:  closed.State,
		OrderID: closed.ClientID,
	}
}

// executePaper fills the order immediately at the quoted price with a
// deterministic commission.
func (e *Executor) executePaper(o *order.Order, price float64) ExecutionResult {
	e.tracker.SetExchangeID(o.ClientID, "paper-"+o.ClientID)
	fee := o.Qty * price * e.cfg.CommissionRate

	state, ok := e.tracker.AddFill(o.ClientID, o.Qty, price, fee, "USDT")
	if !ok {
		return failedResult("paper fill rejected for order %s", o.ClientID)
	}
	e.risk.AddFill(o.Symbol, string(o.Side), o.Qty, price)

	closed := e.tracker.CloseOrder(o.ClientID)
	if closed == nil {
		return failedResult("order %s vanished before close", o.ClientID)
	}
	e.publish(events.EventOrderFilled, closed.ClientID)
	return ExecutionResult{
		Success:         true,
		Status:          state,
		OrderID:         closed.ClientID,
		ExchangeOrderID: closed.ExchangeID,
		FilledQty:       closed.FilledQty,
		AvgPrice:        closed.AvgFillPrice,
		Commission:      closed.Commission,
	}
}

// executeLive places the order on the connector with up to MaxRetries
// attempts and linearly increasing delay. Fills arrive later over the user
// data stream; this only confirms acceptance.
func (e *Executor) executeLive(ctx context.Context, o *order.Order) ExecutionResult {
	req := exchange.OrderRequest{
		Symbol:   o.Symbol,
		Side:     o.Side,
		Type:     o.Type,
		Qty:      o.Qty,
		ClientID: o.ClientID,
	}

	attempt := func(ctx context.Context) (exchange.OrderResult, error) {
		if e.rec != nil {
			var res exchange.OrderResult
			err := e.rec.Breaker().Call(ctx, func(ctx context.Context) error {
				var callErr error
				res, callErr = e.conn.PlaceOrder(ctx, req)
				return callErr
			})
			return res, err
		}
		return e.conn.PlaceOrder(ctx, req)
	}

	var (
		res     exchange.OrderResult
		lastErr error
	)
	for i := 1; i <= e.cfg.MaxRetries; i++ {
		res, lastErr = attempt(ctx)
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, breaker.ErrOpen) || !exchange.IsRetryable(lastErr) {
			break
		}
		if i == e.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(time.Duration(i) * e.cfg.RetryDelay):
			continue
		}
		break
	}

	if lastErr != nil {
		e.tracker.MarkFailed(o.ClientID)
		e.tracker.CloseOrder(o.ClientID)
		e.publish(events.EventOrderRejected, o.ClientID)
		e.log.WithError(lastErr).WithField("order_id", o.ClientID).Error("Live placement failed")
		return ExecutionResult{
			Success:      false,
			Status:       order.StateFailed,
			OrderID:      o.ClientID,
			ErrorMessage: fmt.Sprintf("order placement failed after %d attempts: %v", e.cfg.MaxRetries, lastErr),
		}
	}

	e.tracker.SetExchangeID(o.ClientID, res.ExchangeOrderID)
	e.publish(events.EventOrderAccepted, o.ClientID)

	current, _ := e.tracker.Get(o.ClientID)
	status := order.StateOpen
	if current != nil {
		status = current.State
	}
	return ExecutionResult{
		Success:         true,
		Status:          status,
		OrderID:         o.ClientID,
		ExchangeOrderID: res.ExchangeOrderID,
	}
}

// CancelOrder cancels locally in every mode and additionally on the
// connector in live mode.
func (e *Executor) CancelOrder(ctx context.Context, clientID string) error {
	o, ok := e.tracker.Get(clientID)
	if !ok {
		return errors.New("unknown order " + clientID)
	}

	if e.cfg.Mode == ModeLive && o.ExchangeID != "" {
		if err := e.conn.CancelOrder(ctx, o.Symbol, o.ExchangeID); err != nil {
			e.log.WithError(err).WithField("order_id", clientID).Warn("Exchange cancel failed")
			return err
		}
	}

	if !e.tracker.CancelOrder(clientID) {
		return errors.New("order " + clientID + " is already terminal")
	}
	e.publish(events.EventOrderCancelled, clientID)
	return nil
}

func (e *Executor) quotePrice(symbol string) (float64, bool) {
	if e.quote == nil {
		return 0, false
	}
	price, ok := e.quote(symbol)
	if !ok || price <= 0 {
		return 0, false
	}
	return price, true
}

func (e *Executor) publish(ev events.Event, payload any) {
	if e.bus != nil {
		e.bus.Publish(ev, payload)
	}
}
