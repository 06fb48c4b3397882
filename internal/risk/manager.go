package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"execution-core/internal/events"
	"execution-core/pkg/db"
)

// OpenOrderCounter reports in-flight order count; wired to the order tracker.
type OpenOrderCounter func() int

// Manager performs pre-trade validation, tracks the daily P&L window and
// owns the signed position book. Validation never mutates state apart from
// the lazy UTC-day rollover performed at entry.
type Manager struct {
	log   *logrus.Entry
	bus   *events.Bus
	store *db.Database // optional daily-ledger durability

	openOrders OpenOrderCounter
	now        func() time.Time // injectable clock for the daily window

	mu          sync.Mutex
	limits      Limits
	balance     float64
	peakBalance float64
	day         string // UTC calendar date of the current window
	dailyTrades []TradeResult
	dailyPnL    float64
	dailyLosses float64
	positions   map[string]*Position
	rules       []namedRule
}

type namedRule struct {
	name string
	fn   Rule
}

// NewManager creates a risk manager with the given limits and starting
// balance. bus and store may be nil.
func NewManager(limits Limits, balance float64, log *logrus.Entry, bus *events.Bus, store *db.Database) *Manager {
	m := &Manager{
		log:         log,
		bus:         bus,
		store:       store,
		limits:      limits,
		balance:     balance,
		peakBalance: balance,
		positions:   make(map[string]*Position),
		now:         time.Now,
	}
	m.day = m.today()
	return m
}

// SetOpenOrderCounter wires the open-order-count check to the tracker.
func (m *Manager) SetOpenOrderCounter(fn OpenOrderCounter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrders = fn
}

// RegisterRule appends a custom validation rule; rules run after the
// built-in chain, in registration order.
func (m *Manager) RegisterRule(name string, fn Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, namedRule{name: name, fn: fn})
}

// ValidateOrder runs the ordered check chain; the first failing check
// short-circuits with a human-readable reason. All checks must pass for
// approval. It never raises for expected conditions.
func (m *Manager) ValidateOrder(symbol, side string, qty, price, currentPositionQty float64) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.maybeResetDaily()

	orderValue := qty * price

	// 1. Position size vs balance fraction.
	if maxValue := m.limits.MaxPositionPct * m.balance; orderValue > maxValue {
		return m.reject(symbol, fmt.Sprintf(
			"position size %.2f exceeds %.1f%% of balance (max %.2f)",
			orderValue, m.limits.MaxPositionPct*100, maxValue))
	}

	// 2. Daily trade count.
	if m.limits.MaxDailyTrades > 0 && len(m.dailyTrades) >= m.limits.MaxDailyTrades {
		return m.reject(symbol, fmt.Sprintf(
			"daily trade limit reached: %d/%d", len(m.dailyTrades), m.limits.MaxDailyTrades))
	}

	// 3. Open order count.
	if m.openOrders != nil && m.limits.MaxOpenOrders > 0 {
		if open := m.openOrders(); open >= m.limits.MaxOpenOrders {
			return m.reject(symbol, fmt.Sprintf(
				"too many open orders: %d/%d", open, m.limits.MaxOpenOrders))
		}
	}

	// 4. Margin sufficiency: buys must leave the margin buffer free.
	if side == "BUY" {
		available := m.balance * (1 - m.limits.MarginBufferPct)
		if orderValue > available {
			return m.reject(symbol, fmt.Sprintf(
				"insufficient margin: order value %.2f exceeds available %.2f", orderValue, available))
		}
	}

	// 5. Daily drawdown.
	if m.peakBalance > 0 && m.limits.MaxDailyDD > 0 {
		dd := (m.peakBalance - m.balance) / m.peakBalance
		if dd >= m.limits.MaxDailyDD {
			return m.reject(symbol, fmt.Sprintf(
				"daily drawdown %.2f%% breaches limit %.2f%%", dd*100, m.limits.MaxDailyDD*100))
		}
	}

	// 6. Registered custom rules, in order.
	for _, r := range m.rules {
		if reason := r.fn(symbol, side, qty, price); reason != "" {
			return m.reject(symbol, fmt.Sprintf("%s: %s", r.name, reason))
		}
	}

	return true, ""
}

// reject publishes a risk alert (fire-and-forget) and returns the refusal.
// Callers hold m.mu; bus publish never blocks.
func (m *Manager) reject(symbol, reason string) (bool, string) {
	if m.bus != nil {
		m.bus.Publish(events.EventRiskAlert, events.RiskAlertPayload{Symbol: symbol, Reason: reason})
	}
	if m.log != nil {
		m.log.Warnf("order rejected [%s]: %s", symbol, reason)
	}
	return false, reason
}

// AddFill mutates the signed position book: BUY accumulates into the
// volume-weighted average entry, SELL decrements. Crossing to zero or below
// removes the position entry.
func (m *Manager) AddFill(symbol, side string, qty, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.positions[symbol]
	switch side {
	case "BUY":
		if !exists {
			p = &Position{Symbol: symbol}
			m.positions[symbol] = p
			defer m.notifyPosition(events.EventPositionOpened, symbol, side, qty, price)
		}
		newQty := p.Qty + qty
		if newQty != 0 {
			p.AvgPrice = (p.AvgPrice*p.Qty + price*qty) / newQty
		}
		p.Qty = newQty
		p.UpdatedAt = m.now().UTC()
	case "SELL":
		if !exists {
			return
		}
		p.Qty -= qty
		p.UpdatedAt = m.now().UTC()
		if p.Qty <= 1e-12 {
			delete(m.positions, symbol)
			defer m.notifyPosition(events.EventPositionClosed, symbol, side, qty, price)
		}
	}
}

func (m *Manager) notifyPosition(e events.Event, symbol, side string, qty, price float64) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(e, events.PositionPayload{Symbol: symbol, Side: side, Qty: qty, AvgPrice: price})
}

// RecordTradeResult appends to the daily ledger, updates the P&L buckets and
// account balance. peakBalance only ratchets upward.
func (m *Manager) RecordTradeResult(trade TradeResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.maybeResetDaily()

	if trade.Time.IsZero() {
		trade.Time = m.now().UTC()
	}
	m.dailyTrades = append(m.dailyTrades, trade)
	m.dailyPnL += trade.PnL
	if trade.PnL < 0 {
		m.dailyLosses += -trade.PnL
	}
	m.balance += trade.PnL
	if m.balance > m.peakBalance {
		m.peakBalance = m.balance
	}

	if m.store != nil {
		err := m.store.UpsertDailyMetrics(context.Background(), m.day,
			trade.PnL, trade.PnL > 0, negOnly(trade.PnL), m.peakBalance)
		if err != nil && m.log != nil {
			m.log.Errorf("persist daily metrics: %v", err)
		}
	}
}

// SuggestPositionSize returns riskPct*balance/price, capped at
// maxPositionPct*balance/price. riskPct <= 0 falls back to the default.
func (m *Manager) SuggestPositionSize(symbol string, price, riskPct float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if price <= 0 {
		return 0
	}
	if riskPct <= 0 {
		riskPct = m.limits.DefaultRiskPct
	}
	size := riskPct * m.balance / price
	if maxSize := m.limits.MaxPositionPct * m.balance / price; size > maxSize {
		size = maxSize
	}
	return size
}

// GetPosition returns the current signed quantity and average price for a
// symbol (zero values when flat).
func (m *Manager) GetPosition(symbol string) Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[symbol]; ok {
		return *p
	}
	return Position{Symbol: symbol}
}

// Positions returns a snapshot of the position book.
func (m *Manager) Positions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// Metrics returns a snapshot of the daily window.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	dd := 0.0
	if m.peakBalance > 0 {
		dd = (m.peakBalance - m.balance) / m.peakBalance
	}
	return Metrics{
		Date:           m.day,
		DailyTrades:    len(m.dailyTrades),
		DailyPnL:       m.dailyPnL,
		DailyLosses:    m.dailyLosses,
		AccountBalance: m.balance,
		PeakBalance:    m.peakBalance,
		DrawdownPct:    dd,
	}
}

// maybeResetDaily rolls the window exactly once per UTC day, carrying the
// current balance forward as the new peak. Callers hold m.mu.
func (m *Manager) maybeResetDaily() {
	today := m.today()
	if today == m.day {
		return
	}
	if m.log != nil {
		m.log.Infof("daily risk window reset %s -> %s (pnl=%.2f trades=%d)",
			m.day, today, m.dailyPnL, len(m.dailyTrades))
	}
	m.day = today
	m.dailyTrades = nil
	m.dailyPnL = 0
	m.dailyLosses = 0
	m.peakBalance = m.balance
}

func (m *Manager) today() string {
	return m.now().UTC().Format("2006-01-02")
}

func negOnly(pnl float64) float64 {
	if pnl < 0 {
		return -pnl
	}
	return 0
}
