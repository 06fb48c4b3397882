package risk

import (
	"math"
	"strings"
	"testing"
	"time"
)

func newTestManager(balance float64) *Manager {
	return NewManager(DefaultLimits(), balance, nil, nil, nil)
}

func TestValidateOrderFreshManagerApproves(t *testing.T) {
	m := newTestManager(10000)

	ok, reason := m.ValidateOrder("BTCUSDT", "BUY", 0.01, 42000, 0)
	if !ok {
		t.Fatalf("expected approval, got reason %q", reason)
	}
	if reason != "" {
		t.Fatalf("reason = %q, expected empty on approval", reason)
	}
}

func TestValidateOrderPositionSizeLimit(t *testing.T) {
	m := newTestManager(10000)

	// 0.05 * 10000 = 500 max order value; 0.02 BTC @ 42000 = 840.
	ok, reason := m.ValidateOrder("BTCUSDT", "BUY", 0.02, 42000, 0)
	if ok {
		t.Fatal("expected rejection for oversized order")
	}
	if !strings.Contains(reason, "position size") {
		t.Fatalf("reason = %q, expected position size message", reason)
	}
}

func TestValidateOrderDailyTradeLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxDailyTrades = 2
	m := NewManager(limits, 10000, nil, nil, nil)

	m.RecordTradeResult(TradeResult{Symbol: "BTCUSDT", PnL: 1})
	m.RecordTradeResult(TradeResult{Symbol: "BTCUSDT", PnL: 1})

	ok, reason := m.ValidateOrder("BTCUSDT", "BUY", 0.001, 42000, 0)
	if ok {
		t.Fatal("expected rejection once daily trade limit reached")
	}
	if !strings.Contains(reason, "daily trade limit") {
		t.Fatalf("reason = %q", reason)
	}
}

func TestValidateOrderOpenOrderLimit(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxOpenOrders = 3
	m := NewManager(limits, 10000, nil, nil, nil)
	m.SetOpenOrderCounter(func() int { return 3 })

	ok, reason := m.ValidateOrder("BTCUSDT", "BUY", 0.001, 42000, 0)
	if ok {
		t.Fatal("expected rejection at open order limit")
	}
	if !strings.Contains(reason, "open orders") {
		t.Fatalf("reason = %q", reason)
	}
}

func TestValidateOrderDrawdownLimit(t *testing.T) {
	m := newTestManager(10000)

	// Losing trades push the daily drawdown past 5% of the peak.
	m.RecordTradeResult(TradeResult{Symbol: "BTCUSDT", PnL: -300})
	m.RecordTradeResult(TradeResult{Symbol: "BTCUSDT", PnL: -300})

	ok, reason := m.ValidateOrder("BTCUSDT", "BUY", 0.001, 42000, 0)
	if ok {
		t.Fatal("expected rejection past drawdown limit")
	}
	if !strings.Contains(reason, "drawdown") {
		t.Fatalf("reason = %q, expected drawdown message", reason)
	}
}

func TestValidateOrderCustomRule(t *testing.T) {
	m := newTestManager(10000)
	m.RegisterRule("no-doge", func(symbol, side string, qty, price float64) string {
		if symbol == "DOGEUSDT" {
			return "symbol not allowed"
		}
		return ""
	})

	if ok, _ := m.ValidateOrder("BTCUSDT", "BUY", 0.001, 42000, 0); !ok {
		t.Fatal("unrelated symbol should pass")
	}
	ok, reason := m.ValidateOrder("DOGEUSDT", "BUY", 1, 0.1, 0)
	if ok {
		t.Fatal("custom rule should reject")
	}
	if !strings.Contains(reason, "no-doge") {
		t.Fatalf("reason = %q, expected rule name", reason)
	}
}

func TestValidateNeverMutatesPositions(t *testing.T) {
	m := newTestManager(10000)
	m.ValidateOrder("BTCUSDT", "BUY", 0.01, 42000, 0)
	if len(m.Positions()) != 0 {
		t.Fatal("validation mutated the position book")
	}
}

func TestSuggestPositionSizeCap(t *testing.T) {
	m := newTestManager(10000)

	// risk 5% of $10k at $42k would be ~0.0119 BTC; the 5% position cap
	// yields the same bound, so larger risk requests are clamped to it.
	size := m.SuggestPositionSize("BTCUSDT", 42000, 0.05)
	if math.Abs(size-0.011904761904761904) > 1e-9 {
		t.Fatalf("size = %v, expected ~0.0119", size)
	}

	bigger := m.SuggestPositionSize("BTCUSDT", 42000, 0.5)
	if bigger > size+1e-12 {
		t.Fatalf("size %v not capped at max position pct (cap %v)", bigger, size)
	}

	if got := m.SuggestPositionSize("BTCUSDT", 0, 0.05); got != 0 {
		t.Fatalf("size at zero price = %v, expected 0", got)
	}
}

func TestAddFillPositionBook(t *testing.T) {
	m := newTestManager(10000)

	m.AddFill("BTCUSDT", "BUY", 0.5, 40000)
	m.AddFill("BTCUSDT", "BUY", 0.5, 42000)

	p := m.GetPosition("BTCUSDT")
	if math.Abs(p.Qty-1.0) > 1e-9 {
		t.Fatalf("qty = %v, expected 1.0", p.Qty)
	}
	if math.Abs(p.AvgPrice-41000) > 1e-6 {
		t.Fatalf("avg price = %v, expected 41000", p.AvgPrice)
	}

	m.AddFill("BTCUSDT", "SELL", 0.4, 43000)
	p = m.GetPosition("BTCUSDT")
	if math.Abs(p.Qty-0.6) > 1e-9 {
		t.Fatalf("qty after partial sell = %v, expected 0.6", p.Qty)
	}

	// Crossing to zero removes the entry.
	m.AddFill("BTCUSDT", "SELL", 0.6, 43000)
	if len(m.Positions()) != 0 {
		t.Fatal("position not removed at zero quantity")
	}

	// Selling with no position is a no-op.
	m.AddFill("ETHUSDT", "SELL", 1, 3000)
	if len(m.Positions()) != 0 {
		t.Fatal("sell with no position created an entry")
	}
}

func TestPeakBalanceOnlyRatchetsUp(t *testing.T) {
	m := newTestManager(10000)

	m.RecordTradeResult(TradeResult{PnL: 500})
	if got := m.Metrics().PeakBalance; got != 10500 {
		t.Fatalf("peak = %v, expected 10500", got)
	}
	m.RecordTradeResult(TradeResult{PnL: -700})
	metrics := m.Metrics()
	if metrics.PeakBalance != 10500 {
		t.Fatalf("peak dropped to %v", metrics.PeakBalance)
	}
	if metrics.AccountBalance != 9800 {
		t.Fatalf("balance = %v, expected 9800", metrics.AccountBalance)
	}
	if metrics.DailyLosses != 700 {
		t.Fatalf("daily losses = %v, expected 700", metrics.DailyLosses)
	}
}

func TestDailyResetOncePerUTCDay(t *testing.T) {
	m := newTestManager(10000)

	current := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	m.now = func() time.Time { return current }
	m.day = m.today()

	m.RecordTradeResult(TradeResult{PnL: 250})
	if m.Metrics().DailyTrades != 1 {
		t.Fatal("trade not recorded")
	}

	// Rollover: first validate after midnight resets the window and carries
	// the balance forward as the new peak.
	current = time.Date(2026, 3, 2, 0, 5, 0, 0, time.UTC)
	m.ValidateOrder("BTCUSDT", "BUY", 0.001, 42000, 0)

	metrics := m.Metrics()
	if metrics.Date != "2026-03-02" {
		t.Fatalf("window date = %s", metrics.Date)
	}
	if metrics.DailyTrades != 0 || metrics.DailyPnL != 0 {
		t.Fatalf("window not reset: %+v", metrics)
	}
	if metrics.PeakBalance != 10250 {
		t.Fatalf("peak = %v, expected carried balance 10250", metrics.PeakBalance)
	}

	// A second validate on the same day must not reset again.
	m.RecordTradeResult(TradeResult{PnL: -10})
	m.ValidateOrder("BTCUSDT", "BUY", 0.001, 42000, 0)
	if m.Metrics().DailyTrades != 1 {
		t.Fatal("same-day validate reset the window")
	}
}
