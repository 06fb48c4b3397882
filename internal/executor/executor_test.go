package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"execution-core/internal/order"
	"execution-core/internal/recovery"
	"execution-core/internal/risk"
	"execution-core/pkg/breaker"
	"execution-core/pkg/exchange"
	"execution-core/pkg/logging"
)

// fakeConnector scripts PlaceOrder outcomes per attempt.
type fakeConnector struct {
	placeErrs   []error // consumed one per call; nil entry means success
	placeCalls  int
	cancelCalls int
	cancelErr   error
	lastReq     exchange.OrderRequest
}

func (f *fakeConnector) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	f.lastReq = req
	idx := f.placeCalls
	f.placeCalls++
	if idx < len(f.placeErrs) && f.placeErrs[idx] != nil {
		return exchange.OrderResult{}, f.placeErrs[idx]
	}
	return exchange.OrderResult{
		ExchangeOrderID: "ex-1001",
		Status:          exchange.StatusNew,
		ClientID:        req.ClientID,
	}, nil
}

func (f *fakeConnector) CancelOrder(ctx context.Context, symbol, id string) error {
	f.cancelCalls++
	return f.cancelErr
}

func (f *fakeConnector) GetListenKey(ctx context.Context) (string, error) { return "lk", nil }
func (f *fakeConnector) KeepAliveListenKey(ctx context.Context, lk string) error {
	return nil
}
func (f *fakeConnector) Ping(ctx context.Context) error { return nil }
func (f *fakeConnector) GetBalance(ctx context.Context, asset string) (exchange.Balance, error) {
	return exchange.Balance{Asset: asset}, nil
}

func newTestExecutor(t *testing.T, mode Mode, conn exchange.Connector) (*Executor, *order.Tracker, *risk.Manager) {
	t.Helper()
	log := logging.Component(logging.Discard(), "executor")
	tracker := order.NewTracker(log, nil)
	riskMgr := risk.NewManager(risk.DefaultLimits(), 10000, log, nil, nil)
	riskMgr.SetOpenOrderCounter(tracker.OpenOrderCount)

	e := New(Config{
		Mode:           mode,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
		CommissionRate: 0.001,
	}, conn, tracker, riskMgr, nil, log)
	e.SetQuoteSource(func(symbol string) (float64, bool) { return 42000, true })
	return e, tracker, riskMgr
}

func TestDecisionValidation(t *testing.T) {
	cases := []struct {
		name string
		d    Decision
		ok   bool
	}{
		{"long", Decision{Intent: IntentLong, Confidence: 0.8}, true},
		{"hold", Decision{Intent: IntentHold}, true},
		{"unknown intent", Decision{Intent: "yolo"}, false},
		{"confidence too high", Decision{Intent: IntentLong, Confidence: 1.5}, false},
		{"negative size hint", Decision{Intent: IntentLong, SizeHint: -0.1}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.d.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestExecuteHoldDoesNothing(t *testing.T) {
	e, tracker, _ := newTestExecutor(t, ModeDryRun, nil)

	res := e.Execute(context.Background(), "BTCUSDT", Decision{Intent: IntentHold, Confidence: 0.5})
	if !res.Success || res.OrderID != "" {
		t.Fatalf("hold should succeed without creating an order, got %+v", res)
	}
	if tracker.OpenOrderCount() != 0 {
		t.Fatal("hold must not create orders")
	}
}

func TestExecuteInvalidDecisionFailsWithoutMutation(t *testing.T) {
	e, tracker, riskMgr := newTestExecutor(t, ModePaper, nil)

	res := e.Execute(context.Background(), "BTCUSDT", Decision{Intent: "banana"})
	if res.Success || !strings.Contains(res.ErrorMessage, "invalid decision") {
		t.Fatalf("expected invalid-decision failure, got %+v", res)
	}
	if tracker.OpenOrderCount() != 0 || len(riskMgr.Positions()) != 0 {
		t.Fatal("invalid decision must not mutate state")
	}
}

func TestExecuteNoQuoteFails(t *testing.T) {
	e, _, _ := newTestExecutor(t, ModePaper, nil)
	e.SetQuoteSource(func(symbol string) (float64, bool) { return 0, false })

	res := e.Execute(context.Background(), "BTCUSDT", Decision{Intent: IntentLong, Confidence: 0.9})
	if res.Success || !strings.Contains(res.ErrorMessage, "no quote") {
		t.Fatalf("expected no-quote failure, got %+v", res)
	}
}

func TestExecuteExitWithoutPositionFails(t *testing.T) {
	e, tracker, _ := newTestExecutor(t, ModePaper, nil)

	res := e.Execute(context.Background(), "BTCUSDT", Decision{Intent: IntentExit, Confidence: 1})
	if res.Success || !strings.Contains(res.ErrorMessage, "no open position") {
		t.Fatalf("expected no-position failure, got %+v", res)
	}
	if tracker.OpenOrderCount() != 0 {
		t.Fatal("failed exit must not create orders")
	}
}

func TestExecuteRiskRejectionMutatesNothing(t *testing.T) {
	e, tracker, riskMgr := newTestExecutor(t, ModePaper, nil)

	// Exhaust the daily trade allowance so the next order is rejected.
	for i := 0; i < risk.DefaultLimits().MaxDailyTrades; i++ {
		riskMgr.RecordTradeResult(risk.TradeResult{Symbol: "BTCUSDT", PnL: 1, Time: time.Now()})
	}

	res := e.Execute(context.Background(), "BTCUSDT", Decision{Intent: IntentLong, Confidence: 0.9})
	if res.Success || !strings.Contains(res.ErrorMessage, "risk check failed") {
		t.Fatalf("expected risk rejection, got %+v", res)
	}
	if tracker.OpenOrderCount() != 0 {
		t.Fatal("rejected order must not reach the tracker")
	}
	if len(riskMgr.Positions()) != 0 {
		t.Fatal("rejected order must not touch the position book")
	}
}

func TestExecutePaperFillsImmediately(t *testing.T) {
	e, tracker, riskMgr := newTestExecutor(t, ModePaper, nil)

	res := e.Execute(context.Background(), "BTCUSDT", Decision{Intent: IntentLong, Confidence: 0.9})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Status != order.StateFilled {
		t.Fatalf("expected FILLED, got %s", res.Status)
	}
	if res.AvgPrice != 42000 {
		t.Fatalf("expected fill at the quote, got %.2f", res.AvgPrice)
	}
	wantQty := riskMgr.SuggestPositionSize("BTCUSDT", 42000, 0)
	if res.FilledQty != wantQty {
		t.Fatalf("expected filled qty %.8f, got %.8f", wantQty, res.FilledQty)
	}
	wantFee := wantQty * 42000 * 0.001
	if diff := res.Commission - wantFee; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected commission %.8f, got %.8f", wantFee, res.Commission)
	}

	// Filled paper orders are closed into history, and the position book is updated.
	if tracker.OpenOrderCount() != 0 {
		t.Fatal("paper order should be closed after the synthetic fill")
	}
	pos := riskMgr.GetPosition("BTCUSDT")
	if pos.Qty != wantQty || pos.AvgPrice != 42000 {
		t.Fatalf("unexpected position after paper fill: %+v", pos)
	}
}

func TestExecutePaperExitClosesPosition(t *testing.T) {
	e, _, riskMgr := newTestExecutor(t, ModePaper, nil)

	if res := e.Execute(context.Background(), "BTCUSDT", Decision{Intent: IntentLong, Confidence: 0.9}); !res.Success {
		t.Fatalf("open failed: %+v", res)
	}
	res := e.Execute(context.Background(), "BTCUSDT", Decision{Intent: IntentExit, Confidence: 0.9})
	if !res.Success || res.Status != order.StateFilled {
		t.Fatalf("exit failed: %+v", res)
	}
	if pos := riskMgr.GetPosition("BTCUSDT"); pos.Qty != 0 {
		t.Fatalf("expected flat position after exit, got %+v", pos)
	}
}

func TestExecuteDryRunNeverCallsConnector(t *testing.T) {
	conn := &fakeConnector{}
	e, tracker, _ := newTestExecutor(t, ModeDryRun, conn)

	res := e.Execute(context.Background(), "BTCUSDT", Decision{Intent: IntentLong, Confidence: 0.9})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if conn.placeCalls != 0 {
		t.Fatalf("dry run must not call the connector, got %d calls", conn.placeCalls)
	}
	if tracker.OpenOrderCount() != 0 {
		t.Fatal("dry-run order should be closed immediately")
	}
}

func TestExecuteLiveRetriesTransientErrors(t *testing.T) {
	conn := &fakeConnector{placeErrs: []error{
		&exchange.APIError{Code: -1003, Message: "Too many requests"},
		&exchange.APIError{Code: -1003, Message: "Too many requests"},
		nil,
	}}
	e, tracker, _ := newTestExecutor(t, ModeLive, conn)

	res := e.Execute(context.Background(), "BTCUSDT", Decision{Intent: IntentLong, Confidence: 0.9})
	if !res.Success {
		t.Fatalf("expected success after retries, got %+v", res)
	}
	if conn.placeCalls != 3 {
		t.Fatalf("expected 3 placement attempts, got %d", conn.placeCalls)
	}
	if res.ExchangeOrderID != "ex-1001" {
		t.Fatalf("expected exchange id wired through, got %q", res.ExchangeOrderID)
	}

	o, ok := tracker.Get(res.OrderID)
	if !ok || o.State != order.StateOpen || o.ExchangeID != "ex-1001" {
		t.Fatalf("expected OPEN order with exchange id, got %+v", o)
	}
}

func TestExecuteLiveExhaustedRetriesFails(t *testing.T) {
	transient := &exchange.APIError{Code: -1003, Message: "Too many requests"}
	conn := &fakeConnector{placeErrs: []error{transient, transient, transient}}
	e, tracker, _ := newTestExecutor(t, ModeLive, conn)

	res := e.Execute(context.Background(), "BTCUSDT", Decision{Intent: IntentLong, Confidence: 0.9})
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.Status != order.StateFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	if !strings.Contains(res.ErrorMessage, "after 3 attempts") {
		t.Fatalf("expected descriptive message, got %q", res.ErrorMessage)
	}
	if conn.placeCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", conn.placeCalls)
	}
	if tracker.OpenOrderCount() != 0 {
		t.Fatal("failed order should not stay open")
	}
}

func TestExecuteLiveNonRetryableFailsFast(t *testing.T) {
	conn := &fakeConnector{placeErrs: []error{
		&exchange.APIError{Code: -2010, Message: "Account has insufficient balance"},
	}}
	e, _, _ := newTestExecutor(t, ModeLive, conn)

	res := e.Execute(context.Background(), "BTCUSDT", Decision{Intent: IntentLong, Confidence: 0.9})
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if conn.placeCalls != 1 {
		t.Fatalf("non-retryable error must not be retried, got %d attempts", conn.placeCalls)
	}
}

func TestExecuteLiveOpenCircuitFailsFast(t *testing.T) {
	conn := &fakeConnector{}
	e, _, _ := newTestExecutor(t, ModeLive, conn)

	rec := recovery.NewManager(recovery.Config{
		Breaker: breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute},
	}, logging.Component(logging.Discard(), "recovery"), nil)
	e.SetRecoveryManager(rec)

	// Trip the breaker.
	_ = rec.Breaker().Call(context.Background(), func(ctx context.Context) error {
		return &exchange.APIError{Code: -1003, Message: "busy"}
	})

	res := e.Execute(context.Background(), "BTCUSDT", Decision{Intent: IntentLong, Confidence: 0.9})
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if conn.placeCalls != 0 {
		t.Fatalf("open circuit must reject before the connector, got %d calls", conn.placeCalls)
	}
}

func TestCancelOrder(t *testing.T) {
	conn := &fakeConnector{}
	e, tracker, _ := newTestExecutor(t, ModeLive, conn)

	res := e.Execute(context.Background(), "BTCUSDT", Decision{Intent: IntentLong, Confidence: 0.9})
	if !res.Success {
		t.Fatalf("placement failed: %+v", res)
	}

	if err := e.CancelOrder(context.Background(), res.OrderID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if conn.cancelCalls != 1 {
		t.Fatalf("expected connector cancel in live mode, got %d", conn.cancelCalls)
	}
	o, _ := tracker.Get(res.OrderID)
	if o == nil || o.State != order.StateCancelled {
		t.Fatalf("expected CANCELLED, got %+v", o)
	}

	if err := e.CancelOrder(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown order")
	}
}

func TestCancelOrderPaperSkipsConnector(t *testing.T) {
	conn := &fakeConnector{}
	e, tracker, _ := newTestExecutor(t, ModeDryRun, conn)

	o := tracker.CreateOrder("c-1", "BTCUSDT", exchange.SideBuy, exchange.OrderTypeMarket, 0.01, 42000)
	if err := e.CancelOrder(context.Background(), o.ClientID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if conn.cancelCalls != 0 {
		t.Fatal("non-live cancel must not call the connector")
	}
}
