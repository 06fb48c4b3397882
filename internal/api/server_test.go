package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"execution-core/internal/order"
	"execution-core/internal/recovery"
	"execution-core/internal/risk"
	"execution-core/pkg/exchange"
	"execution-core/pkg/logging"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*Server, *order.Tracker, *risk.Manager) {
	t.Helper()
	log := logging.Component(logging.Discard(), "api")
	tracker := order.NewTracker(log, nil)
	riskMgr := risk.NewManager(risk.DefaultLimits(), 10000, log, nil, nil)
	rec := recovery.NewManager(recovery.Config{}, log, nil)

	s := New(Config{Port: 0, JWTSecret: testSecret, RateLimit: 1000, RateBurst: 1000},
		tracker, riskMgr, rec, nil, log)
	return s, tracker, riskMgr
}

func doRequest(t *testing.T, s *Server, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func validToken(t *testing.T) string {
	t.Helper()
	token, err := GenerateToken(testSecret, "tester", time.Minute)
	if err != nil {
		t.Fatalf("token generation failed: %v", err)
	}
	return token
}

func TestHealthIsPublic(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doRequest(t, s, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var h recovery.Health
	if err := json.Unmarshal(w.Body.Bytes(), &h); err != nil {
		t.Fatalf("bad health body: %v", err)
	}
	if !h.IsHealthy || h.State != recovery.StateHealthy {
		t.Fatalf("expected healthy, got %+v", h)
	}
}

func TestHealthReflectsRecoveryState(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.rec.SetDegraded(true)

	w := doRequest(t, s, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while degraded, got %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	s, _, _ := newTestServer(t)

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized},
		{"valid token", validToken(t), http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(t, s, "/api/v1/orders", tc.token)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	s, _, _ := newTestServer(t)

	token, err := GenerateToken("other-secret", "tester", time.Minute)
	if err != nil {
		t.Fatalf("token generation failed: %v", err)
	}
	if w := doRequest(t, s, "/api/v1/orders", token); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", w.Code)
	}
}

func TestOpenOrdersSnapshot(t *testing.T) {
	s, tracker, _ := newTestServer(t)
	tracker.CreateOrder("c-1", "BTCUSDT", exchange.SideBuy, exchange.OrderTypeMarket, 0.01, 42000)
	tracker.CreateOrder("c-2", "ETHUSDT", exchange.SideBuy, exchange.OrderTypeMarket, 0.5, 2500)

	w := doRequest(t, s, "/api/v1/orders?symbol=BTCUSDT", validToken(t))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Orders []order.Order `json:"orders"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if len(body.Orders) != 1 || body.Orders[0].Symbol != "BTCUSDT" {
		t.Fatalf("expected the BTCUSDT order only, got %+v", body.Orders)
	}
}

func TestOrderHistoryLimitValidation(t *testing.T) {
	s, _, _ := newTestServer(t)

	if w := doRequest(t, s, "/api/v1/orders/history?limit=abc", validToken(t)); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}
	if w := doRequest(t, s, "/api/v1/orders/history?limit=5", validToken(t)); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRiskMetricsSnapshot(t *testing.T) {
	s, _, riskMgr := newTestServer(t)
	riskMgr.RecordTradeResult(risk.TradeResult{Symbol: "BTCUSDT", PnL: -100, Time: time.Now()})

	w := doRequest(t, s, "/api/v1/risk", validToken(t))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var m risk.Metrics
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if m.DailyPnL != -100 || m.AccountBalance != 9900 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "trace-123" {
		t.Fatalf("expected request id echoed, got %q", got)
	}

	// A generated id is attached when the caller sends none.
	w = doRequest(t, s, "/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestRateLimitRejectsBursts(t *testing.T) {
	log := logging.Component(logging.Discard(), "api")
	tracker := order.NewTracker(log, nil)
	riskMgr := risk.NewManager(risk.DefaultLimits(), 10000, log, nil, nil)
	s := New(Config{Port: 0, JWTSecret: testSecret, RateLimit: rate.Limit(0.001), RateBurst: 2},
		tracker, riskMgr, nil, nil, log)

	for i := 0; i < 2; i++ {
		if w := doRequest(t, s, "/health", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d should pass, got %d", i, w.Code)
		}
	}
	if w := doRequest(t, s, "/health", ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", w.Code)
	}
}
