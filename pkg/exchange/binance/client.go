package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"execution-core/pkg/exchange"
)

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client is a Binance spot connector speaking signed REST.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *exchange.TimeSync
	limiter    *rate.Limiter
	log        *logrus.Entry
}

// New builds a client; testnet toggles the host. Request pacing uses a token
// bucket sized well under the 1200 weight/min spot budget.
func New(cfg Config, log *logrus.Entry) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(15), 30),
		log:        log,
	}
	c.timeSync = exchange.NewTimeSync(c.getServerTime, log)
	return c
}

// StartTimeSync begins background clock synchronization.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return exchange.OrderResult{}, errors.New("binance: API key/secret required")
	}

	ordType := req.Type
	if ordType == "" {
		ordType = exchange.OrderTypeLimit
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(ordType))
	params.Set("quantity", formatFloat(req.Qty))
	if ordType == exchange.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = exchange.TIFGTC
		}
		params.Set("timeInForce", string(tif))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	c.stampSigned(params)

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return exchange.OrderResult{}, err
	}

	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}

	return exchange.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          mapStatus(resp.Status),
		ClientID:        resp.ClientOrderID,
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("binance: API key/secret required")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	if exchangeOrderID != "" {
		params.Set("orderId", exchangeOrderID)
	}
	c.stampSigned(params)

	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

// GetListenKey opens a user-data stream and returns its listen key.
func (c *Client) GetListenKey(ctx context.Context) (string, error) {
	body, err := c.doKeyed(ctx, http.MethodPost, "/api/v3/userDataStream", nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	if resp.ListenKey == "" {
		return "", errors.New("binance: empty listen key")
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the listen key validity window.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.doKeyed(ctx, http.MethodPut, "/api/v3/userDataStream", params)
	return err
}

func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/ping", nil)
	if err != nil {
		return err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("binance ping status %d", res.StatusCode)
	}
	return nil
}

// GetBalance returns the free/locked balance for one asset.
func (c *Client) GetBalance(ctx context.Context, asset string) (exchange.Balance, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return exchange.Balance{}, errors.New("binance: API key/secret required")
	}
	params := url.Values{}
	c.stampSigned(params)

	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", params)
	if err != nil {
		return exchange.Balance{}, err
	}

	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.Balance{}, fmt.Errorf("decode account: %w", err)
	}
	for _, b := range resp.Balances {
		if strings.EqualFold(b.Asset, asset) {
			return exchange.Balance{
				Asset:  b.Asset,
				Free:   parseFloat(b.Free),
				Locked: parseFloat(b.Locked),
			}, nil
		}
	}
	return exchange.Balance{Asset: asset}, nil
}

// stampSigned adds timestamp/recvWindow using the synchronized clock.
func (c *Client) stampSigned(params url.Values) {
	timestamp := time.Now().UnixMilli()
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		timestamp = c.timeSync.Now()
	}
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
}

// doSigned signs the query and performs the HTTP request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	sig := sign(params.Encode(), c.cfg.APISecret)
	params.Set("signature", sig)
	return c.do(ctx, method, path, params)
}

// doKeyed performs an API-key-only request (no signature), used for the
// user-data stream endpoints.
func (c *Client) doKeyed(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	return c.do(ctx, method, path, params)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := c.baseURL + path
	var (
		req *http.Request
		err error
	)
	encoded := ""
	if params != nil {
		encoded = params.Encode()
	}
	switch method {
	case http.MethodGet, http.MethodDelete:
		if encoded != "" {
			endpoint += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		// Binance returns a structured {code, msg} body on errors; surface it
		// as an APIError so the recovery layer can classify it.
		apiErr := &exchange.APIError{}
		if json.Unmarshal(body, apiErr) == nil && apiErr.Code != 0 {
			return nil, fmt.Errorf("binance %s %s: %w", method, path, apiErr)
		}
		return nil, fmt.Errorf("binance %s %s status %d: %s", method, path, res.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) getServerTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("server time status %d: %s", resp.StatusCode, string(b))
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// StreamHost returns the websocket host matching this client's environment.
func (c *Client) StreamHost() string {
	if c.cfg.Testnet {
		return "testnet.binance.vision"
	}
	return "stream.binance.com:9443"
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func mapStatus(s string) exchange.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return exchange.StatusNew
	case "PARTIALLY_FILLED":
		return exchange.StatusPartial
	case "FILLED":
		return exchange.StatusFilled
	case "CANCELED":
		return exchange.StatusCanceled
	case "REJECTED":
		return exchange.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return exchange.StatusExpired
	default:
		return exchange.StatusUnknown
	}
}
