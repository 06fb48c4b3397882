package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"execution-core/internal/events"
	"execution-core/pkg/exchange"
)

const defaultListenKeyRefresh = 30 * time.Minute

// Config tunes the streaming layer.
type Config struct {
	Host                 string // e.g. stream.binance.com:9443
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	MaxReconnectAttempts int
	QueueSize            int
	ListenKeyRefresh     time.Duration
}

// ErrorCallback is notified when the layer gives up reconnecting.
type ErrorCallback func(error)

type subscription struct {
	name     string // logical name, e.g. "btc-klines"
	streamID string // wire id, e.g. "btcusdt@kline_1m"
}

// Layer multiplexes the user-data stream and N market streams over one
// websocket connection, dispatching typed events to registered handlers.
// Events are handed to a bounded queue drained by a single worker so a slow
// consumer backpressures the reader instead of stalling dispatch ordering.
type Layer struct {
	cfg    Config
	conn   exchange.Connector
	log    *logrus.Entry
	bus    *events.Bus
	dialer *websocket.Dialer

	mu        sync.Mutex
	subs      []subscription
	handlers  []EventHandler
	errCbs    []ErrorCallback
	listenKey string
	running   bool
	closeOnce sync.Once
	closed    chan struct{}
	queue     chan dispatchFn
}

type dispatchFn func()

// NewLayer creates a stopped streaming layer. bus may be nil.
func NewLayer(cfg Config, conn exchange.Connector, log *logrus.Entry, bus *events.Bus) *Layer {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ListenKeyRefresh <= 0 {
		cfg.ListenKeyRefresh = defaultListenKeyRefresh
	}
	return &Layer{
		cfg:    cfg,
		conn:   conn,
		log:    log,
		bus:    bus,
		dialer: websocket.DefaultDialer,
		closed: make(chan struct{}),
		queue:  make(chan dispatchFn, cfg.QueueSize),
	}
}

// Subscribe registers a logical-name -> stream-id pair. All subscriptions
// must be registered before Run; the full set rebuilds the connection URL on
// every (re)connect.
func (l *Layer) Subscribe(name, streamID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("stream: subscribe %q after Run", name)
	}
	l.subs = append(l.subs, subscription{name: name, streamID: strings.ToLower(streamID)})
	return nil
}

// RegisterHandler adds a typed event handler.
func (l *Layer) RegisterHandler(h EventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// OnError adds a callback invoked when reconnection attempts are exhausted.
func (l *Layer) OnError(cb ErrorCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errCbs = append(l.errCbs, cb)
}

// Run connects and pumps messages until ctx is done, Close is called, or
// reconnection attempts are exhausted.
func (l *Layer) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("stream: already running")
	}
	l.running = true
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	listenKey, err := l.conn.GetListenKey(ctx)
	if err != nil {
		return fmt.Errorf("stream: get listen key: %w", err)
	}
	l.setListenKey(listenKey)

	go l.refreshListenKey(ctx)
	go l.drainQueue(ctx)

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connected, err := l.runConnection(ctx, listenKey)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			// The previous session was established; count reconnects from scratch.
			attempt = 0
		}

		if l.bus != nil {
			l.bus.Publish(events.EventConnectionLost, err.Error())
		}

		attempt++
		if attempt > l.cfg.MaxReconnectAttempts {
			err = fmt.Errorf("stream: reconnect attempts exhausted after %d tries: %w",
				l.cfg.MaxReconnectAttempts, err)
			l.notifyError(err)
			return err
		}

		// base * 2^(attempt-1), capped.
		delay := l.cfg.BaseDelay << (attempt - 1)
		if delay > l.cfg.MaxDelay || delay <= 0 {
			delay = l.cfg.MaxDelay
		}
		if l.log != nil {
			l.log.Warnf("stream disconnected (attempt %d/%d), reconnecting in %v: %v",
				attempt, l.cfg.MaxReconnectAttempts, delay, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		// A fresh listen key after a drop; the old one may have expired.
		// The keepalive goroutine reads the shared key, so it must see
		// the replacement too.
		if key, kerr := l.conn.GetListenKey(ctx); kerr == nil {
			listenKey = key
			l.setListenKey(key)
		}
	}
}

// runConnection dials, reads and enqueues until the connection drops. The
// bool reports whether a session was established at all; read errors
// propagate for reconnect handling, clean shutdown returns nil.
func (l *Layer) runConnection(ctx context.Context, listenKey string) (bool, error) {
	u := l.buildURL(listenKey)
	conn, _, err := l.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", u, err)
	}
	defer conn.Close()

	if l.log != nil {
		l.log.Infof("stream connected: %d market streams + user data", len(l.subs))
	}
	if l.bus != nil {
		l.bus.Publish(events.EventConnectionRestored, u)
	}

	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, nil
			}
			return true, fmt.Errorf("read: %w", err)
		}
		l.enqueue(ctx, msg)
	}
}

// buildURL composes the combined-stream URL from the full subscription set
// plus the user-data listen key.
func (l *Layer) buildURL(listenKey string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.subs)+1)
	ids = append(ids, listenKey)
	for _, s := range l.subs {
		ids = append(ids, s.streamID)
	}
	u := url.URL{
		Scheme:   "wss",
		Host:     l.cfg.Host,
		Path:     "/stream",
		RawQuery: "streams=" + strings.Join(ids, "/"),
	}
	return u.String()
}

// enqueue parses the envelope and queues a typed dispatch. Malformed
// payloads are logged and dropped, never propagated. The queue send blocks
// when full: a slow consumer backpressures the reader rather than losing or
// reordering events.
func (l *Layer) enqueue(ctx context.Context, msg []byte) {
	data := msg
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &envelope); err == nil && len(envelope.Data) > 0 {
		data = envelope.Data
	}

	fn, err := l.dispatchFor(data)
	if err != nil {
		if l.log != nil {
			l.log.Warnf("dropping malformed stream payload: %v", err)
		}
		return
	}
	if fn == nil {
		return // unhandled event type
	}

	select {
	case l.queue <- fn:
	case <-ctx.Done():
	}
}

// dispatchFor parses the payload by its event-type tag and returns a closure
// invoking every registered handler in order.
func (l *Layer) dispatchFor(data []byte) (dispatchFn, error) {
	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("event type tag: %w", err)
	}

	l.mu.Lock()
	handlers := make([]EventHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.Unlock()

	switch head.EventType {
	case "executionReport":
		ev, err := parseOrderUpdate(data)
		if err != nil {
			return nil, err
		}
		return func() {
			for _, h := range handlers {
				h.OnOrderUpdate(ev)
			}
		}, nil
	case "kline":
		ev, err := parseKlineUpdate(data)
		if err != nil {
			return nil, err
		}
		return func() {
			for _, h := range handlers {
				h.OnKline(ev)
			}
		}, nil
	case "trade":
		ev, err := parseTradeUpdate(data)
		if err != nil {
			return nil, err
		}
		return func() {
			for _, h := range handlers {
				h.OnTrade(ev)
			}
		}, nil
	case "24hrTicker":
		ev, err := parseTickerUpdate(data)
		if err != nil {
			return nil, err
		}
		return func() {
			for _, h := range handlers {
				h.OnTicker(ev)
			}
		}, nil
	default:
		return nil, nil
	}
}

// drainQueue is the single dispatch worker; handlers run in arrival order.
func (l *Layer) drainQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.queue:
			fn()
		}
	}
}

// refreshListenKey keeps the user-data stream alive on its own cadence. It
// reads the shared key on every tick so keepalives follow the key swaps done
// by the reconnect loop.
func (l *Layer) refreshListenKey(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.ListenKeyRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.conn.KeepAliveListenKey(ctx, l.currentListenKey()); err != nil && l.log != nil {
				l.log.Warnf("listen key keepalive failed: %v", err)
			}
		}
	}
}

func (l *Layer) setListenKey(key string) {
	l.mu.Lock()
	l.listenKey = key
	l.mu.Unlock()
}

func (l *Layer) currentListenKey() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listenKey
}

func (l *Layer) notifyError(err error) {
	l.mu.Lock()
	cbs := make([]ErrorCallback, len(l.errCbs))
	copy(cbs, l.errCbs)
	l.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

// Close stops the layer; safe to call more than once.
func (l *Layer) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
	})
}
