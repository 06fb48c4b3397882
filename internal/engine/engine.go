package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"execution-core/internal/events"
	"execution-core/internal/executor"
	"execution-core/internal/order"
	"execution-core/internal/recovery"
	"execution-core/internal/risk"
	"execution-core/internal/stream"
)

// DecisionFunc is the strategy callback: it receives last prices and
// position snapshots and returns one decision per symbol. Symbols missing
// from the result are treated as hold.
type DecisionFunc func(prices map[string]float64, positions []risk.Position) map[string]executor.Decision

// Config tunes the orchestration loops.
type Config struct {
	Symbols          []string
	KlineInterval    string
	DecisionInterval time.Duration
}

// Engine orchestrates the websocket event loop and the periodic decision
// loop, wiring stream events back into the tracker and risk book.
type Engine struct {
	cfg     Config
	log     *logrus.Entry
	bus     *events.Bus
	tracker *order.Tracker
	risk    *risk.Manager
	exec    *executor.Executor
	layer   *stream.Layer
	rec     *recovery.Manager

	decide DecisionFunc

	mu     sync.Mutex
	prices map[string]float64

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// New wires the engine and registers its market subscriptions on the stream
// layer. The user-data stream is always attached; each symbol gets a kline
// and a trade stream.
func New(cfg Config, layer *stream.Layer, exec *executor.Executor, tracker *order.Tracker, riskMgr *risk.Manager, bus *events.Bus, log *logrus.Entry) (*Engine, error) {
	if cfg.DecisionInterval <= 0 {
		cfg.DecisionInterval = time.Minute
	}
	if cfg.KlineInterval == "" {
		cfg.KlineInterval = "1m"
	}

	e := &Engine{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		tracker: tracker,
		risk:    riskMgr,
		exec:    exec,
		layer:   layer,
		prices:  make(map[string]float64),
	}

	for _, symbol := range cfg.Symbols {
		lower := strings.ToLower(symbol)
		if err := layer.Subscribe(symbol+"-kline", lower+"@kline_"+cfg.KlineInterval); err != nil {
			return nil, fmt.Errorf("subscribe %s kline: %w", symbol, err)
		}
		if err := layer.Subscribe(symbol+"-trade", lower+"@trade"); err != nil {
			return nil, fmt.Errorf("subscribe %s trade: %w", symbol, err)
		}
	}
	layer.RegisterHandler(e)
	exec.SetQuoteSource(e.LastPrice)

	return e, nil
}

// SetDecisionFunc installs the strategy callback. Without one the engine
// only tracks fills and prices.
func (e *Engine) SetDecisionFunc(fn DecisionFunc) {
	e.decide = fn
}

// SetRecoveryManager attaches recovery state tracking to stream failures.
func (e *Engine) SetRecoveryManager(m *recovery.Manager) {
	e.rec = m
	e.layer.OnError(func(err error) {
		m.NoteReconnecting()
	})
}

// Run drives both loops until ctx is cancelled or either loop fails. A
// failure in one loop tears down the other.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		errCh <- e.layer.Run(ctx)
	}()
	go func() {
		errCh <- e.decisionLoop(ctx)
	}()

	err := <-errCh
	cancel()
	e.layer.Close()
	<-errCh

	if err != nil && ctx.Err() == nil {
		e.log.WithError(err).Error("Engine loop failed")
	}
	return err
}

// Stop cancels both loops. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		cancel := e.cancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		e.layer.Close()
	})
}

func (e *Engine) decisionLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.DecisionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.runDecisionCycle(ctx)
		}
	}
}

func (e *Engine) runDecisionCycle(ctx context.Context) {
	if e.decide == nil {
		return
	}

	prices := e.priceSnapshot()
	if len(prices) == 0 {
		e.log.Debug("Skipping decision cycle, no prices yet")
		return
	}

	decisions := e.decide(prices, e.risk.Positions())
	for symbol, d := range decisions {
		if d.Intent == executor.IntentHold {
			continue
		}
		res := e.exec.Execute(ctx, symbol, d)
		if !res.Success {
			e.log.WithFields(logrus.Fields{
				"symbol": symbol,
				"intent": d.Intent,
				"error":  res.ErrorMessage,
			}).Warn("Decision did not execute")
		}
	}
}

// LastPrice returns the most recent price seen for a symbol.
func (e *Engine) LastPrice(symbol string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.prices[symbol]
	return p, ok
}

func (e *Engine) priceSnapshot() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.prices))
	for k, v := range e.prices {
		out[k] = v
	}
	return out
}

func (e *Engine) setPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	e.prices[symbol] = price
	e.mu.Unlock()
	if e.bus != nil {
		e.bus.Publish(events.EventPriceTick, events.PriceTickPayload{Symbol: symbol, Price: price})
	}
}
