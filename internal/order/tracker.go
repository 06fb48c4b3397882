package order

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"execution-core/pkg/db"
	"execution-core/pkg/exchange"
)

const defaultMaxHistory = 1000

// Tracker owns the order state machine and fill ledger. All mutation goes
// through the tracker; callers receive copies.
type Tracker struct {
	log   *logrus.Entry
	store *db.Database // optional durability hook

	mu         sync.Mutex
	live       map[string]*Order
	history    []*Order // newest first
	maxHistory int
}

// NewTracker creates a tracker. store may be nil for purely in-memory use.
func NewTracker(log *logrus.Entry, store *db.Database) *Tracker {
	return &Tracker{
		log:        log,
		store:      store,
		live:       make(map[string]*Order),
		maxHistory: defaultMaxHistory,
	}
}

// CreateOrder registers a PENDING order. Idempotent: calling it again with
// the same client id returns the existing order unchanged.
func (t *Tracker) CreateOrder(clientID, symbol string, side exchange.Side, typ exchange.OrderType, qty, price float64) *Order {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.live[clientID]; ok {
		return existing.clone()
	}

	now := time.Now().UTC()
	o := &Order{
		ClientID:  clientID,
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Qty:       qty,
		Price:     price,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.live[clientID] = o
	t.persist(o)
	return o.clone()
}

// SetExchangeID records the exchange ack and moves PENDING -> OPEN.
// Returns false when the order is unknown.
func (t *Tracker) SetExchangeID(clientID, exchangeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.live[clientID]
	if !ok {
		return false
	}
	o.ExchangeID = exchangeID
	if o.State == StatePending {
		o.State = StateOpen
	}
	o.UpdatedAt = time.Now().UTC()
	t.persist(o)
	return true
}

// AddFill appends a fill, recomputes cumulative quantity, running
// qty-weighted average price and commission, and advances the state to
// PARTIALLY_FILLED or FILLED. A fill that would push the cumulative quantity
// past the requested quantity is clamped to the remainder and logged; the
// tracker never lets total filled exceed requested.
func (t *Tracker) AddFill(clientID string, qty, price, fee float64, feeAsset string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.live[clientID]
	if !ok {
		return "", false
	}
	if o.State.Terminal() {
		if t.log != nil {
			t.log.Warnf("fill for terminal order %s dropped (state=%s)", clientID, o.State)
		}
		return o.State, false
	}
	if qty <= 0 {
		return o.State, false
	}

	if remaining := o.RemainingQty(); qty > remaining {
		if t.log != nil {
			t.log.Warnf("order %s fill qty %.8f exceeds remaining %.8f, clamping", clientID, qty, remaining)
		}
		qty = remaining
		if qty <= 0 {
			return o.State, false
		}
	}

	o.Fills = append(o.Fills, Fill{
		Qty:      qty,
		Price:    price,
		Fee:      fee,
		FeeAsset: feeAsset,
		Time:     time.Now().UTC(),
	})

	// Running qty-weighted mean, not a simple mean of fill prices.
	notional := o.AvgFillPrice*o.FilledQty + price*qty
	o.FilledQty += qty
	o.AvgFillPrice = notional / o.FilledQty
	o.Commission += fee

	if o.IsFullyFilled() {
		o.State = StateFilled
	} else {
		o.State = StatePartiallyFilled
	}
	o.UpdatedAt = time.Now().UTC()

	t.persist(o)
	t.persistFill(o, qty, price, fee, feeAsset)
	return o.State, true
}

// CancelOrder sets CANCELLED from any non-terminal state, regardless of
// partial fills. Returns false for unknown or already-terminal orders.
func (t *Tracker) CancelOrder(clientID string) bool {
	return t.terminate(clientID, StateCancelled)
}

// MarkRejected flags an order the exchange refused.
func (t *Tracker) MarkRejected(clientID string) bool {
	return t.terminate(clientID, StateRejected)
}

// MarkExpired flags an order the exchange expired.
func (t *Tracker) MarkExpired(clientID string) bool {
	return t.terminate(clientID, StateExpired)
}

// MarkFailed flags an order that never reached the exchange.
func (t *Tracker) MarkFailed(clientID string) bool {
	return t.terminate(clientID, StateFailed)
}

func (t *Tracker) terminate(clientID string, s State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.live[clientID]
	if !ok || o.State.Terminal() {
		return false
	}
	o.State = s
	o.UpdatedAt = time.Now().UTC()
	t.persist(o)
	return true
}

// CloseOrder moves the order out of the live map into history (newest
// first). Returns the closed order, or nil when unknown.
func (t *Tracker) CloseOrder(clientID string) *Order {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.live[clientID]
	if !ok {
		return nil
	}
	delete(t.live, clientID)

	t.history = append([]*Order{o}, t.history...)
	if len(t.history) > t.maxHistory {
		t.history = t.history[:t.maxHistory]
	}
	return o.clone()
}

// Get returns a snapshot of a live order.
func (t *Tracker) Get(clientID string) (*Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.live[clientID]
	if !ok {
		return nil, false
	}
	return o.clone(), true
}

// OpenOrders returns snapshots of non-terminal live orders, optionally
// filtered by symbol ("" matches all).
func (t *Tracker) OpenOrders(symbol string) []*Order {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*Order
	for _, o := range t.live {
		if o.State.Terminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, o.clone())
	}
	return out
}

// OpenOrderCount reports live non-terminal orders; used by risk gating.
func (t *Tracker) OpenOrderCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, o := range t.live {
		if !o.State.Terminal() {
			n++
		}
	}
	return n
}

// History returns up to limit closed orders, newest first.
func (t *Tracker) History(limit int) []*Order {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}
	out := make([]*Order, 0, limit)
	for _, o := range t.history[:limit] {
		out = append(out, o.clone())
	}
	return out
}

// GetStats aggregates counts and commission over history.
func (t *Tracker) GetStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{TotalOrders: len(t.history)}
	for _, o := range t.history {
		switch o.State {
		case StateFilled:
			s.Filled++
		case StatePartiallyFilled:
			s.PartiallyFilled++
		case StateCancelled:
			s.Cancelled++
		case StateRejected:
			s.Rejected++
		case StateFailed:
			s.Failed++
		case StateExpired:
			s.Expired++
		}
		s.TotalCommission += o.Commission
	}
	return s
}

func (t *Tracker) persist(o *Order) {
	if t.store == nil {
		return
	}
	row := db.OrderRow{
		ClientID:     o.ClientID,
		ExchangeID:   o.ExchangeID,
		Symbol:       o.Symbol,
		Side:         string(o.Side),
		Type:         string(o.Type),
		Price:        o.Price,
		Qty:          o.Qty,
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		Commission:   o.Commission,
		State:        string(o.State),
		CreatedAt:    o.CreatedAt,
	}
	if err := t.store.UpsertOrder(context.Background(), row); err != nil && t.log != nil {
		t.log.Errorf("persist order %s: %v", o.ClientID, err)
	}
}

func (t *Tracker) persistFill(o *Order, qty, price, fee float64, feeAsset string) {
	if t.store == nil {
		return
	}
	row := db.FillRow{
		ID:            uuid.NewString(),
		OrderClientID: o.ClientID,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Price:         price,
		Qty:           qty,
		Fee:           fee,
		FeeAsset:      feeAsset,
		CreatedAt:     time.Now().UTC(),
	}
	if err := t.store.InsertFill(context.Background(), row); err != nil && t.log != nil {
		t.log.Errorf("persist fill for %s: %v", o.ClientID, err)
	}
}
