package db

import (
	"context"
	"time"
)

// OrderRow mirrors an order record as persisted.
type OrderRow struct {
	ClientID     string
	ExchangeID   string
	Symbol       string
	Side         string
	Type         string
	Price        float64
	Qty          float64
	FilledQty    float64
	AvgFillPrice float64
	Commission   float64
	State        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FillRow mirrors a fill record as persisted.
type FillRow struct {
	ID            string
	OrderClientID string
	Symbol        string
	Side          string
	Price         float64
	Qty           float64
	Fee           float64
	FeeAsset      string
	CreatedAt     time.Time
}

// UpsertOrder inserts or refreshes the order row keyed by client id.
func (d *Database) UpsertOrder(ctx context.Context, o OrderRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (client_id, exchange_id, symbol, side, type, price, qty,
		                    filled_qty, avg_fill_price, commission, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(client_id) DO UPDATE SET
			exchange_id = excluded.exchange_id,
			filled_qty = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price,
			commission = excluded.commission,
			state = excluded.state,
			updated_at = CURRENT_TIMESTAMP
	`, o.ClientID, o.ExchangeID, o.Symbol, o.Side, o.Type, o.Price, o.Qty,
		o.FilledQty, o.AvgFillPrice, o.Commission, o.State, o.CreatedAt)
	return err
}

// InsertFill stores one fill event.
func (d *Database) InsertFill(ctx context.Context, f FillRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO fills (id, order_client_id, symbol, side, price, qty, fee, fee_asset, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.OrderClientID, f.Symbol, f.Side, f.Price, f.Qty, f.Fee, f.FeeAsset, f.CreatedAt)
	return err
}

// ListOrderHistory returns closed orders newest first.
func (d *Database) ListOrderHistory(ctx context.Context, limit int) ([]OrderRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT client_id, COALESCE(exchange_id, ''), symbol, side, type, price, qty,
		       filled_qty, avg_fill_price, commission, state, created_at, updated_at
		FROM orders
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		var o OrderRow
		if err := rows.Scan(&o.ClientID, &o.ExchangeID, &o.Symbol, &o.Side, &o.Type,
			&o.Price, &o.Qty, &o.FilledQty, &o.AvgFillPrice, &o.Commission,
			&o.State, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpsertDailyMetrics accumulates the daily risk ledger row.
func (d *Database) UpsertDailyMetrics(ctx context.Context, date string, pnl float64, win bool, loss float64, peak float64) error {
	wins := 0
	if win {
		wins = 1
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_metrics (date, daily_pnl, daily_trades, daily_wins, daily_losses, peak_balance)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			daily_pnl = daily_pnl + ?,
			daily_trades = daily_trades + 1,
			daily_wins = daily_wins + ?,
			daily_losses = daily_losses + ?,
			peak_balance = MAX(peak_balance, ?)
	`, date, pnl, wins, loss, peak,
		pnl, wins, loss, peak)
	return err
}
