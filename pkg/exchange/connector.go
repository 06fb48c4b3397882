package exchange

import "context"

// Connector abstracts a trading venue. The engine is agnostic to the
// specific exchange beyond these operations.
type Connector interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error

	// GetListenKey opens (or renews) a private user-data stream token.
	GetListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error

	Ping(ctx context.Context) error
	GetBalance(ctx context.Context, asset string) (Balance, error)
}
