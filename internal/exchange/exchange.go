package exchange

import (
	"context"

	"github.com/yanun0323/errors"

	"tradegrid/internal/config"
	"tradegrid/internal/model"
)

// InstrumentInfo is venue metadata for one tradable symbol. Precision is the
// number of decimal places the venue accepts in a price.
type InstrumentInfo struct {
	Base      string
	Quote     string
	Symbol    string
	Precision uint8
}

// Transaction is the venue's acknowledgement of an order operation.
type Transaction struct {
	Symbol  string
	OrderID uint64
}

// DepthUpdate is one symbol's book pushed over the venue's market stream.
type DepthUpdate struct {
	Symbol string
	Depth  model.Depth
}

// Exchange is the capability set a gateway needs from a venue. REST calls
// block; stream subscriptions return a stop function.
type Exchange interface {
	Name() string
	FetchMetadata(ctx context.Context) ([]InstrumentInfo, error)
	FetchBalances(ctx context.Context, instruments []config.Instrument) (map[string]float64, error)

	LimitBuy(ctx context.Context, symbol string, amount, price float64, customOrderID string) (Transaction, error)
	LimitSell(ctx context.Context, symbol string, amount, price float64, customOrderID string) (Transaction, error)
	MarketBuy(ctx context.Context, symbol string, amount float64) (Transaction, error)
	MarketSell(ctx context.Context, symbol string, amount float64) (Transaction, error)
	CancelOrder(ctx context.Context, symbol, customOrderID string) (Transaction, error)

	SubscribeDepth(ctx context.Context, symbols []string, handler func(DepthUpdate)) (stop func(), err error)
	SubscribeFills(ctx context.Context, handler func(model.FilledOrder)) (stop func(), err error)

	Close()
}

// ErrOrderNotFound is returned by CancelOrder when the venue no longer knows
// the order, typically because it already filled.
var ErrOrderNotFound = errors.New("order not found on exchange")

// ErrInsufficientBalance is returned by order calls when the account cannot
// cover the order.
var ErrInsufficientBalance = errors.New("insufficient balance")

// New builds the venue adapter named by the gateway config. The set of
// venues is closed.
func New(ctx context.Context, cfg config.Gateway) (Exchange, error) {
	switch cfg.Exchange {
	case "Binance":
		return NewBinance(ctx, cfg), nil
	case "Huobi":
		return NewHuobi(cfg), nil
	case "Stub":
		return NewStub(cfg), nil
	default:
		return nil, errors.New("unknown exchange").With("exchange", cfg.Exchange)
	}
}
