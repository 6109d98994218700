package strategy

import (
	"sync"

	"tradegrid/internal/config"
	"tradegrid/internal/model"

	"github.com/yanun0323/logs"
)

// Arbitration watches the same instrument on every gateway in the context
// snapshot and, when the best bid on one venue crosses the best ask on
// another, emits a buy on the cheap venue and a sell on the rich one. It
// never holds inventory on purpose, the two legs always come as a pair.
type Arbitration struct {
	name       string
	instrument string
	amount     float64

	mu    sync.Mutex
	books map[string]model.OrderBookInfo
}

// NewArbitration builds the strategy from its config file values.
func NewArbitration(cfg config.Strategy) *Arbitration {
	return &Arbitration{
		name:       cfg.Name,
		instrument: cfg.Instrument,
		amount:     _defaultOrderSize,
		books:      make(map[string]model.OrderBookInfo),
	}
}

func (a *Arbitration) Name() string { return a.name }

func (a *Arbitration) Start() error {
	logs.Infof("starting strategy %s on %s", a.name, a.instrument)
	return nil
}

func (a *Arbitration) LoadData(info model.ContextInfo) error {
	a.mu.Lock()
	for _, book := range info.OrderBooks {
		if book.Symbol != a.instrument {
			continue
		}
		if len(book.Book.Bids) == 0 || len(book.Book.Asks) == 0 {
			continue
		}
		a.books[book.GatewayName] = book
	}
	a.mu.Unlock()
	return nil
}

// Calc scans the per-gateway books for a crossed pair. The books that made
// the pair are dropped afterwards so the same snapshot cannot fire twice.
func (a *Arbitration) Calc() ([]Action, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		bidGateway, askGateway string
		bestBid                float64
		bestAsk                float64
	)
	for gateway, book := range a.books {
		bid := book.Book.Bids[0].Price
		ask := book.Book.Asks[0].Price
		if bidGateway == "" || bid > bestBid {
			bidGateway, bestBid = gateway, bid
		}
		if askGateway == "" || ask < bestAsk {
			askGateway, bestAsk = gateway, ask
		}
	}
	if bidGateway == "" || askGateway == "" || bidGateway == askGateway {
		return nil, nil
	}
	if bestBid <= bestAsk {
		return nil, nil
	}

	buy := Action{
		Amount:  a.amount,
		Symbol:  a.instrument,
		Gateway: askGateway,
		Kind:    model.KindLimit,
		Price:   bestAsk,
		Side:    model.SideBuy,
		Params:  a.params(askGateway),
	}
	sell := Action{
		Amount:  a.amount,
		Symbol:  a.instrument,
		Gateway: bidGateway,
		Kind:    model.KindLimit,
		Price:   bestBid,
		Side:    model.SideSell,
		Params:  a.params(bidGateway),
	}

	delete(a.books, bidGateway)
	delete(a.books, askGateway)

	return []Action{buy, sell}, nil
}

func (a *Arbitration) params(axis string) model.StrategyParams {
	return model.StrategyParams{
		Kind:   model.StrategyArbitration,
		AxisID: axis,
		Level:  "0",
		Name:   a.name,
	}
}

func (a *Arbitration) ClearData() error {
	a.mu.Lock()
	a.books = make(map[string]model.OrderBookInfo)
	a.mu.Unlock()
	return nil
}

func (a *Arbitration) Finish() error {
	logs.Infof("finishing strategy %s", a.name)
	return a.ClearData()
}
