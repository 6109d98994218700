package exchange

import (
	"context"
	"sync"

	"tradegrid/internal/config"
	"tradegrid/internal/model"
	"tradegrid/internal/obs"
)

// StubOrder is one order resting on the stub venue.
type StubOrder struct {
	OrderID       uint64
	CustomOrderID string
	Symbol        string
	Amount        float64
	Price         float64
	Side          model.OrderSide
	Market        bool
}

// Stub is an in-memory venue for tests and dry runs. It accepts every order
// the balances can cover, assigns deterministic order IDs and lets the test
// inject depth updates and fills.
type Stub struct {
	cfg config.Gateway
	ids *obs.IDGenerator

	mu           sync.Mutex
	precision    uint8
	balances     map[string]float64
	checkBalance bool
	orders       map[string]StubOrder // by custom order id
	filled       map[string]struct{}
	depthHandler func(DepthUpdate)
	fillHandler  func(model.FilledOrder)
	depthErr     error
	fillErr      error
}

// NewStub builds a stub venue seeded so order IDs start at 1.
func NewStub(cfg config.Gateway) *Stub {
	return &Stub{
		cfg:       cfg,
		ids:       obs.NewIDGenerator(0),
		precision: 2,
		balances:  make(map[string]float64),
		orders:    make(map[string]StubOrder),
		filled:    make(map[string]struct{}),
	}
}

func (s *Stub) Name() string { return "Stub" }

func (s *Stub) Close() {}

// SetPrecision overrides the price precision reported for every instrument.
func (s *Stub) SetPrecision(p uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.precision = p
}

// SetBalance seeds an asset balance and enables balance checking.
func (s *Stub) SetBalance(asset string, amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[asset] = amount
	s.checkBalance = true
}

func (s *Stub) FetchMetadata(ctx context.Context) ([]InstrumentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]InstrumentInfo, 0, len(s.cfg.Instruments))
	for _, inst := range s.cfg.Instruments {
		out = append(out, InstrumentInfo{
			Base:      inst.Base,
			Quote:     inst.Quote,
			Symbol:    inst.Name,
			Precision: s.precision,
		})
	}
	return out, nil
}

func (s *Stub) FetchBalances(ctx context.Context, instruments []config.Instrument) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.balances))
	for asset, amount := range s.balances {
		out[asset] = amount
	}
	return out, nil
}

func (s *Stub) LimitBuy(ctx context.Context, symbol string, amount, price float64, customOrderID string) (Transaction, error) {
	return s.place(symbol, amount, price, model.SideBuy, customOrderID, false)
}

func (s *Stub) LimitSell(ctx context.Context, symbol string, amount, price float64, customOrderID string) (Transaction, error) {
	return s.place(symbol, amount, price, model.SideSell, customOrderID, false)
}

func (s *Stub) MarketBuy(ctx context.Context, symbol string, amount float64) (Transaction, error) {
	return s.place(symbol, amount, 0, model.SideBuy, "", true)
}

func (s *Stub) MarketSell(ctx context.Context, symbol string, amount float64) (Transaction, error) {
	return s.place(symbol, amount, 0, model.SideSell, "", true)
}

func (s *Stub) place(symbol string, amount, price float64, side model.OrderSide, customOrderID string, market bool) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.checkBalance && !market {
		base, quote := s.assets(symbol)
		switch side {
		case model.SideBuy:
			if s.balances[quote] < amount*price {
				return Transaction{}, ErrInsufficientBalance
			}
		case model.SideSell:
			if s.balances[base] < amount {
				return Transaction{}, ErrInsufficientBalance
			}
		}
	}

	order := StubOrder{
		OrderID:       s.ids.Next(),
		CustomOrderID: customOrderID,
		Symbol:        symbol,
		Amount:        amount,
		Price:         price,
		Side:          side,
		Market:        market,
	}
	if customOrderID != "" {
		s.orders[customOrderID] = order
	}
	return Transaction{Symbol: symbol, OrderID: order.OrderID}, nil
}

func (s *Stub) assets(symbol string) (base, quote string) {
	for _, inst := range s.cfg.Instruments {
		if inst.Name == symbol {
			return inst.Base, inst.Quote
		}
	}
	return "", ""
}

func (s *Stub) CancelOrder(ctx context.Context, symbol, customOrderID string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, wasFilled := s.filled[customOrderID]; wasFilled {
		return Transaction{}, ErrOrderNotFound
	}
	order, ok := s.orders[customOrderID]
	if !ok {
		return Transaction{}, ErrOrderNotFound
	}
	delete(s.orders, customOrderID)
	return Transaction{Symbol: symbol, OrderID: order.OrderID}, nil
}

// FailSubscribeDepth makes SubscribeDepth fail until cleared with nil.
func (s *Stub) FailSubscribeDepth(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depthErr = err
}

// FailSubscribeFills makes SubscribeFills fail until cleared with nil.
func (s *Stub) FailSubscribeFills(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fillErr = err
}

func (s *Stub) SubscribeDepth(ctx context.Context, symbols []string, handler func(DepthUpdate)) (func(), error) {
	s.mu.Lock()
	if s.depthErr != nil {
		err := s.depthErr
		s.mu.Unlock()
		return nil, err
	}
	s.depthHandler = handler
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.depthHandler = nil
		s.mu.Unlock()
	}, nil
}

func (s *Stub) SubscribeFills(ctx context.Context, handler func(model.FilledOrder)) (func(), error) {
	s.mu.Lock()
	if s.fillErr != nil {
		err := s.fillErr
		s.mu.Unlock()
		return nil, err
	}
	s.fillHandler = handler
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.fillHandler = nil
		s.mu.Unlock()
	}, nil
}

// PushDepth injects a depth update as if the venue streamed it.
func (s *Stub) PushDepth(update DepthUpdate) {
	s.mu.Lock()
	handler := s.depthHandler
	s.mu.Unlock()
	if handler != nil {
		handler(update)
	}
}

// Fill marks a resting order as executed and streams the fill.
func (s *Stub) Fill(customOrderID, amount string) bool {
	s.mu.Lock()
	order, ok := s.orders[customOrderID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.orders, customOrderID)
	s.filled[customOrderID] = struct{}{}
	handler := s.fillHandler
	s.mu.Unlock()

	if handler != nil {
		handler(model.FilledOrder{
			CustomOrderID: customOrderID,
			OrderID:       order.OrderID,
			Symbol:        order.Symbol,
			Amount:        amount,
		})
	}
	return true
}

// OpenOrders returns the orders currently resting on the venue.
func (s *Stub) OpenOrders() []StubOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StubOrder, 0, len(s.orders))
	for _, order := range s.orders {
		out = append(out, order)
	}
	return out
}
