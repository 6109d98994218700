package strategy

import (
	"sync"

	"tradegrid/internal/config"
	"tradegrid/internal/model"

	"github.com/markcheno/go-talib"
	"github.com/yanun0323/logs"
)

const (
	// _smaWindow smooths mid prices before the threshold comparison so a
	// single outlier tick cannot trigger a trade.
	_smaWindow = 20

	// _maxSamples bounds the price buffer. Anything older than this has no
	// effect on the moving average.
	_maxSamples = 512

	_defaultOrderSize = 1.0
)

// SimpleIncreaseDecrease buys when the smoothed mid price of its instrument
// drops by the configured percentage from the reference price and sells when
// it rises by the configured percentage, alternating one position at a time.
// The reference price rebases on every trade.
type SimpleIncreaseDecrease struct {
	name        string
	description string
	instrument  string
	gateway     string
	increasePct float64
	decreasePct float64

	mu       sync.Mutex
	closes   []float64
	bestBid  float64
	bestAsk  float64
	refPrice float64
	holding  bool
}

// NewSimpleIncreaseDecrease builds the strategy from its config file values.
func NewSimpleIncreaseDecrease(cfg config.Strategy) *SimpleIncreaseDecrease {
	return &SimpleIncreaseDecrease{
		name:        cfg.Name,
		description: cfg.Description,
		instrument:  cfg.Instrument,
		gateway:     cfg.Exchange.Name,
		increasePct: float64(cfg.IncreasePercentage),
		decreasePct: float64(cfg.DecreasePercentage),
	}
}

func (s *SimpleIncreaseDecrease) Name() string { return s.name }

func (s *SimpleIncreaseDecrease) Start() error {
	logs.Infof("starting strategy %s on %s %s", s.name, s.gateway, s.instrument)
	return nil
}

// LoadData stores the mid price of the instrument's book from the latest
// context snapshot. Snapshots without that book are skipped.
func (s *SimpleIncreaseDecrease) LoadData(info model.ContextInfo) error {
	for _, book := range info.OrderBooks {
		if book.Symbol != s.instrument {
			continue
		}
		if len(book.Book.Bids) == 0 || len(book.Book.Asks) == 0 {
			continue
		}
		bid := book.Book.Bids[0].Price
		ask := book.Book.Asks[0].Price

		s.mu.Lock()
		s.bestBid = bid
		s.bestAsk = ask
		s.closes = append(s.closes, (bid+ask)/2)
		if len(s.closes) > _maxSamples {
			s.closes = s.closes[len(s.closes)-_maxSamples:]
		}
		s.mu.Unlock()
		return nil
	}
	return nil
}

func (s *SimpleIncreaseDecrease) Calc() ([]Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.closes) < _smaWindow {
		return nil, nil
	}

	sma := talib.Sma(s.closes, _smaWindow)
	price := sma[len(sma)-1]

	if s.refPrice == 0 {
		s.refPrice = price
		return nil, nil
	}

	switch {
	case !s.holding && price <= s.refPrice*(1-s.decreasePct/100):
		s.holding = true
		s.refPrice = price
		return []Action{s.action(model.SideBuy, s.bestBid)}, nil
	case s.holding && price >= s.refPrice*(1+s.increasePct/100):
		s.holding = false
		s.refPrice = price
		return []Action{s.action(model.SideSell, s.bestAsk)}, nil
	default:
		return nil, nil
	}
}

func (s *SimpleIncreaseDecrease) action(side model.OrderSide, price float64) Action {
	return Action{
		Amount:  _defaultOrderSize,
		Symbol:  s.instrument,
		Gateway: s.gateway,
		Kind:    model.KindLimit,
		Price:   price,
		Side:    side,
		Params: model.StrategyParams{
			Kind: model.StrategySimpleIncreaseDecrease,
			Name: s.name,
		},
	}
}

func (s *SimpleIncreaseDecrease) ClearData() error {
	s.mu.Lock()
	s.closes = nil
	s.refPrice = 0
	s.holding = false
	s.mu.Unlock()
	return nil
}

func (s *SimpleIncreaseDecrease) Finish() error {
	logs.Infof("finishing strategy %s", s.name)
	return s.ClearData()
}
