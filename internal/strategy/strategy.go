package strategy

import (
	"tradegrid/internal/config"
	"tradegrid/internal/model"

	"github.com/yanun0323/errors"
)

// Action is one desired order a strategy wants placed. The robot converts
// actions into order containers before handing them to the order manager.
type Action struct {
	Amount  float64
	Symbol  string
	Gateway string
	Kind    model.OrderKind
	Price   float64
	Side    model.OrderSide
	Params  model.StrategyParams
}

// Strategy is the pluggable trading policy a robot runs. LoadData feeds it
// the latest context snapshot; Calc turns accumulated data into actions.
// Implementations guard their own state, the robot calls LoadData and Calc
// from different goroutines.
type Strategy interface {
	Name() string
	Start() error
	LoadData(info model.ContextInfo) error
	Calc() ([]Action, error)
	ClearData() error
	Finish() error
}

// New builds a strategy from its reference in a robot config. The strategy
// type set is closed.
func New(ref config.StrategyRef) (Strategy, error) {
	switch ref.StrategyType {
	case "SimpleIncreaseDecrease":
		cfg, err := config.LoadStrategy(ref.ConfigFilePath)
		if err != nil {
			return nil, errors.Wrap(err, "load strategy config")
		}
		return NewSimpleIncreaseDecrease(cfg), nil
	case "Arbitration":
		cfg, err := config.LoadStrategy(ref.ConfigFilePath)
		if err != nil {
			return nil, errors.Wrap(err, "load strategy config")
		}
		return NewArbitration(cfg), nil
	case "Stub":
		return NewStub(ref.Name), nil
	default:
		return nil, errors.New("unsupported strategy type: " + ref.StrategyType).
			With("name", ref.Name)
	}
}
