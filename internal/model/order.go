package model

import (
	"strings"
	"time"
	"unicode"
)

// OrderSide is the direction of an order.
type OrderSide uint8

const (
	SideUnknown OrderSide = iota
	SideBuy
	SideSell
)

func (s OrderSide) String() string {
	switch s {
	case SideBuy:
		return "Buy"
	case SideSell:
		return "Sell"
	default:
		return "Unknown"
	}
}

// OrderKind is the closed set of order variants the platform routes.
type OrderKind uint8

const (
	KindUnknown OrderKind = iota
	KindLimit
	KindMarket
	KindCancel
)

func (k OrderKind) String() string {
	switch k {
	case KindLimit:
		return "Limit"
	case KindMarket:
		return "Market"
	case KindCancel:
		return "Cancel"
	default:
		return "Unknown"
	}
}

// Order is an immutable order value. Kind selects the variant; fields not
// used by a variant stay zero. Equality is structural.
type Order struct {
	Kind          OrderKind
	OrderID       uint64
	Gateway       string
	Symbol        string
	Amount        float64
	Price         float64
	Side          OrderSide
	CustomOrderID string
}

// NewLimitOrder builds a limit order value.
func NewLimitOrder(gateway, symbol string, amount, price float64, side OrderSide, customOrderID string) Order {
	return Order{
		Kind:          KindLimit,
		Gateway:       gateway,
		Symbol:        symbol,
		Amount:        amount,
		Price:         price,
		Side:          side,
		CustomOrderID: customOrderID,
	}
}

// NewMarketOrder builds a market order value.
func NewMarketOrder(gateway, symbol string, amount float64, side OrderSide) Order {
	return Order{
		Kind:    KindMarket,
		Gateway: gateway,
		Symbol:  symbol,
		Amount:  amount,
		Side:    side,
	}
}

// StrategyKind tags the strategy that produced an order.
type StrategyKind uint8

const (
	StrategyStub StrategyKind = iota
	StrategyArbitration
	StrategySimpleIncreaseDecrease
)

// StrategyParams is the opaque strategy tag carried with every order. It is
// only compared for equality and grouping; the platform never interprets it.
type StrategyParams struct {
	Kind   StrategyKind
	AxisID string
	Level  string
	Name   string
}

// OrderContainer wraps an order with its origin robot and strategy tag. It is
// the unit of transport between robots, the order manager and gateways.
// Containers are never mutated, only replaced.
type OrderContainer struct {
	RobotID   string
	Order     Order
	Meta      StrategyParams
	CreatedAt time.Time
}

// ConvertLimitToCancel rewrites a limit order container into a cancel for the
// same order, preserving robot id and strategy tag. The second return is
// false for non-limit orders.
func ConvertLimitToCancel(c OrderContainer) (OrderContainer, bool) {
	if c.Order.Kind != KindLimit {
		return OrderContainer{}, false
	}
	return OrderContainer{
		RobotID: c.RobotID,
		Order: Order{
			Kind:          KindCancel,
			Gateway:       c.Order.Gateway,
			Symbol:        c.Order.Symbol,
			Price:         c.Order.Price,
			Amount:        c.Order.Amount,
			Side:          c.Order.Side,
			CustomOrderID: c.Order.CustomOrderID,
		},
		Meta:      c.Meta,
		CreatedAt: c.CreatedAt,
	}, true
}

// ExtractGatewayName normalizes a gateway identifier to a gateway name.
// "Huobi::PROD" -> "Huobi", "huobi" -> "Huobi".
func ExtractGatewayName(identifier string) string {
	if idx := strings.Index(identifier, "::"); idx >= 0 {
		return identifier[:idx]
	}
	if identifier == "" {
		return identifier
	}
	r := []rune(identifier)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// OrderMsg is a batch of order containers from a single robot.
type OrderMsg struct {
	Containers []OrderContainer
}
