package model

import "time"

// PriceLevel is one price/quantity pair of a depth side.
type PriceLevel struct {
	Price float64
	Qty   float64
}

// Depth is a wholesale snapshot of one symbol's book on one exchange.
type Depth struct {
	Exchange string
	Bids     []PriceLevel
	Asks     []PriceLevel
}

// DepthInfo keys a depth snapshot by gateway and symbol. Entries are
// overwritten wholesale on every update, last write wins.
type DepthInfo struct {
	GatewayName  string
	ExchangeName string
	Symbol       string
	Depth        Depth
}

// DepthMsg carries a depth snapshot toward the context manager. CreatedAt is
// stamped when the gateway receives the exchange update and is the timestamp
// used for gateway-to-robot latency measurement.
type DepthMsg struct {
	Info      DepthInfo
	CreatedAt time.Time
}

// ActiveOrder is an order the exchange accepted, as reported by a gateway.
type ActiveOrder struct {
	CustomOrderID string
	RobotID       string
	Gateway       string
	Symbol        string
	Amount        float64
	Price         float64
	Side          OrderSide
	Meta          StrategyParams
}

// FilledOrder is a trade execution reported by the exchange user stream.
// Amount stays a string until it is attributed to a position; exchanges
// report it as text.
type FilledOrder struct {
	CustomOrderID string
	OrderID       uint64
	Symbol        string
	Amount        string
}

// FilledInfo is a fill joined with the active order it executed against.
type FilledInfo struct {
	OrderID       uint64
	CustomOrderID string
	Gateway       string
	RobotID       string
	Symbol        string
	Amount        string
	Price         float64
	Side          OrderSide
	Meta          StrategyParams
}

// ActiveOrderMsgKind selects the variant of an ActiveOrderMsg.
type ActiveOrderMsgKind uint8

const (
	ActiveOrderMsgActive ActiveOrderMsgKind = iota
	ActiveOrderMsgFilled
)

// ActiveOrderMsg flows from gateways to the order manager.
type ActiveOrderMsg struct {
	Kind   ActiveOrderMsgKind
	Active ActiveOrder
	Filled FilledOrder
}

// GatewayMsgKind selects the variant of a GatewayMsg.
type GatewayMsgKind uint8

const (
	GatewayMsgDepth GatewayMsgKind = iota
	GatewayMsgActiveOrder
	GatewayMsgFilledOrder
)

// GatewayMsg flows from gateways to the context manager.
type GatewayMsg struct {
	Kind   GatewayMsgKind
	Depth  DepthMsg
	Active ActiveOrder
	Filled FilledOrder
}

// Position is a realized position derived from filled-order history.
type Position struct {
	Gateway string
	Symbol  string
	Amount  float64
	Price   float64
	Side    OrderSide
	Meta    StrategyParams
}

// OrderBookInfo is one symbol's book inside a published context snapshot.
type OrderBookInfo struct {
	GatewayName  string
	ExchangeName string
	Symbol       string
	Book         Depth
}

// ContextInfo is the consolidated snapshot the context manager broadcasts to
// every robot. A robot holds exactly the latest one.
type ContextInfo struct {
	OrderBooks []OrderBookInfo
	Positions  []Position
	CreatedAt  time.Time
}

// ContextMsg flows from the context manager to robots.
type ContextMsg struct {
	Info ContextInfo
}
