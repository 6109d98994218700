package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"tradegrid/internal/bus"
	"tradegrid/internal/config"
	"tradegrid/internal/exchange"
	"tradegrid/internal/model"
)

type fixture struct {
	gateway  *Gateway
	stub     *exchange.Stub
	ordersIn *bus.Queue[model.OrderMsg]
	active   *bus.Queue[model.ActiveOrderMsg]
	info     *bus.Queue[model.GatewayMsg]
}

func stubConfig() config.Gateway {
	return config.Gateway{
		GatewayName: "Stub",
		Exchange:    "Stub",
		Instruments: []config.Instrument{
			{Name: "BTCUSDT", Base: "BTC", Quote: "USDT", LotSize: 0.00001, MinOrderSize: 0.00001},
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := stubConfig()
	f := &fixture{
		stub:     exchange.NewStub(cfg),
		ordersIn: bus.NewQueue[model.OrderMsg](64),
		active:   bus.NewQueue[model.ActiveOrderMsg](64),
		info:     bus.NewQueue[model.GatewayMsg](256),
	}
	f.gateway = New(cfg, f.stub, f.ordersIn, f.active, f.info, nil)
	return f
}

func (f *fixture) startAndCleanup(t *testing.T) {
	t.Helper()
	require.NoError(t, f.gateway.Start(context.Background()))
	t.Cleanup(func() {
		if f.gateway.Status() == StatusActive {
			require.NoError(t, f.gateway.Stop())
		}
	})
}

func limitMsg(price float64, customID string) model.OrderMsg {
	return model.OrderMsg{Containers: []model.OrderContainer{{
		RobotID:   "Robot_1",
		Order:     model.NewLimitOrder("Stub::PROD", "BTCUSDT", 0.5, price, model.SideBuy, customID),
		Meta:      model.StrategyParams{Kind: model.StrategyArbitration, Name: "arb"},
		CreatedAt: time.Now(),
	}}}
}

func popActive(t *testing.T, q *bus.Queue[model.ActiveOrderMsg]) model.ActiveOrderMsg {
	t.Helper()
	var msg model.ActiveOrderMsg
	require.Eventually(t, func() bool {
		m, err := q.TryPop()
		if err != nil {
			return false
		}
		msg = m
		return true
	}, time.Second, time.Millisecond)
	return msg
}

func popInfo(t *testing.T, q *bus.Queue[model.GatewayMsg], kind model.GatewayMsgKind) model.GatewayMsg {
	t.Helper()
	var msg model.GatewayMsg
	require.Eventually(t, func() bool {
		for {
			m, err := q.TryPop()
			if err != nil {
				return false
			}
			if m.Kind == kind {
				msg = m
				return true
			}
		}
	}, time.Second, time.Millisecond)
	return msg
}

func TestLimitOrderReportsActiveToBothManagers(t *testing.T) {
	f := newFixture(t)
	f.startAndCleanup(t)

	require.NoError(t, f.ordersIn.TryPush(limitMsg(20000, "c1")))

	activeMsg := popActive(t, f.active)
	assert.Equal(t, model.ActiveOrderMsgActive, activeMsg.Kind)
	assert.Equal(t, "c1", activeMsg.Active.CustomOrderID)
	assert.Equal(t, "Robot_1", activeMsg.Active.RobotID)
	assert.Equal(t, "Stub::PROD", activeMsg.Active.Gateway)

	infoMsg := popInfo(t, f.info, model.GatewayMsgActiveOrder)
	assert.Equal(t, "c1", infoMsg.Active.CustomOrderID)

	require.Len(t, f.stub.OpenOrders(), 1)
}

func TestPriceRoundedToVenuePrecision(t *testing.T) {
	f := newFixture(t)
	f.stub.SetPrecision(2)
	f.startAndCleanup(t)

	require.NoError(t, f.ordersIn.TryPush(limitMsg(20000.123456, "c1")))
	popActive(t, f.active)

	orders := f.stub.OpenOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, 20000.12, orders[0].Price)
}

func TestFillForwardedToBothManagers(t *testing.T) {
	f := newFixture(t)
	f.startAndCleanup(t)

	require.NoError(t, f.ordersIn.TryPush(limitMsg(20000, "c1")))
	popActive(t, f.active)

	require.True(t, f.stub.Fill("c1", "0.5"))

	filled := popActive(t, f.active)
	assert.Equal(t, model.ActiveOrderMsgFilled, filled.Kind)
	assert.Equal(t, "c1", filled.Filled.CustomOrderID)

	infoMsg := popInfo(t, f.info, model.GatewayMsgFilledOrder)
	assert.Equal(t, "c1", infoMsg.Filled.CustomOrderID)
	assert.Equal(t, "0.5", infoMsg.Filled.Amount)
}

func TestCancelOfFilledOrderIsNotAnError(t *testing.T) {
	f := newFixture(t)
	f.startAndCleanup(t)

	require.NoError(t, f.ordersIn.TryPush(limitMsg(20000, "c1")))
	popActive(t, f.active)
	require.True(t, f.stub.Fill("c1", "0.5"))

	cancel := model.OrderMsg{Containers: []model.OrderContainer{{
		RobotID: "Robot_1",
		Order: model.Order{
			Kind:          model.KindCancel,
			Gateway:       "Stub::PROD",
			Symbol:        "BTCUSDT",
			Amount:        0.5,
			Price:         20000,
			Side:          model.SideBuy,
			CustomOrderID: "c1",
		},
		CreatedAt: time.Now(),
	}}}
	require.NoError(t, f.ordersIn.TryPush(cancel))

	// the gateway keeps processing orders afterwards
	require.NoError(t, f.ordersIn.TryPush(limitMsg(20100, "c2")))
	msg := popActive(t, f.active)
	for msg.Kind != model.ActiveOrderMsgActive {
		msg = popActive(t, f.active)
	}
	assert.Equal(t, "c2", msg.Active.CustomOrderID)
}

func TestMoratoriumReenqueuesOrder(t *testing.T) {
	f := newFixture(t)
	f.stub.SetBalance("USDT", 100) // cannot cover 0.5 * 20000
	f.startAndCleanup(t)

	require.NoError(t, f.ordersIn.TryPush(limitMsg(20000, "c1")))

	// nothing placed while the balance stays short
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.stub.OpenOrders())

	// after funding, the moratorium retry places the order
	f.stub.SetBalance("USDT", 50000)
	var msg model.ActiveOrderMsg
	require.Eventually(t, func() bool {
		m, err := f.active.TryPop()
		if err != nil {
			return false
		}
		msg = m
		return true
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, "c1", msg.Active.CustomOrderID)
	require.Len(t, f.stub.OpenOrders(), 1)
}

func TestDepthForwardedWithGatewayName(t *testing.T) {
	f := newFixture(t)
	f.startAndCleanup(t)

	f.stub.PushDepth(exchange.DepthUpdate{
		Symbol: "BTCUSDT",
		Depth: model.Depth{
			Exchange: "Stub",
			Bids:     []model.PriceLevel{{Price: 20000, Qty: 1}},
		},
	})

	msg := popInfo(t, f.info, model.GatewayMsgDepth)
	assert.Equal(t, "Stub", msg.Depth.Info.GatewayName)
	assert.Equal(t, "BTCUSDT", msg.Depth.Info.Symbol)
	assert.False(t, msg.Depth.CreatedAt.IsZero())
}

func TestStartRollsBackWhenDepthStreamFails(t *testing.T) {
	f := newFixture(t)
	f.stub.FailSubscribeDepth(errors.New("stream down"))

	require.Error(t, f.gateway.Start(context.Background()))
	assert.Equal(t, StatusStopped, f.gateway.Status())
	assert.Error(t, f.gateway.Stop())

	// once the venue recovers, the gateway starts cleanly
	f.stub.FailSubscribeDepth(nil)
	require.NoError(t, f.gateway.Start(context.Background()))
	require.NoError(t, f.gateway.Stop())
}

func TestStartRollsBackWhenFillStreamFails(t *testing.T) {
	f := newFixture(t)
	f.stub.FailSubscribeFills(errors.New("user stream down"))

	require.Error(t, f.gateway.Start(context.Background()))
	assert.Equal(t, StatusStopped, f.gateway.Status())
	assert.Error(t, f.gateway.Stop())

	// the depth stream opened before the failure was torn down again
	f.stub.PushDepth(exchange.DepthUpdate{Symbol: "BTCUSDT"})
	_, err := f.info.TryPop()
	assert.Error(t, err)
}

func TestBalanceShortfallDefersWithoutError(t *testing.T) {
	f := newFixture(t)
	f.stub.SetBalance("USDT", 100) // cannot cover 0.5 * 20000
	f.startAndCleanup(t)

	container := limitMsg(20000, "c1").Containers[0]
	assert.NoError(t, f.gateway.sendLimit(context.Background(), container))
	assert.Empty(t, f.stub.OpenOrders())
}

func TestVenueBalanceRejectionDefersWithoutError(t *testing.T) {
	f := newFixture(t)
	f.stub.SetBalance("USDT", 50000)
	f.startAndCleanup(t)

	// cached balances still cover the order; the venue rejects it
	f.stub.SetBalance("USDT", 100)

	container := limitMsg(20000, "c1").Containers[0]
	assert.NoError(t, f.gateway.sendLimit(context.Background(), container))
	assert.Empty(t, f.stub.OpenOrders())
}

func TestBuyMustCoverTradingFee(t *testing.T) {
	cfg := stubConfig()
	cfg.Accounts = []config.Account{{Name: "main"}}
	cfg.Fees = []config.Fee{{AccountName: "main", AmountFee: 0.01}}
	f := &fixture{
		stub:     exchange.NewStub(cfg),
		ordersIn: bus.NewQueue[model.OrderMsg](64),
		active:   bus.NewQueue[model.ActiveOrderMsg](64),
		info:     bus.NewQueue[model.GatewayMsg](256),
	}
	f.gateway = New(cfg, f.stub, f.ordersIn, f.active, f.info, nil)

	// 10000 covers 0.5 * 20000 but not the 1% fee on top
	f.stub.SetBalance("USDT", 10000)
	f.startAndCleanup(t)
	order := limitMsg(20000, "c1").Containers[0].Order
	assert.False(t, f.gateway.coveredByBalance(order, order.Price))

	f.stub.SetBalance("USDT", 10100)
	f.gateway.fetchBalances(context.Background())
	assert.True(t, f.gateway.coveredByBalance(order, order.Price))
}

func TestSendLoopHonorsRequestRateLimit(t *testing.T) {
	cfg := stubConfig()
	cfg.Limit = config.Limit{RPS: 20}
	f := &fixture{
		stub:     exchange.NewStub(cfg),
		ordersIn: bus.NewQueue[model.OrderMsg](64),
		active:   bus.NewQueue[model.ActiveOrderMsg](64),
		info:     bus.NewQueue[model.GatewayMsg](256),
	}
	f.gateway = New(cfg, f.stub, f.ordersIn, f.active, f.info, nil)
	f.startAndCleanup(t)

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, f.ordersIn.TryPush(limitMsg(20000, "c"+string(rune('1'+i)))))
	}
	require.Eventually(t, func() bool {
		return len(f.stub.OpenOrders()) == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestDoubleStartAndDoubleStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.gateway.Start(ctx))
	assert.Error(t, f.gateway.Start(ctx))
	require.NoError(t, f.gateway.Stop())
	assert.Error(t, f.gateway.Stop())
}
