package ordermgr

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegrid/internal/bus"
	"tradegrid/internal/model"
	"tradegrid/internal/storage"
)

type fixture struct {
	manager  *Manager
	orderIn  *bus.Queue[model.OrderMsg]
	activeIn *bus.Queue[model.ActiveOrderMsg]
	huobi    *bus.Queue[model.OrderMsg]
	binance  *bus.Queue[model.OrderMsg]
}

func newFixture(t *testing.T, ledger *storage.LedgerSnapshot) *fixture {
	t.Helper()
	f := &fixture{
		orderIn:  bus.NewQueue[model.OrderMsg](64),
		activeIn: bus.NewQueue[model.ActiveOrderMsg](64),
		huobi:    bus.NewQueue[model.OrderMsg](64),
		binance:  bus.NewQueue[model.OrderMsg](64),
	}
	f.manager = New(f.orderIn, f.activeIn, map[string]*bus.Queue[model.OrderMsg]{
		"Huobi":   f.huobi,
		"Binance": f.binance,
	}, ledger, nil)
	return f
}

func (f *fixture) startAndCleanup(t *testing.T) {
	t.Helper()
	require.NoError(t, f.manager.Start())
	t.Cleanup(func() {
		if f.manager.State() == StateStarted {
			require.NoError(t, f.manager.Stop())
		}
	})
}

func limitContainer(robotID, gateway, symbol string, price float64, side model.OrderSide, customID string) model.OrderContainer {
	return model.OrderContainer{
		RobotID:   robotID,
		Order:     model.NewLimitOrder(gateway, symbol, 0.5, price, side, customID),
		Meta:      model.StrategyParams{Kind: model.StrategyArbitration, Name: "arb"},
		CreatedAt: time.Now(),
	}
}

func popMsg(t *testing.T, q *bus.Queue[model.OrderMsg]) model.OrderMsg {
	t.Helper()
	var msg model.OrderMsg
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

func TestDispatchRoutesByGatewayName(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndCleanup(t)

	require.NoError(t, f.orderIn.TryPush(model.OrderMsg{Containers: []model.OrderContainer{
		limitContainer("Robot_1", "Huobi::PROD", "BTCUSDT", 20000, model.SideBuy, "c1"),
	}}))
	require.NoError(t, f.orderIn.TryPush(model.OrderMsg{Containers: []model.OrderContainer{
		limitContainer("Robot_2", "binance", "ETHUSDT", 1500, model.SideSell, "c2"),
	}}))

	huobiMsg := popMsg(t, f.huobi)
	require.Len(t, huobiMsg.Containers, 1)
	assert.Equal(t, "c1", huobiMsg.Containers[0].Order.CustomOrderID)

	binanceMsg := popMsg(t, f.binance)
	require.Len(t, binanceMsg.Containers, 1)
	assert.Equal(t, "c2", binanceMsg.Containers[0].Order.CustomOrderID)
}

func TestRepeatedOrderIsPrecededByCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndCleanup(t)

	first := limitContainer("Robot_1", "Huobi::PROD", "BTCUSDT", 20000, model.SideBuy, "c1")
	require.NoError(t, f.orderIn.TryPush(model.OrderMsg{Containers: []model.OrderContainer{first}}))

	msg := popMsg(t, f.huobi)
	require.Len(t, msg.Containers, 1)
	assert.Equal(t, model.KindLimit, msg.Containers[0].Order.Kind)

	// same robot, gateway, symbol, side and strategy tag at a new price
	second := limitContainer("Robot_1", "Huobi::PROD", "BTCUSDT", 20100, model.SideBuy, "c2")
	require.NoError(t, f.orderIn.TryPush(model.OrderMsg{Containers: []model.OrderContainer{second}}))

	msg = popMsg(t, f.huobi)
	require.Len(t, msg.Containers, 2)

	cancel := msg.Containers[0]
	assert.Equal(t, model.KindCancel, cancel.Order.Kind)
	assert.Equal(t, "c1", cancel.Order.CustomOrderID)
	assert.Equal(t, 20000.0, cancel.Order.Price)

	fresh := msg.Containers[1]
	assert.Equal(t, model.KindLimit, fresh.Order.Kind)
	assert.Equal(t, "c2", fresh.Order.CustomOrderID)

	// ledger holds only the fresh order
	sent := f.manager.SentOrders("Huobi")
	require.Len(t, sent, 1)
	assert.Equal(t, "c2", sent[0].Order.CustomOrderID)
}

func TestDifferentStrategyTagDoesNotSupersede(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndCleanup(t)

	first := limitContainer("Robot_1", "Huobi::PROD", "BTCUSDT", 20000, model.SideBuy, "c1")
	require.NoError(t, f.orderIn.TryPush(model.OrderMsg{Containers: []model.OrderContainer{first}}))
	popMsg(t, f.huobi)

	second := limitContainer("Robot_1", "Huobi::PROD", "BTCUSDT", 20100, model.SideBuy, "c2")
	second.Meta = model.StrategyParams{Kind: model.StrategySimpleIncreaseDecrease, Name: "sid"}
	require.NoError(t, f.orderIn.TryPush(model.OrderMsg{Containers: []model.OrderContainer{second}}))

	msg := popMsg(t, f.huobi)
	require.Len(t, msg.Containers, 1)
	assert.Equal(t, model.KindLimit, msg.Containers[0].Order.Kind)
	assert.Len(t, f.manager.SentOrders("Huobi"), 2)
}

func TestLedgerKeepsOtherRobotsEntries(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndCleanup(t)

	require.NoError(t, f.orderIn.TryPush(model.OrderMsg{Containers: []model.OrderContainer{
		limitContainer("Robot_1", "Huobi::PROD", "BTCUSDT", 20000, model.SideBuy, "c1"),
	}}))
	popMsg(t, f.huobi)
	require.NoError(t, f.orderIn.TryPush(model.OrderMsg{Containers: []model.OrderContainer{
		limitContainer("Robot_2", "Huobi::PROD", "BTCUSDT", 20050, model.SideBuy, "c2"),
	}}))
	popMsg(t, f.huobi)

	// the second robot's order must not evict the first robot's entry
	sent := f.manager.SentOrders("Huobi")
	require.Len(t, sent, 2)

	ids := []string{sent[0].Order.CustomOrderID, sent[1].Order.CustomOrderID}
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids)
}

func TestMarketOrdersBypassDedup(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndCleanup(t)

	require.NoError(t, f.orderIn.TryPush(model.OrderMsg{Containers: []model.OrderContainer{
		limitContainer("Robot_1", "Huobi::PROD", "BTCUSDT", 20000, model.SideBuy, "c1"),
	}}))
	popMsg(t, f.huobi)

	market := model.OrderContainer{
		RobotID:   "Robot_1",
		Order:     model.NewMarketOrder("Huobi::PROD", "BTCUSDT", 0.5, model.SideBuy),
		Meta:      model.StrategyParams{Kind: model.StrategyArbitration, Name: "arb"},
		CreatedAt: time.Now(),
	}
	require.NoError(t, f.orderIn.TryPush(model.OrderMsg{Containers: []model.OrderContainer{market}}))

	msg := popMsg(t, f.huobi)
	require.Len(t, msg.Containers, 1)
	assert.Equal(t, model.KindMarket, msg.Containers[0].Order.Kind)

	// market orders never enter the ledger
	assert.Len(t, f.manager.SentOrders("Huobi"), 1)
}

func TestStopCancelsLedger(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndCleanup(t)

	require.NoError(t, f.orderIn.TryPush(model.OrderMsg{Containers: []model.OrderContainer{
		limitContainer("Robot_1", "Huobi::PROD", "BTCUSDT", 20000, model.SideBuy, "c1"),
	}}))
	popMsg(t, f.huobi)

	require.NoError(t, f.manager.Stop())
	assert.Equal(t, StateStopped, f.manager.State())

	msg, err := f.huobi.TryPop()
	require.NoError(t, err)
	require.Len(t, msg.Containers, 1)
	assert.Equal(t, model.KindCancel, msg.Containers[0].Order.Kind)
	assert.Equal(t, "c1", msg.Containers[0].Order.CustomOrderID)
	assert.Empty(t, f.manager.SentOrders("Huobi"))
}

func TestDoubleStartAndDoubleStop(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.manager.Start())
	assert.Error(t, f.manager.Start())
	require.NoError(t, f.manager.Stop())
	assert.Error(t, f.manager.Stop())
}

func TestActiveOrdersTrackedAndRemovedOnFill(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndCleanup(t)

	require.NoError(t, f.activeIn.TryPush(model.ActiveOrderMsg{
		Kind: model.ActiveOrderMsgActive,
		Active: model.ActiveOrder{
			CustomOrderID: "c1",
			RobotID:       "Robot_1",
			Gateway:       "Huobi",
			Symbol:        "BTCUSDT",
			Amount:        0.5,
			Price:         20000,
			Side:          model.SideBuy,
		},
	}))

	require.Eventually(t, func() bool {
		return len(f.manager.ActiveOrders("Robot_1")) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, f.activeIn.TryPush(model.ActiveOrderMsg{
		Kind:   model.ActiveOrderMsgFilled,
		Filled: model.FilledOrder{CustomOrderID: "c1", OrderID: 7, Symbol: "BTCUSDT", Amount: "0.5"},
	}))

	require.Eventually(t, func() bool {
		return len(f.manager.ActiveOrders("Robot_1")) == 0
	}, time.Second, time.Millisecond)
}

func TestStartCancelsPersistedLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.gob")

	first := newFixture(t, storage.NewLedgerSnapshot(path))
	first.startAndCleanup(t)
	require.NoError(t, first.orderIn.TryPush(model.OrderMsg{Containers: []model.OrderContainer{
		limitContainer("Robot_1", "Huobi::PROD", "BTCUSDT", 20000, model.SideBuy, "c1"),
	}}))
	popMsg(t, first.huobi)
	require.NoError(t, first.manager.PersistLedger())

	// a fresh manager over the same file cancels the stale order on start
	second := newFixture(t, storage.NewLedgerSnapshot(path))
	second.startAndCleanup(t)

	msg := popMsg(t, second.huobi)
	require.Len(t, msg.Containers, 1)
	assert.Equal(t, model.KindCancel, msg.Containers[0].Order.Kind)
	assert.Equal(t, "c1", msg.Containers[0].Order.CustomOrderID)
}

func TestUnknownGatewayDropsOrders(t *testing.T) {
	f := newFixture(t, nil)
	f.startAndCleanup(t)

	require.NoError(t, f.orderIn.TryPush(model.OrderMsg{Containers: []model.OrderContainer{
		limitContainer("Robot_1", "Kraken::PROD", "BTCUSDT", 20000, model.SideBuy, "c1"),
	}}))

	// the order is dropped, nothing reaches the known gateways
	time.Sleep(20 * time.Millisecond)
	_, err := f.huobi.TryPop()
	assert.ErrorIs(t, err, bus.ErrQueueEmpty)
	assert.Empty(t, f.manager.SentOrders("Kraken"))
}
