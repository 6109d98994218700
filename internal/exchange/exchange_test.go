package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegrid/internal/config"
	"tradegrid/internal/model"
)

func stubConfig() config.Gateway {
	return config.Gateway{
		GatewayName: "Stub",
		Exchange:    "Stub",
		Instruments: []config.Instrument{
			{Name: "BTCUSDT", Base: "BTC", Quote: "USDT", LotSize: 0.00001, MinOrderSize: 0.00001},
		},
	}
}

func TestFactoryClosedSet(t *testing.T) {
	ctx := context.Background()

	ex, err := New(ctx, stubConfig())
	require.NoError(t, err)
	assert.Equal(t, "Stub", ex.Name())

	_, err = New(ctx, config.Gateway{Exchange: "Kraken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown exchange")
}

func TestStubMetadataAndOrderIDs(t *testing.T) {
	ctx := context.Background()
	stub := NewStub(stubConfig())
	stub.SetPrecision(5)

	meta, err := stub.FetchMetadata(ctx)
	require.NoError(t, err)
	require.Len(t, meta, 1)
	assert.Equal(t, "BTCUSDT", meta[0].Symbol)
	assert.Equal(t, uint8(5), meta[0].Precision)

	tx1, err := stub.LimitBuy(ctx, "BTCUSDT", 0.5, 20000, "c1")
	require.NoError(t, err)
	tx2, err := stub.LimitSell(ctx, "BTCUSDT", 0.5, 21000, "c2")
	require.NoError(t, err)
	assert.Equal(t, tx1.OrderID+1, tx2.OrderID)
}

func TestStubBalanceCheck(t *testing.T) {
	ctx := context.Background()
	stub := NewStub(stubConfig())
	stub.SetBalance("USDT", 1000)
	stub.SetBalance("BTC", 0.1)

	_, err := stub.LimitBuy(ctx, "BTCUSDT", 1, 20000, "c1")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = stub.LimitBuy(ctx, "BTCUSDT", 0.04, 20000, "c2")
	assert.NoError(t, err)

	_, err = stub.LimitSell(ctx, "BTCUSDT", 0.5, 20000, "c3")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestStubCancelAndFill(t *testing.T) {
	ctx := context.Background()
	stub := NewStub(stubConfig())

	var fills []model.FilledOrder
	_, err := stub.SubscribeFills(ctx, func(f model.FilledOrder) { fills = append(fills, f) })
	require.NoError(t, err)

	_, err = stub.LimitBuy(ctx, "BTCUSDT", 0.5, 20000, "c1")
	require.NoError(t, err)
	_, err = stub.LimitBuy(ctx, "BTCUSDT", 0.5, 19000, "c2")
	require.NoError(t, err)

	require.True(t, stub.Fill("c1", "0.5"))
	require.Len(t, fills, 1)
	assert.Equal(t, "c1", fills[0].CustomOrderID)
	assert.Equal(t, "0.5", fills[0].Amount)

	// cancel of a filled order is unknown to the venue
	_, err = stub.CancelOrder(ctx, "BTCUSDT", "c1")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = stub.CancelOrder(ctx, "BTCUSDT", "c2")
	assert.NoError(t, err)
	assert.Empty(t, stub.OpenOrders())
}

func TestStubDepthInjection(t *testing.T) {
	ctx := context.Background()
	stub := NewStub(stubConfig())

	var updates []DepthUpdate
	stop, err := stub.SubscribeDepth(ctx, []string{"BTCUSDT"}, func(u DepthUpdate) { updates = append(updates, u) })
	require.NoError(t, err)

	stub.PushDepth(DepthUpdate{
		Symbol: "BTCUSDT",
		Depth: model.Depth{
			Exchange: "Stub",
			Bids:     []model.PriceLevel{{Price: 20000, Qty: 1}},
			Asks:     []model.PriceLevel{{Price: 20010, Qty: 2}},
		},
	})
	require.Len(t, updates, 1)
	assert.Equal(t, 20000.0, updates[0].Depth.Bids[0].Price)

	stop()
	stub.PushDepth(DepthUpdate{Symbol: "BTCUSDT"})
	assert.Len(t, updates, 1)
}

func TestTickSizePrecision(t *testing.T) {
	assert.Equal(t, uint8(4), tickSizePrecision("0.00010000"))
	assert.Equal(t, uint8(2), tickSizePrecision("0.01"))
	assert.Equal(t, uint8(0), tickSizePrecision("1"))
	assert.Equal(t, uint8(0), tickSizePrecision("1.00000000"))
}

func TestConvertBookSideSkipsBadLevels(t *testing.T) {
	levels := convertBookSide([][2]string{
		{"20000.5", "1.25"},
		{"bad", "1"},
		{"20001", "bad"},
	})
	require.Len(t, levels, 1)
	assert.Equal(t, model.PriceLevel{Price: 20000.5, Qty: 1.25}, levels[0])
}
