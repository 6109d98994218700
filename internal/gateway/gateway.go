package gateway

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradegrid/internal/bus"
	"tradegrid/internal/config"
	"tradegrid/internal/exchange"
	"tradegrid/internal/model"
	"tradegrid/internal/obs"
)

// Status is the gateway lifecycle state.
type Status uint8

const (
	StatusStopped Status = iota
	StatusActive
)

func (s Status) String() string {
	if s == StatusActive {
		return "Active"
	}
	return "Stopped"
}

const (
	_idlePoll = time.Millisecond

	// moratorium is how long a limit order rejected for insufficient balance
	// waits before it is re-enqueued.
	_moratorium = time.Second
)

// Gateway connects one venue to the platform. It executes orders coming from
// the order manager and streams depth and fill information back to the
// context manager and the order manager.
type Gateway struct {
	cfg config.Gateway
	ex  exchange.Exchange
	fee float64

	mu       sync.Mutex
	status   Status
	pending  []model.OrderContainer
	metadata map[string]exchange.InstrumentInfo
	balances map[string]float64

	ordersIn  *bus.Queue[model.OrderMsg]
	activeOut *bus.Queue[model.ActiveOrderMsg]
	infoOut   *bus.Queue[model.GatewayMsg]

	recvStop *bus.StopSignal
	sendStop *bus.StopSignal
	wg       sync.WaitGroup

	streamStops []func()
	throttle    *time.Ticker
	metrics     *obs.Metrics
}

// New builds a stopped gateway over the given venue adapter.
func New(
	cfg config.Gateway,
	ex exchange.Exchange,
	ordersIn *bus.Queue[model.OrderMsg],
	activeOut *bus.Queue[model.ActiveOrderMsg],
	infoOut *bus.Queue[model.GatewayMsg],
	metrics *obs.Metrics,
) *Gateway {
	return &Gateway{
		cfg:       cfg,
		ex:        ex,
		fee:       accountFee(cfg),
		status:    StatusStopped,
		metadata:  make(map[string]exchange.InstrumentInfo),
		balances:  make(map[string]float64),
		ordersIn:  ordersIn,
		activeOut: activeOut,
		infoOut:   infoOut,
		recvStop:  bus.NewStopSignal(),
		sendStop:  bus.NewStopSignal(),
		metrics:   metrics,
	}
}

// accountFee looks up the trading fee of the signing account.
func accountFee(cfg config.Gateway) float64 {
	if len(cfg.Accounts) == 0 {
		return 0
	}
	for _, fee := range cfg.Fees {
		if fee.AccountName == cfg.Accounts[0].Name {
			return fee.AmountFee
		}
	}
	return 0
}

// Name returns the gateway name from the config.
func (g *Gateway) Name() string {
	return g.cfg.GatewayName
}

// Status returns the lifecycle state.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

func (g *Gateway) setStatus(s Status) {
	g.mu.Lock()
	g.status = s
	g.mu.Unlock()
}

// Start fetches venue metadata, opens the market and account streams and
// spawns the order intake and dispatch loops.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.status == StatusActive {
		g.mu.Unlock()
		return errors.Errorf("gateway %s is already running", g.Name())
	}
	g.status = StatusActive
	g.mu.Unlock()

	logs.Infof("gateway %s is starting", g.Name())

	g.fetchMetadata(ctx)
	g.fetchBalances(ctx)

	symbols := make([]string, 0, len(g.cfg.Instruments))
	for _, inst := range g.cfg.Instruments {
		symbols = append(symbols, inst.Name)
	}

	stopDepth, err := g.ex.SubscribeDepth(ctx, symbols, g.onDepth)
	if err != nil {
		g.setStatus(StatusStopped)
		return errors.Wrap(err, "subscribe depth").With("gateway", g.Name())
	}
	g.streamStops = append(g.streamStops, stopDepth)

	stopFills, err := g.ex.SubscribeFills(ctx, g.onFill)
	if err != nil {
		stopDepth()
		g.streamStops = nil
		g.setStatus(StatusStopped)
		return errors.Wrap(err, "subscribe fills").With("gateway", g.Name())
	}
	g.streamStops = append(g.streamStops, stopFills)

	if rps := g.cfg.Limit.RPS; rps > 0 {
		g.throttle = time.NewTicker(time.Second / time.Duration(rps))
	}

	g.wg.Add(2)
	go g.receiveLoop()
	go g.sendLoop(ctx)

	logs.Infof("gateway %s has started", g.Name())
	return nil
}

// Stop signals both loops, closes the venue streams and waits.
func (g *Gateway) Stop() error {
	logs.Infof("gateway %s is stopping", g.Name())

	g.mu.Lock()
	if g.status == StatusStopped {
		g.mu.Unlock()
		return errors.Errorf("gateway %s is not running", g.Name())
	}
	g.mu.Unlock()

	g.recvStop.Send()
	g.sendStop.Send()
	for _, stop := range g.streamStops {
		stop()
	}
	g.streamStops = nil
	g.wg.Wait()
	if g.throttle != nil {
		g.throttle.Stop()
		g.throttle = nil
	}

	g.mu.Lock()
	g.status = StatusStopped
	g.mu.Unlock()

	logs.Infof("gateway %s has been stopped", g.Name())
	return nil
}

func (g *Gateway) fetchMetadata(ctx context.Context) {
	meta, err := g.ex.FetchMetadata(ctx)
	if err != nil {
		logs.Errorf("gateway %s: fetch metadata: %v", g.Name(), err)
		return
	}
	g.mu.Lock()
	for _, info := range meta {
		g.metadata[info.Symbol] = info
	}
	g.mu.Unlock()
	logs.Debugf("received metadata: %d items from %s exchange", len(meta), g.Name())
}

func (g *Gateway) fetchBalances(ctx context.Context) {
	balances, err := g.ex.FetchBalances(ctx, g.cfg.Instruments)
	if err != nil {
		logs.Errorf("gateway %s: fetch balances: %v", g.Name(), err)
		return
	}
	g.mu.Lock()
	g.balances = balances
	g.mu.Unlock()
}

// onDepth forwards a venue depth snapshot to the context manager.
func (g *Gateway) onDepth(update exchange.DepthUpdate) {
	msg := model.GatewayMsg{
		Kind: model.GatewayMsgDepth,
		Depth: model.DepthMsg{
			Info: model.DepthInfo{
				GatewayName:  g.Name(),
				ExchangeName: update.Depth.Exchange,
				Symbol:       update.Symbol,
				Depth:        update.Depth,
			},
			CreatedAt: time.Now(),
		},
	}
	if err := g.infoOut.TryPush(msg); err != nil {
		g.metrics.IncQueueDrop()
	}
}

// onFill forwards a fill to both the context manager and the order manager.
func (g *Gateway) onFill(filled model.FilledOrder) {
	if err := g.infoOut.TryPush(model.GatewayMsg{Kind: model.GatewayMsgFilledOrder, Filled: filled}); err != nil {
		g.metrics.IncQueueDrop()
		logs.Errorf("gateway %s: forward fill to context manager: %v", g.Name(), err)
	}
	if err := g.activeOut.TryPush(model.ActiveOrderMsg{Kind: model.ActiveOrderMsgFilled, Filled: filled}); err != nil {
		g.metrics.IncQueueDrop()
		logs.Errorf("gateway %s: forward fill to order manager: %v", g.Name(), err)
	}
}

// receiveLoop appends incoming orders to the pending FIFO.
func (g *Gateway) receiveLoop() {
	defer g.wg.Done()
	logs.Infof("gateway %s starts receiving orders", g.Name())

	for {
		if g.recvStop.Triggered() {
			return
		}
		msg, err := g.ordersIn.TryPop()
		if err != nil {
			if errors.Is(err, bus.ErrQueueClosed) {
				return
			}
			time.Sleep(_idlePoll)
			continue
		}
		for _, container := range msg.Containers {
			if container.Order.Kind == model.KindLimit {
				g.metrics.Observe(obs.TrackOrderPath, time.Since(container.CreatedAt))
			}
		}
		g.mu.Lock()
		g.pending = append(g.pending, msg.Containers...)
		g.mu.Unlock()
	}
}

// sendLoop drains the pending FIFO toward the venue. Venue calls block, so
// orders of one gateway execute strictly in order.
func (g *Gateway) sendLoop(ctx context.Context) {
	defer g.wg.Done()
	logs.Infof("gateway %s starts sending orders to exchange", g.Name())

	for {
		if g.sendStop.Triggered() {
			return
		}
		g.mu.Lock()
		if len(g.pending) == 0 {
			g.mu.Unlock()
			time.Sleep(_idlePoll)
			continue
		}
		container := g.pending[0]
		g.pending = g.pending[1:]
		g.mu.Unlock()

		// Venue calls respect the configured request rate. The wait is
		// bounded by one tick, so the stop rendezvous stays responsive.
		if g.throttle != nil {
			<-g.throttle.C
		}

		if err := g.dispatch(ctx, container); err != nil {
			logs.Errorf("gateway %s: order send: %v", g.Name(), err)
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, container model.OrderContainer) error {
	switch container.Order.Kind {
	case model.KindLimit:
		return g.sendLimit(ctx, container)
	case model.KindMarket:
		return g.sendMarket(ctx, container.Order)
	case model.KindCancel:
		return g.sendCancel(ctx, container.Order)
	default:
		return errors.New("unknown order kind").With("kind", container.Order.Kind)
	}
}

// sendLimit places a limit order with the price rounded to the venue's
// precision. A balance shortfall re-enqueues the order after the moratorium
// instead of failing it.
func (g *Gateway) sendLimit(ctx context.Context, container model.OrderContainer) error {
	order := container.Order
	price := g.roundPrice(order.Symbol, order.Price)

	if !g.coveredByBalance(order, price) {
		g.scheduleRetry(ctx, container)
		return nil
	}

	var (
		tx  exchange.Transaction
		err error
	)
	switch order.Side {
	case model.SideBuy:
		tx, err = g.ex.LimitBuy(ctx, order.Symbol, order.Amount, price, order.CustomOrderID)
	case model.SideSell:
		tx, err = g.ex.LimitSell(ctx, order.Symbol, order.Amount, price, order.CustomOrderID)
	default:
		return errors.New("limit order without side").With("symbol", order.Symbol)
	}
	if err != nil {
		if errors.Is(err, exchange.ErrInsufficientBalance) {
			g.scheduleRetry(ctx, container)
			return nil
		}
		return errors.Wrap(err, "place limit order").With("symbol", order.Symbol)
	}

	active := model.ActiveOrder{
		CustomOrderID: order.CustomOrderID,
		RobotID:       container.RobotID,
		Gateway:       order.Gateway,
		Symbol:        order.Symbol,
		Amount:        order.Amount,
		Price:         order.Price,
		Side:          order.Side,
		Meta:          container.Meta,
	}
	if err := g.activeOut.TryPush(model.ActiveOrderMsg{Kind: model.ActiveOrderMsgActive, Active: active}); err != nil {
		g.metrics.IncQueueDrop()
		logs.Errorf("gateway %s: report active order: %v", g.Name(), err)
	}
	if err := g.infoOut.TryPush(model.GatewayMsg{Kind: model.GatewayMsgActiveOrder, Active: active}); err != nil {
		g.metrics.IncQueueDrop()
		logs.Errorf("gateway %s: report active order to context manager: %v", g.Name(), err)
	}
	logs.Debugf("gateway %s placed %s %s %v@%v id=%d", g.Name(), order.Side, order.Symbol, order.Amount, price, tx.OrderID)
	return nil
}

func (g *Gateway) sendMarket(ctx context.Context, order model.Order) error {
	var err error
	switch order.Side {
	case model.SideBuy:
		_, err = g.ex.MarketBuy(ctx, order.Symbol, order.Amount)
	case model.SideSell:
		_, err = g.ex.MarketSell(ctx, order.Symbol, order.Amount)
	default:
		return errors.New("market order without side").With("symbol", order.Symbol)
	}
	if err != nil {
		return errors.Wrap(err, "place market order").With("symbol", order.Symbol)
	}
	return nil
}

// sendCancel cancels an order on the venue. A failed cancel is logged as a
// warning and treated as success: the order may simply have filled first.
func (g *Gateway) sendCancel(ctx context.Context, order model.Order) error {
	logs.Infof("gateway %s cancel order: %s %s %v by %v", g.Name(), order.Side, order.Symbol, order.Amount, order.Price)

	if _, err := g.ex.CancelOrder(ctx, order.Symbol, order.CustomOrderID); err != nil {
		logs.Warnf("can't cancel order %q: %v. It could be filled", order.CustomOrderID, err)
	}
	return nil
}

// coveredByBalance checks a limit order against the cached balances. A buy
// must also cover the account's trading fee. An unknown asset passes; the
// venue is the authority.
func (g *Gateway) coveredByBalance(order model.Order, price float64) bool {
	base, quote := g.assets(order.Symbol)

	g.mu.Lock()
	defer g.mu.Unlock()
	switch order.Side {
	case model.SideBuy:
		balance, ok := g.balances[quote]
		return !ok || balance >= order.Amount*price*(1+g.fee)
	case model.SideSell:
		balance, ok := g.balances[base]
		return !ok || balance >= order.Amount
	default:
		return false
	}
}

func (g *Gateway) assets(symbol string) (base, quote string) {
	for _, inst := range g.cfg.Instruments {
		if inst.Name == symbol {
			return inst.Base, inst.Quote
		}
	}
	return "", ""
}

// scheduleRetry re-enqueues a limit order after the moratorium and refreshes
// the cached balances in the meantime.
func (g *Gateway) scheduleRetry(ctx context.Context, container model.OrderContainer) {
	logs.Warnf("not enough balance for %s on gateway %s, order will be sent again after moratorium", container.Order.Symbol, g.Name())
	time.AfterFunc(_moratorium, func() {
		g.fetchBalances(ctx)
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.status != StatusActive {
			return
		}
		g.pending = append(g.pending, container)
	})
}

// roundPrice rounds a price to the venue's precision for the symbol.
// Unknown symbols fall back to eight decimals.
func (g *Gateway) roundPrice(symbol string, price float64) float64 {
	precision := 8
	g.mu.Lock()
	if info, ok := g.metadata[symbol]; ok {
		precision = int(info.Precision)
	} else {
		logs.Warnf("gateway %s has no metadata for %s", g.Name(), symbol)
	}
	g.mu.Unlock()

	rounded, err := strconv.ParseFloat(strconv.FormatFloat(price, 'f', precision, 64), 64)
	if err != nil {
		return price
	}
	return rounded
}
