package ordermgr

import (
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradegrid/internal/bus"
	"tradegrid/internal/model"
	"tradegrid/internal/obs"
	"tradegrid/internal/storage"
)

// State is the order manager lifecycle state.
type State uint8

const (
	StateStopped State = iota
	StateStarted
)

const _idlePoll = time.Millisecond

// Manager routes orders from robots to gateways. It deduplicates repeated
// strategy orders by cancelling the stale one first, keeps a ledger of limit
// orders in flight, and cancels everything left in the ledger on shutdown.
type Manager struct {
	mu     sync.RWMutex
	state  State
	wanted map[string][]model.OrderContainer // by robot id
	sent   map[string][]model.OrderContainer // by gateway name
	active map[string][]model.ActiveOrder    // by robot id

	orderIn    *bus.Queue[model.OrderMsg]
	activeIn   *bus.Queue[model.ActiveOrderMsg]
	gatewayOut map[string]*bus.Queue[model.OrderMsg]

	askStop    *bus.StopSignal
	sendStop   *bus.StopSignal
	activeStop *bus.StopSignal
	wg         sync.WaitGroup

	ledger  *storage.LedgerSnapshot
	metrics *obs.Metrics
}

// New builds a stopped manager. gatewayOut is keyed by gateway name as
// extracted from order gateway identifiers. ledger and metrics may be nil.
func New(
	orderIn *bus.Queue[model.OrderMsg],
	activeIn *bus.Queue[model.ActiveOrderMsg],
	gatewayOut map[string]*bus.Queue[model.OrderMsg],
	ledger *storage.LedgerSnapshot,
	metrics *obs.Metrics,
) *Manager {
	return &Manager{
		state:      StateStopped,
		wanted:     make(map[string][]model.OrderContainer),
		sent:       make(map[string][]model.OrderContainer),
		active:     make(map[string][]model.ActiveOrder),
		orderIn:    orderIn,
		activeIn:   activeIn,
		gatewayOut: gatewayOut,
		askStop:    bus.NewStopSignal(),
		sendStop:   bus.NewStopSignal(),
		activeStop: bus.NewStopSignal(),
		ledger:     ledger,
		metrics:    metrics,
	}
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Start spawns the intake, dispatch and active-order loops. Orders left in a
// persisted ledger from a previous run are cancelled first.
func (m *Manager) Start() error {
	logs.Info("starting order manager")

	m.mu.Lock()
	if m.state == StateStarted {
		m.mu.Unlock()
		return errors.New("order manager is already started")
	}
	m.state = StateStarted
	m.mu.Unlock()

	m.onStart()

	m.wg.Add(3)
	go m.askLoop()
	go m.sendLoop()
	go m.activeLoop()

	logs.Info("order manager has started")
	return nil
}

// onStart cancels orders that survived a previous run in the persisted
// ledger.
func (m *Manager) onStart() {
	stale := m.ledger.Load()
	if len(stale) == 0 {
		return
	}
	logs.Infof("cancelling %d gateway groups of stale orders from previous run", len(stale))

	cancels := make(map[string][]model.OrderContainer, len(stale))
	for gateway, containers := range stale {
		for _, container := range containers {
			if cancel, ok := model.ConvertLimitToCancel(container); ok {
				cancels[gateway] = append(cancels[gateway], cancel)
			}
		}
	}
	m.sendGroups(cancels)
}

// Stop signals all loops, waits for them, then converts the remaining
// ledger to cancel orders and dispatches them.
func (m *Manager) Stop() error {
	logs.Info("stopping order manager")

	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return errors.New("order manager is already stopped")
	}
	m.mu.Unlock()

	m.askStop.Send()
	m.sendStop.Send()
	m.activeStop.Send()
	m.wg.Wait()

	m.onFinish()

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()

	logs.Info("order manager has been stopped")
	return nil
}

// onFinish cancels every limit order still in the ledger.
func (m *Manager) onFinish() {
	m.sendGroups(m.makeCancelOrders())
}

// askLoop receives orders from robots and appends them per robot.
func (m *Manager) askLoop() {
	defer m.wg.Done()
	logs.Info("order manager: receiving orders from robots")

	for {
		if m.askStop.Triggered() {
			return
		}
		msg, err := m.orderIn.TryPop()
		if err != nil {
			if errors.Is(err, bus.ErrQueueClosed) {
				return
			}
			time.Sleep(_idlePoll)
			continue
		}
		m.ask(msg)
	}
}

func (m *Manager) ask(msg model.OrderMsg) {
	if len(msg.Containers) == 0 {
		return
	}
	// all containers of one message come from the same robot
	robotID := msg.Containers[0].RobotID

	m.mu.Lock()
	m.wanted[robotID] = append(m.wanted[robotID], msg.Containers...)
	m.mu.Unlock()
}

// sendLoop drains wanted orders toward gateways.
func (m *Manager) sendLoop() {
	defer m.wg.Done()
	logs.Info("order manager: sending orders to gateways")

	for {
		if m.sendStop.Triggered() {
			return
		}
		if !m.sendToGateways() {
			time.Sleep(_idlePoll)
		}
	}
}

// sendToGateways flushes all wanted orders, preceding each limit order with
// cancels for the stale orders it supersedes. Returns false when there was
// nothing to do.
func (m *Manager) sendToGateways() bool {
	byGateway := make(map[string][]model.OrderContainer)

	m.mu.Lock()
	if len(m.wanted) == 0 {
		m.mu.Unlock()
		return false
	}
	for _, containers := range m.wanted {
		for _, container := range containers {
			toSend := m.checkOrderLocked(container)
			toSend = append(toSend, container)

			gateway := model.ExtractGatewayName(container.Order.Gateway)
			byGateway[gateway] = append(byGateway[gateway], toSend...)
		}
	}
	m.wanted = make(map[string][]model.OrderContainer)
	m.mu.Unlock()

	m.sendGroups(byGateway)
	return true
}

// checkOrderLocked finds ledger entries the given limit order supersedes,
// removes them, and returns cancel orders for them. An entry matches when
// robot, gateway, symbol, side and strategy tag all coincide. Market and
// cancel orders supersede nothing. Callers hold m.mu.
func (m *Manager) checkOrderLocked(container model.OrderContainer) []model.OrderContainer {
	if container.Order.Kind != model.KindLimit {
		return nil
	}

	gateway := model.ExtractGatewayName(container.Order.Gateway)
	entries, ok := m.sent[gateway]
	if !ok {
		return nil
	}

	var cancels []model.OrderContainer
	kept := entries[:0]
	for _, entry := range entries {
		if entry.RobotID == container.RobotID &&
			entry.Order.Gateway == container.Order.Gateway &&
			entry.Order.Symbol == container.Order.Symbol &&
			entry.Order.Side == container.Order.Side &&
			entry.Meta == container.Meta {
			if cancel, converted := model.ConvertLimitToCancel(entry); converted {
				cancels = append(cancels, cancel)
			}
			continue
		}
		kept = append(kept, entry)
	}
	m.sent[gateway] = kept
	return cancels
}

// sendGroups pushes grouped orders to their gateway queues and records the
// limit orders into the ledger.
func (m *Manager) sendGroups(byGateway map[string][]model.OrderContainer) {
	for gateway, containers := range byGateway {
		queue, ok := m.gatewayOut[gateway]
		if !ok {
			logs.Errorf("gateway %q not found, dropping %d orders", gateway, len(containers))
			continue
		}
		if err := queue.TryPush(model.OrderMsg{Containers: containers}); err != nil {
			m.metrics.IncQueueDrop()
			logs.Errorf("orders were not sent to gateway %q: %v", gateway, err)
			continue
		}
		m.saveSentOrders(gateway, containers)
	}
}

// saveSentOrders appends the limit orders of a dispatched batch to the
// ledger. Superseded entries were already removed by checkOrderLocked, so
// appending keeps one ledger entry per live order even with several robots
// on one gateway.
func (m *Manager) saveSentOrders(gateway string, containers []model.OrderContainer) {
	var limits []model.OrderContainer
	for _, container := range containers {
		if container.Order.Kind == model.KindLimit {
			limits = append(limits, container)
		}
	}
	if len(limits) == 0 {
		return
	}
	m.mu.Lock()
	m.sent[gateway] = append(m.sent[gateway], limits...)
	m.mu.Unlock()
}

// makeCancelOrders converts the whole ledger to cancel orders and clears it.
func (m *Manager) makeCancelOrders() map[string][]model.OrderContainer {
	out := make(map[string][]model.OrderContainer)

	m.mu.Lock()
	for gateway, containers := range m.sent {
		for _, container := range containers {
			if cancel, ok := model.ConvertLimitToCancel(container); ok {
				out[gateway] = append(out[gateway], cancel)
			}
		}
	}
	m.sent = make(map[string][]model.OrderContainer)
	m.mu.Unlock()

	return out
}

// PersistLedger snapshots the current ledger to disk. The platform calls it
// when shutting down without cancelling, so a later run can clean up.
func (m *Manager) PersistLedger() error {
	m.mu.RLock()
	sent := make(map[string][]model.OrderContainer, len(m.sent))
	for gateway, containers := range m.sent {
		sent[gateway] = append([]model.OrderContainer(nil), containers...)
	}
	m.mu.RUnlock()
	return m.ledger.Save(sent)
}

// activeLoop receives order state updates from gateways.
func (m *Manager) activeLoop() {
	defer m.wg.Done()
	logs.Info("order manager: receiving active orders from gateways")

	for {
		if m.activeStop.Triggered() {
			return
		}
		msg, err := m.activeIn.TryPop()
		if err != nil {
			if errors.Is(err, bus.ErrQueueClosed) {
				return
			}
			time.Sleep(_idlePoll)
			continue
		}
		m.handleActiveOrder(msg)
	}
}

// handleActiveOrder tracks venue-accepted orders per robot and drops them
// again once filled.
func (m *Manager) handleActiveOrder(msg model.ActiveOrderMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.Kind {
	case model.ActiveOrderMsgActive:
		robotID := msg.Active.RobotID
		m.active[robotID] = append(m.active[robotID], msg.Active)
	case model.ActiveOrderMsgFilled:
		for robotID, orders := range m.active {
			kept := orders[:0]
			for _, order := range orders {
				if order.CustomOrderID == msg.Filled.CustomOrderID {
					continue
				}
				kept = append(kept, order)
			}
			if len(kept) == 0 {
				delete(m.active, robotID)
			} else {
				m.active[robotID] = kept
			}
		}
	}
}

// ActiveOrders returns a copy of the active orders tracked for one robot.
func (m *Manager) ActiveOrders(robotID string) []model.ActiveOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.ActiveOrder(nil), m.active[robotID]...)
}

// SentOrders returns a copy of the ledger entries for one gateway.
func (m *Manager) SentOrders(gateway string) []model.OrderContainer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.OrderContainer(nil), m.sent[gateway]...)
}
