package ctxmgr

import (
	"strconv"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradegrid/internal/bus"
	"tradegrid/internal/model"
	"tradegrid/internal/obs"
	"tradegrid/internal/storage"
)

// State is the context manager lifecycle state.
type State uint8

const (
	StateStopped State = iota
	StateStarted
)

const (
	_idlePoll        = time.Millisecond
	_publishInterval = 100 * time.Millisecond
)

// Manager consolidates depth and fill information from gateways and
// broadcasts a context snapshot to every robot. Fill history is persisted
// synchronously so positions survive a restart.
type Manager struct {
	mu         sync.RWMutex
	state      State
	depth      map[string]map[string]model.DepthInfo // gateway -> symbol -> info
	activeByID map[string]model.ActiveOrder          // by custom order id
	fills      map[string][]model.FilledInfo         // by robot id
	lastUpdate time.Time

	in        *bus.Queue[model.GatewayMsg]
	robotsOut map[string]*bus.Queue[model.ContextMsg]

	wakeup      chan struct{}
	publishStop *bus.StopSignal
	updateStop  *bus.StopSignal
	wg          sync.WaitGroup

	snapshot *storage.FillSnapshot
	journal  *storage.Journal
	archive  *storage.Archive
	metrics  *obs.Metrics
}

// New builds a stopped manager. robotsOut is keyed by robot id. snapshot,
// journal, archive and metrics may be nil.
func New(
	in *bus.Queue[model.GatewayMsg],
	robotsOut map[string]*bus.Queue[model.ContextMsg],
	snapshot *storage.FillSnapshot,
	journal *storage.Journal,
	archive *storage.Archive,
	metrics *obs.Metrics,
) *Manager {
	return &Manager{
		state:       StateStopped,
		depth:       make(map[string]map[string]model.DepthInfo),
		activeByID:  make(map[string]model.ActiveOrder),
		fills:       make(map[string][]model.FilledInfo),
		in:          in,
		robotsOut:   robotsOut,
		wakeup:      make(chan struct{}, 1),
		publishStop: bus.NewStopSignal(),
		updateStop:  bus.NewStopSignal(),
		snapshot:    snapshot,
		journal:     journal,
		archive:     archive,
		metrics:     metrics,
	}
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Start loads persisted fill history and spawns the publish and update
// loops.
func (m *Manager) Start() error {
	logs.Info("starting context manager")

	m.mu.Lock()
	if m.state == StateStarted {
		m.mu.Unlock()
		return errors.New("context manager is already started")
	}
	m.state = StateStarted
	m.fills = m.snapshot.Load()
	m.mu.Unlock()

	m.wg.Add(2)
	go m.publishLoop()
	go m.updateLoop()

	logs.Info("context manager has started")
	return nil
}

// Stop signals both loops and waits for them.
func (m *Manager) Stop() error {
	logs.Info("stopping context manager")

	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return errors.New("context manager is already stopped")
	}
	m.mu.Unlock()

	m.updateStop.Send()
	m.notify() // release the publish loop if it is waiting
	m.publishStop.Send()
	m.wg.Wait()

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()

	logs.Info("context manager has been stopped")
	return nil
}

// notify wakes the publish loop without blocking.
func (m *Manager) notify() {
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

// publishLoop broadcasts a fresh snapshot whenever the update loop signals
// new information, and at least every publish interval.
func (m *Manager) publishLoop() {
	defer m.wg.Done()
	logs.Info("context manager: publishing context info to robots")

	ticker := time.NewTicker(_publishInterval)
	defer ticker.Stop()

	for {
		if m.publishStop.Triggered() {
			return
		}
		select {
		case <-m.wakeup:
			m.publish()
		case <-ticker.C:
			m.publish()
		default:
			time.Sleep(_idlePoll)
		}
	}
}

// publish assembles one ContextInfo per robot and pushes it. Books are
// shared; positions are derived from that robot's fill history.
func (m *Manager) publish() {
	m.mu.RLock()
	books := make([]model.OrderBookInfo, 0, len(m.depth))
	for _, symbols := range m.depth {
		for symbol, info := range symbols {
			books = append(books, model.OrderBookInfo{
				GatewayName:  info.GatewayName,
				ExchangeName: info.ExchangeName,
				Symbol:       symbol,
				Book:         info.Depth,
			})
		}
	}
	lastUpdate := m.lastUpdate

	positionsByRobot := make(map[string][]model.Position, len(m.robotsOut))
	for robotID := range m.robotsOut {
		positionsByRobot[robotID] = m.positionsLocked(robotID)
	}
	m.mu.RUnlock()

	for robotID, queue := range m.robotsOut {
		msg := model.ContextMsg{Info: model.ContextInfo{
			OrderBooks: books,
			Positions:  positionsByRobot[robotID],
			CreatedAt:  lastUpdate,
		}}
		if err := queue.TryPush(msg); err != nil {
			if errors.Is(err, bus.ErrQueueClosed) {
				continue
			}
			m.metrics.IncQueueDrop()
		}
	}
}

// positionsLocked converts a robot's fill history to positions. Callers hold
// m.mu.
func (m *Manager) positionsLocked(robotID string) []model.Position {
	history := m.fills[robotID]
	if len(history) == 0 {
		return nil
	}
	positions := make([]model.Position, 0, len(history))
	for _, fill := range history {
		amount, err := strconv.ParseFloat(fill.Amount, 64)
		if err != nil {
			logs.Warnf("unparseable fill amount %q for robot %s", fill.Amount, robotID)
			continue
		}
		positions = append(positions, model.Position{
			Gateway: fill.Gateway,
			Symbol:  fill.Symbol,
			Amount:  amount,
			Price:   fill.Price,
			Side:    fill.Side,
			Meta:    fill.Meta,
		})
	}
	return positions
}

// updateLoop receives depth and order information from gateways.
func (m *Manager) updateLoop() {
	defer m.wg.Done()
	logs.Info("context manager: receiving context info from gateways")

	for {
		if m.updateStop.Triggered() {
			return
		}
		msg, err := m.in.TryPop()
		if err != nil {
			if errors.Is(err, bus.ErrQueueClosed) {
				return
			}
			time.Sleep(_idlePoll)
			continue
		}
		m.update(msg)
		m.notify()
	}
}

func (m *Manager) update(msg model.GatewayMsg) {
	switch msg.Kind {
	case model.GatewayMsgDepth:
		m.handleDepth(msg.Depth)
	case model.GatewayMsgActiveOrder:
		m.handleActiveOrder(msg.Active)
	case model.GatewayMsgFilledOrder:
		m.handleFilledOrder(msg.Filled)
	}
}

// handleDepth overwrites the stored book for one (gateway, symbol) pair.
// Other symbols of the same gateway keep their last snapshot.
func (m *Manager) handleDepth(msg model.DepthMsg) {
	info := msg.Info

	m.mu.Lock()
	symbols, ok := m.depth[info.GatewayName]
	if !ok {
		symbols = make(map[string]model.DepthInfo)
		m.depth[info.GatewayName] = symbols
	}
	symbols[info.Symbol] = info
	m.lastUpdate = msg.CreatedAt
	m.mu.Unlock()
}

func (m *Manager) handleActiveOrder(order model.ActiveOrder) {
	m.mu.Lock()
	m.activeByID[order.CustomOrderID] = order
	m.mu.Unlock()
}

// handleFilledOrder joins a fill with its active order, appends the result
// to the robot's history and persists it before anything else happens.
func (m *Manager) handleFilledOrder(filled model.FilledOrder) {
	m.mu.Lock()
	order, ok := m.activeByID[filled.CustomOrderID]
	if !ok {
		m.mu.Unlock()
		logs.Errorf("filled order %q has no matching active order", filled.CustomOrderID)
		return
	}
	delete(m.activeByID, filled.CustomOrderID)

	info := model.FilledInfo{
		OrderID:       filled.OrderID,
		CustomOrderID: order.CustomOrderID,
		Gateway:       order.Gateway,
		RobotID:       order.RobotID,
		Symbol:        order.Symbol,
		Amount:        filled.Amount,
		Price:         order.Price,
		Side:          order.Side,
		Meta:          order.Meta,
	}
	m.fills[order.RobotID] = append(m.fills[order.RobotID], info)

	fills := make(map[string][]model.FilledInfo, len(m.fills))
	for robotID, history := range m.fills {
		fills[robotID] = append([]model.FilledInfo(nil), history...)
	}
	m.mu.Unlock()

	if err := m.snapshot.Save(fills); err != nil {
		logs.Errorf("persist fill history: %v", err)
	}
	if err := m.journal.Append(info); err != nil {
		logs.Errorf("journal fill: %v", err)
	}
	if err := m.archive.Save(info); err != nil {
		logs.Errorf("archive fill: %v", err)
	}
}

// Fills returns a copy of one robot's fill history.
func (m *Manager) Fills(robotID string) []model.FilledInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.FilledInfo(nil), m.fills[robotID]...)
}
