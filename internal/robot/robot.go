package robot

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"tradegrid/internal/bus"
	"tradegrid/internal/model"
	"tradegrid/internal/obs"
	"tradegrid/internal/strategy"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const _idlePoll = time.Millisecond

// Status is the robot lifecycle state. Locked is terminal, a locked robot
// has to be rebuilt to trade again.
type Status uint8

const (
	StatusStopped Status = iota
	StatusActive
	StatusLocked
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "Stopped"
	case StatusActive:
		return "Active"
	case StatusLocked:
		return "Locked"
	default:
		return "Unknown"
	}
}

// Robot runs one strategy. While active it has two loops: a main cycle that
// asks the strategy for actions and ships them to the order manager, and an
// info loop that drains context snapshots, runs risk control and feeds the
// strategy. A risk breach locks the robot and stops the main cycle.
type Robot struct {
	name     string
	strategy strategy.Strategy
	risk     *RiskControl

	ctxIn    *bus.Queue[model.ContextMsg]
	orderOut *bus.Queue[model.OrderMsg]

	mainStop *bus.StopSignal
	infoStop *bus.StopSignal
	wg       sync.WaitGroup

	idgen   *obs.IDGenerator
	metrics *obs.Metrics

	mu      sync.Mutex
	status  Status
	ctxInfo model.ContextInfo
}

// New wires a robot to its queues. metrics may be nil.
func New(
	name string,
	strat strategy.Strategy,
	risk *RiskControl,
	ctxIn *bus.Queue[model.ContextMsg],
	orderOut *bus.Queue[model.OrderMsg],
	metrics *obs.Metrics,
) *Robot {
	return &Robot{
		name:     name,
		strategy: strat,
		risk:     risk,
		ctxIn:    ctxIn,
		orderOut: orderOut,
		mainStop: bus.NewStopSignal(),
		infoStop: bus.NewStopSignal(),
		idgen:    obs.NewIDGenerator(0),
		metrics:  metrics,
	}
}

func (r *Robot) Name() string { return r.name }

// Status returns the current lifecycle state.
func (r *Robot) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Info renders a short human-readable description for the control plane.
func (r *Robot) Info() string {
	return fmt.Sprintf("Robot\nname: %s\nstatus: %s\n", r.name, r.Status())
}

// ContextInfo returns the latest snapshot the robot has accepted.
func (r *Robot) ContextInfo() model.ContextInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctxInfo
}

// Start transitions Stopped to Active and spawns both loops.
func (r *Robot) Start() error {
	r.mu.Lock()
	switch r.status {
	case StatusActive:
		r.mu.Unlock()
		return errors.New("robot is already running").With("robot", r.name)
	case StatusLocked:
		r.mu.Unlock()
		return errors.New("robot is locked").With("robot", r.name)
	}
	r.status = StatusActive
	r.mu.Unlock()

	if err := r.strategy.Start(); err != nil {
		r.mu.Lock()
		r.status = StatusStopped
		r.mu.Unlock()
		return errors.Wrap(err, "start strategy").With("robot", r.name)
	}

	logs.Infof("robot %s has been started", r.name)

	r.wg.Add(2)
	go r.mainLoop()
	go r.infoLoop()
	return nil
}

// Stop transitions Active to Stopped, waits for both loops and runs the
// strategy's finish hook. Stopping a locked robot is an error.
func (r *Robot) Stop() error {
	r.mu.Lock()
	switch r.status {
	case StatusStopped:
		r.mu.Unlock()
		return errors.New("robot is not running").With("robot", r.name)
	case StatusLocked:
		r.mu.Unlock()
		return errors.New("robot is locked").With("robot", r.name)
	}
	r.status = StatusStopped
	r.mu.Unlock()

	r.mainStop.Send()
	r.infoStop.Send()
	r.wg.Wait()

	logs.Infof("robot %s has been stopped", r.name)
	return r.strategy.Finish()
}

// Lock forces a running robot into the terminal Locked state and stops both
// loops. Risk control uses the same transition from inside the info loop.
func (r *Robot) Lock() error {
	if err := r.lock(); err != nil {
		return err
	}
	r.mainStop.Send()
	r.infoStop.Send()
	r.wg.Wait()
	return nil
}

// lock flips the status only. Loops are stopped by the caller so the info
// loop can lock itself without rendezvousing with its own stop signal.
func (r *Robot) lock() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.status {
	case StatusStopped:
		return errors.New("can't lock robot, robot is stopped").With("robot", r.name)
	case StatusLocked:
		return errors.New("robot is already locked").With("robot", r.name)
	}
	r.status = StatusLocked
	logs.Warnf("robot %s has been locked", r.name)
	return nil
}

func (r *Robot) mainLoop() {
	defer r.wg.Done()
	logs.Infof("robot %s main cycle started", r.name)
	for {
		if r.mainStop.Triggered() {
			return
		}
		r.mainCycle()
		time.Sleep(_idlePoll)
	}
}

// mainCycle asks the strategy for actions and sends the batch downstream.
// Strategy errors skip the cycle, they never stop the loop.
func (r *Robot) mainCycle() {
	actions, err := r.strategy.Calc()
	if err != nil {
		logs.Errorf("robot %s strategy error: %v", r.name, err)
		return
	}
	if len(actions) == 0 {
		return
	}

	containers := make([]model.OrderContainer, 0, len(actions))
	for _, action := range actions {
		containers = append(containers, r.containerFor(action))
	}
	if err := r.orderOut.TryPush(model.OrderMsg{Containers: containers}); err != nil {
		r.metrics.IncQueueDrop()
		logs.Errorf("robot %s can't send orders: %v", r.name, err)
	}
}

// containerFor turns one strategy action into an order container. Limit
// orders get a fresh custom order id so every placement is distinguishable
// at the venue.
func (r *Robot) containerFor(action strategy.Action) model.OrderContainer {
	var order model.Order
	switch action.Kind {
	case model.KindLimit:
		id := strconv.FormatUint(r.idgen.Next(), 10)
		order = model.NewLimitOrder(action.Gateway, action.Symbol, action.Amount, action.Price, action.Side, id)
	default:
		order = model.NewMarketOrder(action.Gateway, action.Symbol, action.Amount, action.Side)
	}
	return model.OrderContainer{
		RobotID:   r.name,
		Order:     order,
		Meta:      action.Params,
		CreatedAt: time.Now(),
	}
}

func (r *Robot) infoLoop() {
	defer r.wg.Done()
	logs.Infof("robot %s is receiving info", r.name)
	for {
		if r.infoStop.Triggered() {
			return
		}
		msg, err := r.ctxIn.TryPop()
		if err != nil {
			time.Sleep(_idlePoll)
			continue
		}
		if r.receiveInfo(msg) == StatusLocked {
			return
		}
	}
}

// receiveInfo applies one context snapshot: measure the gateway-to-robot
// latency, run risk control, then feed the strategy. A risk breach locks the
// robot and stops the main cycle before this returns.
func (r *Robot) receiveInfo(msg model.ContextMsg) Status {
	info := msg.Info
	if !info.CreatedAt.IsZero() {
		r.metrics.Observe(obs.TrackDepthPath, time.Since(info.CreatedAt))
	}

	if r.risk.CheckRisk(info.Positions) {
		if err := r.lock(); err != nil {
			// Stop won the race, the loops are already being torn down.
			logs.Warnf("robot %s risk lock skipped: %v", r.name, err)
			return StatusActive
		}
		r.mainStop.Send()
		return StatusLocked
	}

	if err := r.strategy.LoadData(info); err != nil {
		logs.Errorf("robot %s can't load context into strategy: %v", r.name, err)
		return StatusActive
	}

	r.mu.Lock()
	r.ctxInfo = info
	r.mu.Unlock()
	return StatusActive
}
