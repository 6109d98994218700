package platform

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"tradegrid/internal/bus"
	"tradegrid/internal/config"
	"tradegrid/internal/ctxmgr"
	"tradegrid/internal/exchange"
	"tradegrid/internal/gateway"
	"tradegrid/internal/model"
	"tradegrid/internal/obs"
	"tradegrid/internal/ordermgr"
	"tradegrid/internal/robot"
	"tradegrid/internal/storage"
	"tradegrid/internal/strategy"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	_orderQueueCap   = 1024
	_gatewayQueueCap = 1024
	_infoQueueCap    = 4096
	_contextQueueCap = 16

	_defaultDataDir = "data"
)

// Status is the platform lifecycle state.
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

// Platform owns every component and the queues between them. Robots push
// order batches into a shared queue for the order manager, the order manager
// fans out per-gateway, gateways report into shared active-order and
// gateway-info queues, and the context manager fans context snapshots back
// out per robot.
type Platform struct {
	cfg     config.Platform
	metrics *obs.Metrics

	orderIn   *bus.Queue[model.OrderMsg]
	activeIn  *bus.Queue[model.ActiveOrderMsg]
	gatewayIn *bus.Queue[model.GatewayMsg]

	orderMgr  *ordermgr.Manager
	ctxMgr    *ctxmgr.Manager
	gateways  map[string]*gateway.Gateway
	robots    map[string]*robot.Robot
	exchanges []exchange.Exchange
	journal   *storage.Journal

	mu     sync.Mutex
	status Status
}

// Load builds the full component graph from a platform config. Nothing runs
// until Start is called.
func Load(ctx context.Context, cfg config.Platform) (*Platform, error) {
	logs.Info("loading platform")

	dataDir := cfg.Storage.SnapshotDir
	if dataDir == "" {
		dataDir = _defaultDataDir
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create snapshot dir")
	}

	p := &Platform{
		cfg:       cfg,
		metrics:   obs.NewMetrics(),
		orderIn:   bus.NewQueue[model.OrderMsg](_orderQueueCap),
		activeIn:  bus.NewQueue[model.ActiveOrderMsg](_infoQueueCap),
		gatewayIn: bus.NewQueue[model.GatewayMsg](_infoQueueCap),
		gateways:  make(map[string]*gateway.Gateway),
		robots:    make(map[string]*robot.Robot),
		journal:   storage.NewJournal(cfg.Storage.JournalPath),
	}

	gatewayOrders := make(map[string]*bus.Queue[model.OrderMsg])
	for _, ref := range cfg.Gateways {
		gcfg, err := config.LoadGateway(ref.ConfigFilePath)
		if err != nil {
			return nil, errors.Wrapf(err, "load gateway %s", ref.Name)
		}
		ex, err := exchange.New(ctx, gcfg)
		if err != nil {
			return nil, errors.Wrapf(err, "build exchange for gateway %s", gcfg.GatewayName)
		}

		name := model.ExtractGatewayName(gcfg.GatewayName)
		if _, ok := p.gateways[name]; ok {
			return nil, errors.Errorf("duplicate gateway %s", name)
		}
		orders := bus.NewQueue[model.OrderMsg](_gatewayQueueCap)
		gatewayOrders[name] = orders
		p.gateways[name] = gateway.New(gcfg, ex, orders, p.activeIn, p.gatewayIn, p.metrics)
		p.exchanges = append(p.exchanges, ex)
	}

	robotCtx := make(map[string]*bus.Queue[model.ContextMsg])
	for _, ref := range cfg.Robots {
		rcfg, err := config.LoadRobot(ref.ConfigFilePath)
		if err != nil {
			return nil, errors.Wrapf(err, "load robot %s", ref.Name)
		}
		strat, err := strategy.New(rcfg.Strategy)
		if err != nil {
			return nil, errors.Wrapf(err, "build strategy for robot %s", rcfg.Name)
		}

		if _, ok := p.robots[rcfg.Name]; ok {
			return nil, errors.Errorf("duplicate robot %s", rcfg.Name)
		}
		ctxQ := bus.NewQueue[model.ContextMsg](_contextQueueCap)
		robotCtx[rcfg.Name] = ctxQ
		p.robots[rcfg.Name] = robot.New(
			rcfg.Name, strat, robot.NewRiskControl(rcfg.PNL), ctxQ, p.orderIn, p.metrics,
		)
	}

	archive, err := storage.OpenArchive(cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, errors.Wrap(err, "open fills archive")
	}

	p.orderMgr = ordermgr.New(
		p.orderIn,
		p.activeIn,
		gatewayOrders,
		storage.NewLedgerSnapshot(filepath.Join(dataDir, "sent_orders.gob")),
		p.metrics,
	)
	p.ctxMgr = ctxmgr.New(
		p.gatewayIn,
		robotCtx,
		storage.NewFillSnapshot(filepath.Join(dataDir, "filled_info.gob")),
		p.journal,
		archive,
		p.metrics,
	)
	return p, nil
}

// Status returns the platform lifecycle state.
func (p *Platform) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Metrics exposes the shared latency/queue counters.
func (p *Platform) Metrics() *obs.Metrics { return p.metrics }

// Robot returns a robot by name.
func (p *Platform) Robot(name string) (*robot.Robot, bool) {
	r, ok := p.robots[name]
	return r, ok
}

// Robots returns every robot keyed by name.
func (p *Platform) Robots() map[string]*robot.Robot { return p.robots }

// Gateway returns a gateway by extracted name.
func (p *Platform) Gateway(name string) (*gateway.Gateway, bool) {
	g, ok := p.gateways[name]
	return g, ok
}

// Gateways returns every gateway keyed by extracted name.
func (p *Platform) Gateways() map[string]*gateway.Gateway { return p.gateways }

// Start brings the components up in dependency order: context manager first
// so nothing published is lost, then gateways, the order manager, and
// finally the robots. A failure rolls back what already started.
func (p *Platform) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.status == StatusActive {
		p.mu.Unlock()
		return errors.New("platform is already running")
	}
	p.status = StatusActive
	p.mu.Unlock()

	logs.Info("starting platform")

	if err := p.ctxMgr.Start(); err != nil {
		return p.abortStart(errors.Wrap(err, "start context manager"))
	}
	for name, gw := range p.gateways {
		if err := gw.Start(ctx); err != nil {
			return p.abortStart(errors.Wrapf(err, "start gateway %s", name))
		}
	}
	if err := p.orderMgr.Start(); err != nil {
		return p.abortStart(errors.Wrap(err, "start order manager"))
	}
	for name, r := range p.robots {
		if err := r.Start(); err != nil {
			return p.abortStart(errors.Wrapf(err, "start robot %s", name))
		}
	}

	logs.Info("platform started")
	return nil
}

func (p *Platform) abortStart(err error) error {
	logs.Errorf("platform start failed: %v", err)
	if stopErr := p.Stop(); stopErr != nil {
		logs.Errorf("rollback stop failed: %v", stopErr)
	}
	return err
}

// Stop tears the platform down in reverse order: robots first so no new
// orders appear, then the order manager so its shutdown cancel sweep reaches
// still-running gateways, then gateways and the context manager. Locked
// robots stay locked and are skipped.
func (p *Platform) Stop() error {
	p.mu.Lock()
	if p.status == StatusStopped {
		p.mu.Unlock()
		return errors.New("platform is not running")
	}
	p.status = StatusStopped
	p.mu.Unlock()

	logs.Info("stopping platform")

	for name, r := range p.robots {
		if r.Status() != robot.StatusActive {
			continue
		}
		if err := r.Stop(); err != nil {
			logs.Errorf("can't stop robot %s: %v", name, err)
		}
	}
	if err := p.orderMgr.Stop(); err != nil {
		logs.Errorf("can't stop order manager: %v", err)
	}
	for name, gw := range p.gateways {
		if gw.Status() != gateway.StatusActive {
			continue
		}
		if err := gw.Stop(); err != nil {
			logs.Errorf("can't stop gateway %s: %v", name, err)
		}
	}
	if err := p.ctxMgr.Stop(); err != nil {
		logs.Errorf("can't stop context manager: %v", err)
	}

	p.reportLatencies()
	logs.Info("platform stopped")
	return nil
}

// Close releases venue connections and the journal. The platform cannot be
// restarted afterwards; call it once, after the final Stop.
func (p *Platform) Close() {
	for _, ex := range p.exchanges {
		ex.Close()
	}
	if err := p.journal.Close(); err != nil {
		logs.Errorf("can't close fills journal: %v", err)
	}
}

func (p *Platform) reportLatencies() {
	for _, track := range []obs.Track{obs.TrackOrderPath, obs.TrackDepthPath} {
		report := p.metrics.Report(track)
		if report.Count == 0 {
			continue
		}
		logs.Infof("%s latency: %s", track, report)
	}
	if drops := p.metrics.QueueDrops(); drops > 0 {
		logs.Warnf("queue drops during run: %d", drops)
	}
}
