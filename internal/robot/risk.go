package robot

import (
	"math"
	"sync"
	"time"

	"tradegrid/internal/config"
	"tradegrid/internal/model"

	"github.com/yanun0323/logs"
)

const (
	// NumberOfBadDeals is the chain length of same-side fills at worsening
	// prices that locks a robot.
	NumberOfBadDeals = 16

	// BadDealInterval bounds how far apart chain members may be in time.
	BadDealInterval = 2 * time.Minute
)

// RiskLimit holds the thresholds a robot is evaluated against.
type RiskLimit struct {
	MaxLoss          int
	StopLoss         int
	NumberOfBadDeals int
	BadDealInterval  time.Duration
	ChainSequence    []bool
}

// RiskControl evaluates a robot's realized positions on every context update
// and decides whether the robot must be locked. It keeps a running
// high-water mark of the best PnL seen so far for the stop-loss check.
type RiskControl struct {
	limits RiskLimit

	mu     sync.Mutex
	maxPNL int
}

// NewRiskControl builds a risk control from a robot's PnL config section.
func NewRiskControl(pnl config.PNL) *RiskControl {
	chain := make([]bool, 0, len(pnl.Components))
	for _, c := range pnl.Components {
		chain = append(chain, c.BadDealChainSequence)
	}
	return &RiskControl{
		limits: RiskLimit{
			MaxLoss:          pnl.MaxLoss,
			StopLoss:         pnl.StopLoss,
			NumberOfBadDeals: NumberOfBadDeals,
			BadDealInterval:  BadDealInterval,
			ChainSequence:    chain,
		},
	}
}

// Limits returns a copy of the configured thresholds.
func (r *RiskControl) Limits() RiskLimit { return r.limits }

// CheckRisk reports whether the position list violates any limit. True means
// the robot must be locked. The high-water mark is updated before the checks
// run, so a new peak can never mask a simultaneous drawdown breach.
func (r *RiskControl) CheckRisk(positions []model.Position) bool {
	pnl := int(math.Ceil(calcPNL(positions)))

	r.mu.Lock()
	if pnl > r.maxPNL {
		r.maxPNL = pnl
	}
	maxPNL := r.maxPNL
	r.mu.Unlock()

	return r.checkMaxLoss(pnl) ||
		r.checkStopLoss(pnl, maxPNL) ||
		r.checkBadDealChain(positions)
}

func (r *RiskControl) checkMaxLoss(pnl int) bool {
	if r.limits.MaxLoss+pnl <= 0 {
		logs.Warnf("lock due max loss: pnl %d", pnl)
		return true
	}
	return false
}

func (r *RiskControl) checkStopLoss(pnl, maxPNL int) bool {
	if pnl < 0 && r.limits.StopLoss <= maxPNL+pnl {
		logs.Warnf("lock due stop loss: %d", r.limits.StopLoss)
		return true
	}
	return false
}

// checkBadDealChain looks for a run of same-side fills at prices moving
// against the robot: sells that never rise, or buys that never fall.
func (r *RiskControl) checkBadDealChain(positions []model.Position) bool {
	var buys, sells []model.Position
	for _, p := range positions {
		switch p.Side {
		case model.SideBuy:
			buys = append(buys, p)
		case model.SideSell:
			sells = append(sells, p)
		}
	}
	return checkSellChain(sells, r.limits.NumberOfBadDeals) ||
		checkBuyChain(buys, r.limits.NumberOfBadDeals)
}

// checkSellChain fires when the last count sells are monotonically
// non-increasing in price. Fewer than count sells never fires.
func checkSellChain(positions []model.Position, count int) bool {
	last, ok := lastPositions(positions, count)
	if !ok {
		return false
	}
	prev := math.MaxFloat64
	for _, p := range last {
		if p.Price > prev {
			return false
		}
		prev = p.Price
	}
	logs.Warnf("lock due selling each time at a lower price")
	return true
}

// checkBuyChain fires when the last count buys are monotonically
// non-decreasing in price.
func checkBuyChain(positions []model.Position, count int) bool {
	last, ok := lastPositions(positions, count)
	if !ok {
		return false
	}
	prev := -math.MaxFloat64
	for _, p := range last {
		if p.Price < prev {
			return false
		}
		prev = p.Price
	}
	logs.Warnf("lock due buying each time at a higher price")
	return true
}

func lastPositions(positions []model.Position, count int) ([]model.Position, bool) {
	if len(positions) < count {
		return nil, false
	}
	return positions[len(positions)-count:], true
}

// calcPNL is the realized PnL over the position list: sells add notional,
// buys subtract it.
func calcPNL(positions []model.Position) float64 {
	var pnl float64
	for _, p := range positions {
		switch p.Side {
		case model.SideBuy:
			pnl -= p.Amount * p.Price
		case model.SideSell:
			pnl += p.Amount * p.Price
		}
	}
	return pnl
}
