// Package risk holds the sizing, exposure and drawdown arithmetic that gates
// every trade, plus the per-position assessment used by the health check.
package risk

import (
	"math"
	"sync"

	"github.com/gregtusar/perpagent/internal/config"
	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/sirupsen/logrus"
)

// Portfolio is the read side of the position book.
type Portfolio interface {
	Snapshot() (models.Account, []models.Position)
}

type Action string

const (
	ActionNone         Action = "none"
	ActionPartialClose Action = "partial_close"
	ActionUpdateStop   Action = "stop_loss"
	ActionLiquidate    Action = "liquidate"
)

// Adjustment is the health-check decision for one position. At most one
// action is returned.
type Adjustment struct {
	Action   Action  `json:"action"`
	Fraction float64 `json:"fraction,omitempty"`
	StopLoss float64 `json:"stop_loss,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// Manager is stateless per call apart from the peak balance.
type Manager struct {
	limits    config.RiskConfig
	trailing  bool
	trailPct  float64
	portfolio Portfolio
	logger    *logrus.Logger

	mu   sync.Mutex
	peak float64
}

func NewManager(limits config.RiskConfig, trading config.TradingConfig, portfolio Portfolio, logger *logrus.Logger) *Manager {
	return &Manager{
		limits:    limits,
		trailing:  trading.TrailingStopLoss,
		trailPct:  trading.StopLossPercentage,
		portfolio: portfolio,
		logger:    logger,
	}
}

// PositionSize returns the fraction of balance to commit to sig at entry.
// The second result is false when the stop distance is zero or missing.
func (m *Manager) PositionSize(sig models.Signal, entry float64) (float64, bool) {
	if sig.StopLoss == nil || entry <= 0 {
		return 0, false
	}
	distance := math.Abs(entry - *sig.StopLoss)
	if distance == 0 {
		m.logger.WithFields(logrus.Fields{
			"symbol": sig.Symbol,
			"entry":  entry,
		}).Warn("Stop-loss equals entry, cannot size position")
		return 0, false
	}

	balance, _, _ := m.readBalance()
	if balance <= 0 {
		return 0, false
	}

	riskDollars := balance * m.limits.MaxRiskPerTrade
	fraction := math.Min(riskDollars/distance, m.limits.MaxPositionSize)

	m.logger.WithFields(logrus.Fields{
		"symbol":   sig.Symbol,
		"fraction": fraction,
		"distance": distance,
	}).Debug("Calculated position size")
	return fraction, true
}

// TotalRiskExposure sums size x potential loss over open positions as a
// fraction of the current balance. A position without a stop risks its full
// entry price.
func (m *Manager) TotalRiskExposure() (float64, bool) {
	balance, _, positions := m.readBalance()
	if len(positions) == 0 {
		return 0, true
	}
	if balance <= 0 {
		m.logger.Warn("Open positions with non-positive balance")
		return math.Inf(1), false
	}

	var total float64
	for i := range positions {
		total += positions[i].Size * potentialLoss(&positions[i]) / balance
	}

	ok := total <= m.limits.MaxTotalRisk
	if !ok {
		m.logger.WithFields(logrus.Fields{
			"exposure": total,
			"limit":    m.limits.MaxTotalRisk,
		}).Warn("Total risk exposure exceeds limit")
	}
	return total, ok
}

func potentialLoss(p *models.Position) float64 {
	if p.StopLoss == nil {
		return p.EntryPrice
	}
	return math.Max((p.EntryPrice-*p.StopLoss)*p.Direction(), 0)
}

// DrawdownCheck raises the peak when the balance is higher and returns
// false once the decline from peak exceeds max_drawdown. It must run on
// every cycle boundary.
func (m *Manager) DrawdownCheck() bool {
	current, peak, _ := m.readBalance()
	if peak <= 0 {
		return true
	}
	drawdown := (peak - current) / peak
	if drawdown > m.limits.MaxDrawdown {
		m.logger.WithFields(logrus.Fields{
			"drawdown": drawdown,
			"peak":     peak,
			"balance":  current,
			"limit":    m.limits.MaxDrawdown,
		}).Error("Max drawdown exceeded, halting trading")
		return false
	}
	return true
}

// readBalance reads the current balance and raises the peak when it is
// higher. Every balance read goes through here.
func (m *Manager) readBalance() (balance, peak float64, positions []models.Position) {
	acct, positions := m.portfolio.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()
	if acct.Total > m.peak {
		m.peak = acct.Total
	}
	return acct.Total, m.peak, positions
}

// Peak returns the highest balance observed so far.
func (m *Manager) Peak() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// ShouldExecute evaluates exposure and drawdown. Both checks always run.
func (m *Manager) ShouldExecute() bool {
	_, exposureOK := m.TotalRiskExposure()
	drawdownOK := m.DrawdownCheck()
	return exposureOK && drawdownOK
}

// ShouldLiquidate reports whether the open loss on pos exceeds the
// per-position tolerance.
func (m *Manager) ShouldLiquidate(pos *models.Position, balance float64) bool {
	if balance <= 0 || pos.UnrealizedPnL >= 0 {
		return false
	}
	return -pos.UnrealizedPnL/balance > m.limits.LiquidationThreshold
}

// AssessPosition decides the health-check action for pos.
func (m *Manager) AssessPosition(pos *models.Position, balance float64) Adjustment {
	if m.ShouldLiquidate(pos, balance) {
		return Adjustment{Action: ActionLiquidate, Reason: "loss exceeds liquidation threshold"}
	}

	if balance > 0 && pos.UnrealizedPnL < 0 && -pos.UnrealizedPnL/balance > m.limits.MaxRiskPerTrade {
		return Adjustment{
			Action:   ActionPartialClose,
			Fraction: m.limits.PartialClosePercentage,
			Reason:   "loss exceeds per-trade risk",
		}
	}

	if m.trailing && m.trailPct > 0 && pos.UnrealizedPnL > 0 && pos.MarkPrice > 0 {
		candidate := pos.MarkPrice * (1 - m.trailPct*pos.Direction())
		if tighter(pos, candidate) {
			return Adjustment{Action: ActionUpdateStop, StopLoss: candidate, Reason: "trailing stop"}
		}
	}

	return Adjustment{Action: ActionNone}
}

func tighter(pos *models.Position, stop float64) bool {
	if pos.StopLoss == nil {
		return true
	}
	if pos.IsLong() {
		return stop > *pos.StopLoss
	}
	return stop < *pos.StopLoss
}
