package position

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gregtusar/perpagent/internal/monitoring"
	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/gregtusar/perpagent/pkg/risk"
	"github.com/sirupsen/logrus"
)

// PriceFeed supplies current prices.
type PriceFeed interface {
	GetMarketData(ctx context.Context, symbol string) (*models.MarketData, error)
}

// Assessor is the risk side of the monitor.
type Assessor interface {
	ShouldLiquidate(pos *models.Position, balance float64) bool
	AssessPosition(pos *models.Position, balance float64) risk.Adjustment
}

// Closer realizes the monitor's decisions at the venue.
type Closer interface {
	CloseClaimed(ctx context.Context, pos models.Position, reason models.CloseReason) (*models.Order, error)
	PartialClose(ctx context.Context, positionID string, fraction float64) (*models.Order, error)
	SyncPending(ctx context.Context) error
}

type MonitorConfig struct {
	TickInterval        time.Duration
	HealthCheckInterval time.Duration
}

// Monitor runs the tick loop (mark to market, stop-loss, take-profit and
// liquidation closes) and the slower health-check loop.
type Monitor struct {
	book   *Book
	feed   PriceFeed
	risk   Assessor
	closer Closer
	cfg    MonitorConfig
	logger *logrus.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	closing sync.WaitGroup
}

func NewMonitor(book *Book, feed PriceFeed, assessor Assessor, closer Closer, cfg MonitorConfig, logger *logrus.Logger) *Monitor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = time.Minute
	}
	return &Monitor{
		book:   book,
		feed:   feed,
		risk:   assessor,
		closer: closer,
		cfg:    cfg,
		logger: logger,
	}
}

// Start launches both loops. Stop must be called to join them.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return errors.New("position monitor already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.loops.Add(2)
	go m.loop(ctx, m.cfg.TickInterval, m.Tick)
	go m.loop(ctx, m.cfg.HealthCheckInterval, m.HealthCheck)

	m.logger.WithFields(logrus.Fields{
		"tick_interval":         m.cfg.TickInterval,
		"health_check_interval": m.cfg.HealthCheckInterval,
	}).Info("Position monitoring started")
	return nil
}

// Stop prevents new cycles, then waits for the loops and any close they
// started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.loops.Wait()
	m.closing.Wait()
	m.logger.Info("Position monitoring stopped")
}

// Wait blocks until closes started by Tick have finished.
func (m *Monitor) Wait() {
	m.closing.Wait()
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer m.loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Tick fetches prices outside the book lock, applies them in one locked
// step and closes every triggered position in its own goroutine so one
// slow close does not hold up the others.
func (m *Monitor) Tick(ctx context.Context) {
	symbols := m.book.Symbols()
	if len(symbols) == 0 {
		m.publish()
		return
	}

	prices := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		md, err := m.feed.GetMarketData(ctx, symbol)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.WithError(err).WithField("symbol", symbol).Warn("Failed to get market data")
				monitoring.RecordError("market_data")
			}
			continue
		}
		prices[symbol] = md.Price
		monitoring.UpdatePrice(symbol, md.Price)
	}

	triggers := m.book.ApplyPrices(prices, m.risk.ShouldLiquidate)
	for _, trig := range triggers {
		m.logger.WithFields(logrus.Fields{
			"position_id": trig.Position.ID,
			"symbol":      trig.Position.Symbol,
			"reason":      trig.Reason,
			"price":       trig.Price,
		}).Info("Position close triggered")

		m.closing.Add(1)
		go func(trig Trigger) {
			defer m.closing.Done()
			if _, err := m.closer.CloseClaimed(ctx, trig.Position, trig.Reason); err != nil {
				m.logger.WithError(err).WithField("position_id", trig.Position.ID).Error("Triggered close failed")
			}
		}(trig)
	}
	m.publish()
}

// HealthCheck asks the risk manager about every open position and applies
// at most one adjustment per position. Failures are isolated per position.
func (m *Monitor) HealthCheck(ctx context.Context) {
	acct, positions := m.book.Snapshot()

	for i := range positions {
		pos := positions[i]
		if m.book.IsClosing(pos.ID) {
			continue
		}
		adj := m.risk.AssessPosition(&pos, acct.Total)
		if adj.Action == risk.ActionNone {
			continue
		}

		log := m.logger.WithFields(logrus.Fields{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"action":      adj.Action,
			"reason":      adj.Reason,
		})
		if err := m.adjust(ctx, pos, adj); err != nil {
			log.WithError(err).Error("Position adjustment failed")
			monitoring.RecordError("adjustment")
			continue
		}
		log.Info("Position adjusted")
	}

	if err := m.closer.SyncPending(ctx); err != nil {
		m.logger.WithError(err).Warn("Pending order sync failed")
	}
	m.publish()
}

func (m *Monitor) adjust(ctx context.Context, pos models.Position, adj risk.Adjustment) error {
	switch adj.Action {
	case risk.ActionLiquidate:
		claimed, err := m.book.BeginClose(pos.ID)
		if err != nil {
			return err
		}
		_, err = m.closer.CloseClaimed(ctx, claimed, models.CloseReasonLiquidation)
		return err
	case risk.ActionPartialClose:
		_, err := m.closer.PartialClose(ctx, pos.ID, adj.Fraction)
		return err
	case risk.ActionUpdateStop:
		return m.book.UpdateStopLoss(pos.ID, adj.StopLoss)
	}
	return nil
}

func (m *Monitor) publish() {
	acct, positions := m.book.Snapshot()
	monitoring.UpdateAccount(acct.Total, acct.Available, acct.Margin, acct.UnrealizedPnL, len(positions))
}
