// Package strategy runs the trading cycle: risk gate, market data, signal,
// validation, sizing and execution, on an interval and on demand.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregtusar/perpagent/internal/config"
	"github.com/gregtusar/perpagent/internal/monitoring"
	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/gregtusar/perpagent/pkg/position"
	"github.com/gregtusar/perpagent/pkg/signal"
	"github.com/sirupsen/logrus"
)

type Status string

const (
	StatusDisabled Status = "disabled"
	StatusSkipped  Status = "skipped"
	StatusIdle     Status = "idle"
	StatusRejected Status = "rejected"
	StatusHold     Status = "hold"
	StatusExecuted Status = "executed"
	StatusError    Status = "error"
)

// CycleResult is the outcome of one trading cycle for one symbol.
type CycleResult struct {
	Symbol    string         `json:"symbol"`
	Status    Status         `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Signal    *models.Signal `json:"signal,omitempty"`
	Order     *models.Order  `json:"order,omitempty"`
	Account   models.Account `json:"account"`
	Timestamp time.Time      `json:"timestamp"`
}

// RiskGate is the risk manager as seen by the orchestrator.
type RiskGate interface {
	ShouldExecute() bool
	PositionSize(sig models.Signal, entry float64) (float64, bool)
}

// Executor is the order side of the orchestrator.
type Executor interface {
	Execute(ctx context.Context, sig models.Signal, sized models.SizedPosition) (*models.Order, error)
	Close(ctx context.Context, positionID string, reason models.CloseReason) (*models.Order, error)
	Wait()
}

// Monitor is the position loop lifecycle.
type Monitor interface {
	Start(ctx context.Context) error
	Stop()
}

type Deps struct {
	Book      *position.Book
	Feed      position.PriceFeed
	Source    signal.Source
	Validator *signal.Validator
	// Symbols defaults to the configured allowed pairs.
	Symbols  *signal.Symbols
	Risk     RiskGate
	Executor Executor
	Monitor  Monitor
}

type Orchestrator struct {
	cfg       config.TradingConfig
	book      *position.Book
	feed      position.PriceFeed
	source    signal.Source
	validator *signal.Validator
	symbols   *signal.Symbols
	risk      RiskGate
	exec      Executor
	monitor   Monitor
	logger    *logrus.Logger

	enabled atomic.Bool

	// cycle guards admission. Orders are placed outside it.
	cycle    sync.Mutex
	claimed  int
	stopping bool
	active   sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.TradingConfig, deps Deps, logger *logrus.Logger) *Orchestrator {
	symbols := deps.Symbols
	if symbols == nil {
		symbols = signal.NewSymbols(cfg.AllowedPairs)
	}
	o := &Orchestrator{
		cfg:       cfg,
		book:      deps.Book,
		feed:      deps.Feed,
		source:    deps.Source,
		validator: deps.Validator,
		symbols:   symbols,
		risk:      deps.Risk,
		exec:      deps.Executor,
		monitor:   deps.Monitor,
		logger:    logger,
	}
	o.enabled.Store(cfg.Enabled)
	return o
}

func (o *Orchestrator) Enable() {
	o.enabled.Store(true)
	o.logger.Info("Trading enabled")
}

func (o *Orchestrator) Disable() {
	o.enabled.Store(false)
	o.logger.Info("Trading disabled")
}

func (o *Orchestrator) Enabled() bool {
	return o.enabled.Load()
}

// Start launches the position monitor and the interval loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return errors.New("orchestrator already started")
	}

	if o.monitor != nil {
		if err := o.monitor.Start(ctx); err != nil {
			return fmt.Errorf("start position monitor: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx)
	}()

	o.logger.WithFields(logrus.Fields{
		"symbols":  o.cfg.Symbols,
		"interval": o.cfg.Interval,
	}).Info("Trading loop started")
	return nil
}

func (o *Orchestrator) run(ctx context.Context) {
	interval := o.cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.RunOnce(ctx)
		}
	}
}

// RunOnce runs a cycle for every configured symbol. A failing symbol does
// not stop the others.
func (o *Orchestrator) RunOnce(ctx context.Context) []CycleResult {
	results := make([]CycleResult, 0, len(o.cfg.Symbols))
	for _, symbol := range o.cfg.Symbols {
		if ctx.Err() != nil {
			break
		}
		res := o.RunCycle(ctx, symbol)
		log := o.logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"status": res.Status,
		})
		if res.Reason != "" {
			log = log.WithField("reason", res.Reason)
		}
		if res.Status == StatusError {
			log.Error("Trading cycle failed")
		} else {
			log.Info("Trading cycle complete")
		}
		results = append(results, res)
	}
	return results
}

// RunCycle pulls a signal for symbol and acts on it. The risk gate, and
// with it the drawdown check, runs first on every cycle.
func (o *Orchestrator) RunCycle(ctx context.Context, symbol string) CycleResult {
	res := CycleResult{Symbol: symbol, Timestamp: time.Now()}
	if r, ok := o.admit(); !ok {
		res.Status, res.Reason = r.Status, r.Reason
		return o.finish(res)
	}
	defer o.release()

	md, err := o.feed.GetMarketData(ctx, symbol)
	if err != nil {
		res.Status, res.Reason = StatusError, fmt.Sprintf("market data: %v", err)
		monitoring.RecordError("market_data")
		return o.finish(res)
	}

	sig, err := o.source.Signal(ctx, md)
	switch {
	case errors.Is(err, models.ErrNoSignal):
		res.Status, res.Reason = StatusIdle, "no signal"
		return o.finish(res)
	case err != nil:
		res.Status, res.Reason = StatusError, fmt.Sprintf("signal source: %v", err)
		monitoring.RecordError("signal_source")
		return o.finish(res)
	}
	if sig.Symbol == "" {
		sig.Symbol = symbol
	}
	if r, ok := o.checkSymbol(sig); !ok {
		res.Status, res.Reason, res.Signal = r.Status, r.Reason, sig
		return o.finish(res)
	}

	return o.finish(o.act(ctx, res, md, *sig))
}

// Process acts on a pushed signal, such as a webhook alert, under the same
// gate as the interval cycle.
func (o *Orchestrator) Process(ctx context.Context, sig models.Signal) CycleResult {
	res := CycleResult{Symbol: sig.Symbol, Timestamp: time.Now(), Signal: &sig}
	if r, ok := o.admit(); !ok {
		res.Status, res.Reason = r.Status, r.Reason
		return o.finish(res)
	}
	defer o.release()

	if r, ok := o.checkSymbol(&sig); !ok {
		res.Status, res.Reason = r.Status, r.Reason
		return o.finish(res)
	}
	res.Symbol = sig.Symbol

	md, err := o.feed.GetMarketData(ctx, sig.Symbol)
	if err != nil {
		res.Status, res.Reason = StatusError, fmt.Sprintf("market data: %v", err)
		monitoring.RecordError("market_data")
		return o.finish(res)
	}
	return o.finish(o.act(ctx, res, md, sig))
}

// checkSymbol maps sig.Symbol onto the allow-list in place.
func (o *Orchestrator) checkSymbol(sig *models.Signal) (CycleResult, bool) {
	sym, err := o.symbols.Normalize(sig.Symbol)
	if err != nil {
		monitoring.RecordSignal(string(models.OutcomeRejected))
		o.logger.WithError(err).WithField("symbol", sig.Symbol).Info("Signal rejected")
		return CycleResult{Status: StatusRejected, Reason: err.Error()}, false
	}
	sig.Symbol = sym
	return CycleResult{}, true
}

// admit runs the gate and claims a position slot. Every admitted cycle must
// call release.
func (o *Orchestrator) admit() (CycleResult, bool) {
	o.cycle.Lock()
	defer o.cycle.Unlock()

	if o.stopping {
		return CycleResult{Status: StatusDisabled, Reason: "shutting down"}, false
	}
	if r, stop := o.gate(); stop {
		return r, false
	}
	o.claimed++
	o.active.Add(1)
	return CycleResult{}, true
}

func (o *Orchestrator) release() {
	o.cycle.Lock()
	o.claimed--
	o.cycle.Unlock()
	o.active.Done()
}

// gate is called with o.cycle held. Slots claimed by cycles still in flight
// count against max_open_positions.
func (o *Orchestrator) gate() (CycleResult, bool) {
	riskOK := o.risk.ShouldExecute()
	switch {
	case !o.Enabled():
		return CycleResult{Status: StatusDisabled, Reason: "trading disabled"}, true
	case !riskOK:
		return CycleResult{Status: StatusDisabled, Reason: models.ErrRiskBreach.Error()}, true
	case o.cfg.MaxOpenPositions > 0 && o.book.OpenCount()+o.claimed >= o.cfg.MaxOpenPositions:
		return CycleResult{
			Status: StatusSkipped,
			Reason: fmt.Sprintf("max open positions (%d) reached", o.cfg.MaxOpenPositions),
		}, true
	}
	return CycleResult{}, false
}

func (o *Orchestrator) act(ctx context.Context, res CycleResult, md *models.MarketData, sig models.Signal) CycleResult {
	entry := sig.Price
	if entry <= 0 {
		entry = md.Price
	}
	sig = signal.WithDefaultLevels(sig, entry, o.cfg.StopLossPercentage, o.cfg.TakeProfitPercentage)
	res.Signal = &sig

	verdict := o.validator.Validate(sig)
	monitoring.RecordSignal(string(verdict.Outcome))
	switch verdict.Outcome {
	case models.OutcomeRejected:
		res.Status, res.Reason = StatusRejected, verdict.Reason
		return res
	case models.OutcomeHold:
		res.Status, res.Reason = StatusHold, sig.Rationale
		return res
	}

	fraction, ok := o.risk.PositionSize(sig, entry)
	if !ok {
		res.Status, res.Reason = StatusRejected, "stop-loss distance is zero"
		return res
	}
	fraction = math.Min(fraction, o.cfg.TradeAmountPercentage)

	sized := models.SizedPosition{
		Fraction: fraction,
		Type:     models.OrderType(o.cfg.OrderType),
	}
	if sized.Type == models.OrderTypeLimit {
		sized.LimitPrice = entry
	}

	order, err := o.exec.Execute(ctx, sig, sized)
	if err != nil {
		res.Status, res.Reason = StatusError, err.Error()
		if errors.Is(err, models.ErrInsufficientBalance) || errors.Is(err, models.ErrValidation) {
			res.Status = StatusRejected
		}
		return res
	}
	res.Status, res.Order = StatusExecuted, order
	return res
}

func (o *Orchestrator) finish(res CycleResult) CycleResult {
	res.Account = o.book.Account()
	return res
}

// CloseAll closes every open position independently. Failures are logged
// and joined; they do not stop the remaining closes.
func (o *Orchestrator) CloseAll(ctx context.Context) ([]models.Order, error) {
	var (
		orders []models.Order
		errs   []error
	)
	for _, pos := range o.book.Positions() {
		order, err := o.exec.Close(ctx, pos.ID, models.CloseReasonManual)
		if err != nil {
			o.logger.WithError(err).WithField("position_id", pos.ID).Error("Failed to close position")
			errs = append(errs, fmt.Errorf("position %s: %w", pos.ID, err))
			continue
		}
		orders = append(orders, *order)
	}
	return orders, errors.Join(errs...)
}

// Shutdown refuses new cycles, waits for admitted ones and in-flight
// orders, then closes every open position.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cycle.Lock()
	o.stopping = true
	o.cycle.Unlock()

	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
	if o.monitor != nil {
		o.monitor.Stop()
	}
	o.active.Wait()
	o.exec.Wait()

	o.logger.WithField("positions", len(o.book.Positions())).Info("Closing open positions for shutdown")
	_, err := o.CloseAll(context.WithoutCancel(ctx))
	if err != nil {
		o.logger.WithError(err).Error("Some positions failed to close during shutdown")
	}
	return err
}
