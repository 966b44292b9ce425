package main

import (
	"context"
	"fmt"

	"github.com/gregtusar/perpagent/api"
	"github.com/gregtusar/perpagent/internal/config"
	"github.com/gregtusar/perpagent/pkg/exchange"
	"github.com/gregtusar/perpagent/pkg/execution"
	"github.com/gregtusar/perpagent/pkg/position"
	"github.com/gregtusar/perpagent/pkg/risk"
	"github.com/gregtusar/perpagent/pkg/signal"
	"github.com/gregtusar/perpagent/pkg/strategy"
	"github.com/sirupsen/logrus"
)

// engine is the wired Position & Risk Engine for one backend.
type engine struct {
	backend  exchange.Backend
	book     *position.Book
	risk     *risk.Manager
	executor *execution.Executor
	monitor  *position.Monitor
	orch     *strategy.Orchestrator
	alerts   *signal.AlertParser
}

func buildEngine(ctx context.Context, cfg *config.Config, backend exchange.Backend, source signal.Source, logger *logrus.Logger) (*engine, error) {
	account, err := backend.GetAccountBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch starting balance: %w", err)
	}

	book := position.NewBook(account.Total, account.Currency, cfg.Position.HistorySize, cfg.Position.OrderLogSize)
	manager := risk.NewManager(cfg.Risk, cfg.Trading, book, logger)
	executor := execution.NewExecutor(book, backend, backend, execution.SettingsFrom(cfg.Trading), logger)
	monitor := position.NewMonitor(book, backend, manager, executor, position.MonitorConfig{
		TickInterval:        cfg.Position.TickInterval,
		HealthCheckInterval: cfg.Position.HealthCheckInterval,
	}, logger)

	symbols := signal.NewSymbols(cfg.Trading.AllowedPairs)
	orch := strategy.New(cfg.Trading, strategy.Deps{
		Book:      book,
		Feed:      backend,
		Source:    source,
		Validator: signal.NewValidator(cfg.Signal.ConfidenceThreshold, logger),
		Symbols:   symbols,
		Risk:      manager,
		Executor:  executor,
		Monitor:   monitor,
	}, logger)

	logger.WithFields(logrus.Fields{
		"backend":  backend.Name(),
		"balance":  account.Total,
		"currency": account.Currency,
		"symbols":  cfg.Trading.Symbols,
	}).Info("Engine initialized")

	return &engine{
		backend:  backend,
		book:     book,
		risk:     manager,
		executor: executor,
		monitor:  monitor,
		orch:     orch,
		alerts:   signal.NewAlertParser(symbols, cfg.Signal.WebhookDefaultConfidence, logger),
	}, nil
}

func (e *engine) server(cfg *config.Config, logger *logrus.Logger) *api.Server {
	return api.NewServer(*cfg, e.orch, e.executor, e.book, e.alerts, logger)
}

// buildSource picks the pull source: an HTTP signal service behind the
// fingerprint cache, a replay file, or nothing, leaving the API and webhook
// as the only inputs.
func buildSource(cfg *config.Config, logger *logrus.Logger) (signal.Source, error) {
	switch {
	case cfg.Signal.SourceURL != "":
		remote := signal.NewHTTPSource(cfg.Signal.SourceURL, cfg.Signal.SourceTimeout, logger)
		return signal.NewCachedSource(remote, cfg.Signal.CacheSize, cfg.Signal.CacheTTL, cfg.Signal.PriceDigits, logger), nil
	case cfg.Signal.ReplayFile != "":
		return signal.LoadReplay(cfg.Signal.ReplayFile)
	default:
		return signal.ParseReplay(nil)
	}
}
