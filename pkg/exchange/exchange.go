package exchange

import (
	"context"
	"fmt"
	"sort"

	"github.com/gregtusar/perpagent/internal/config"
	"github.com/gregtusar/perpagent/pkg/exchange/sim"
	"github.com/gregtusar/perpagent/pkg/models"
	"github.com/sirupsen/logrus"
)

// MarketFeed supplies the latest quote for a symbol.
type MarketFeed interface {
	GetMarketData(ctx context.Context, symbol string) (*models.MarketData, error)
}

// AccountSource reports the venue-side account balance.
type AccountSource interface {
	GetAccountBalance(ctx context.Context) (*models.Account, error)
}

// OrderGateway is the narrow order boundary of the venue.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	ModifyOrder(ctx context.Context, orderID string, size, price *float64) (*models.OrderAck, error)
	GetOrder(ctx context.Context, orderID string) (*models.OrderAck, error)
	ClosePosition(ctx context.Context, req *models.CloseRequest) (*models.OrderAck, error)
}

// Backend is one venue implementation. Construction only allocates; Start
// launches background work and Stop joins it.
type Backend interface {
	MarketFeed
	AccountSource
	OrderGateway
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// Constructor builds a backend from configuration.
type Constructor func(cfg *config.Config, logger *logrus.Logger) (Backend, error)

const (
	BackendSimulated = "simulated"
	BackendLive      = "live"
)

var registry = map[string]Constructor{
	BackendSimulated: newSimulated,
	BackendLive:      newLive,
}

// Backends lists the registered backend names.
func Backends() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New selects the configured backend. A live backend without credentials
// falls back to simulation when simulation is enabled; otherwise the result
// is ErrNotConfigured.
func New(cfg *config.Config, logger *logrus.Logger) (Backend, error) {
	name := cfg.Exchange.Backend
	if cfg.Simulated() {
		name = BackendSimulated
	}
	if name == BackendLive && !hasCredentials(cfg.Exchange) {
		if !cfg.Simulation.Enabled {
			return nil, fmt.Errorf("live backend has no credentials and simulation is disabled: %w", models.ErrNotConfigured)
		}
		logger.Warn("Live backend has no credentials, falling back to simulation")
		name = BackendSimulated
	}
	if name == BackendSimulated && !cfg.Simulation.Enabled {
		return nil, fmt.Errorf("simulated backend selected but simulation is disabled: %w", models.ErrNotConfigured)
	}

	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (have %v): %w", name, Backends(), models.ErrNotConfigured)
	}
	return ctor(cfg, logger)
}

func hasCredentials(cfg config.ExchangeConfig) bool {
	if AuthType(cfg.AuthType) == AuthTypeJWT {
		return cfg.APIKeyName != "" && cfg.PrivateKeyPEM != ""
	}
	return cfg.APIKey != "" && cfg.APISecret != ""
}

func newSimulated(cfg *config.Config, logger *logrus.Logger) (Backend, error) {
	market := sim.NewMarket(sim.MarketConfig{
		Seed:         cfg.Simulation.Seed,
		Volatility:   cfg.Simulation.Volatility,
		Trend:        cfg.Simulation.Trend,
		TickInterval: cfg.Simulation.TickInterval,
		Prices:       cfg.Simulation.Markets,
	}, logger)
	gateway := sim.NewGateway(market, sim.GatewayConfig{
		InitialBalance: cfg.Simulation.InitialBalance,
		FailureRate:    cfg.Simulation.OrderFailureRate,
		Currency:       cfg.Exchange.Currency,
		Seed:           cfg.Simulation.Seed,
	}, logger)
	return &simulated{Market: market, Gateway: gateway}, nil
}

// simulated joins the random-walk market with the simulated gateway.
type simulated struct {
	*sim.Market
	*sim.Gateway
}

func (s *simulated) Name() string { return BackendSimulated }

func (s *simulated) Start(ctx context.Context) error {
	return s.Market.Start(ctx)
}

func (s *simulated) Stop() {
	s.Market.Stop()
}

func newLive(cfg *config.Config, logger *logrus.Logger) (Backend, error) {
	auth, err := NewAuthenticator(cfg.Exchange)
	if err != nil {
		return nil, err
	}
	client := NewLiveClient(cfg.Exchange, auth, logger)
	if cfg.Exchange.WSURL != "" {
		client.AttachStream(NewTickerStream(cfg.Exchange.WSURL, cfg.Trading.Symbols, logger))
	}
	return client, nil
}
