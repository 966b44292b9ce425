package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Simulated())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10.0, cfg.Trading.Leverage)
	assert.Equal(t, time.Hour, cfg.Trading.Interval)
	assert.Equal(t, 3, cfg.Trading.MaxOrderAttempts)
	assert.Equal(t, 0.8, cfg.Signal.ConfidenceThreshold)
	assert.Equal(t, 0.20, cfg.Risk.MaxDrawdown)
	assert.Equal(t, 100, cfg.Position.HistorySize)
	assert.Equal(t, 60, cfg.Webhook.RequestsPerMinute)
	assert.Len(t, cfg.Simulation.Markets, 4)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		tweak func(*Config)
	}{
		{"leverage below one", func(c *Config) { c.Trading.Leverage = 0.5 }},
		{"trade amount zero", func(c *Config) { c.Trading.TradeAmountPercentage = 0 }},
		{"trade amount above one", func(c *Config) { c.Trading.TradeAmountPercentage = 1.5 }},
		{"no attempts", func(c *Config) { c.Trading.MaxOrderAttempts = 0 }},
		{"unknown order type", func(c *Config) { c.Trading.OrderType = "stop" }},
		{"drawdown of one", func(c *Config) { c.Risk.MaxDrawdown = 1 }},
		{"risk per trade zero", func(c *Config) { c.Risk.MaxRiskPerTrade = 0 }},
		{"partial close of one", func(c *Config) { c.Risk.PartialClosePercentage = 1 }},
		{"threshold above one", func(c *Config) { c.Signal.ConfidenceThreshold = 1.2 }},
		{"empty history", func(c *Config) { c.Position.HistorySize = 0 }},
		{"unknown backend", func(c *Config) { c.Exchange.Backend = "paper" }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.tweak(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
exchange:
  backend: live
trading:
  symbols: [ETH-PERP, SOL-PERP]
  interval: 15m
  leverage: 5
  order_type: limit
risk:
  max_drawdown: 0.1
`), 0o600))
	t.Setenv("WEBHOOK_SECRET", "from-env")
	t.Setenv("EXCHANGE_API_KEY", "env-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "live", cfg.Exchange.Backend)
	assert.False(t, cfg.Simulated())
	assert.Equal(t, []string{"ETH-PERP", "SOL-PERP"}, cfg.Trading.Symbols)
	assert.Equal(t, 15*time.Minute, cfg.Trading.Interval)
	assert.Equal(t, 5.0, cfg.Trading.Leverage)
	assert.Equal(t, "limit", cfg.Trading.OrderType)
	assert.Equal(t, 0.1, cfg.Risk.MaxDrawdown)
	assert.Equal(t, 0.02, cfg.Risk.MaxRiskPerTrade)
	assert.Equal(t, "from-env", cfg.Webhook.Secret)
	assert.Equal(t, "env-key", cfg.Exchange.APIKey)
}

func TestLoad_RejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trading:\n  leverage: 0\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "trading.leverage")
}

func TestOverrideFromEnv_SimulationModeOff(t *testing.T) {
	t.Setenv("SIMULATION_MODE", "false")

	cfg := Default()
	overrideFromEnv(cfg)
	assert.False(t, cfg.Simulation.Enabled)
	assert.Equal(t, "live", cfg.Exchange.Backend)
}
