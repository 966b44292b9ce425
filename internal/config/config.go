package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gregtusar/perpagent/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Signal     SignalConfig     `mapstructure:"signal"`
	Position   PositionConfig   `mapstructure:"position"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	GCP        GCPConfig        `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

type ExchangeConfig struct {
	// "simulated" or "live"
	Backend string `mapstructure:"backend"`
	RestURL string `mapstructure:"rest_url"`
	WSURL   string `mapstructure:"ws_url"`

	// HMAC authentication
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Passphrase string `mapstructure:"passphrase"`

	// JWT authentication
	AuthType      string `mapstructure:"auth_type"` // "legacy" or "jwt"
	APIKeyName    string `mapstructure:"api_key_name"`
	PrivateKeyPEM string `mapstructure:"private_key_pem"`

	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	RequestTimeout    int     `mapstructure:"request_timeout"`
	Currency          string  `mapstructure:"currency"`
}

type SimulationConfig struct {
	Enabled          bool               `mapstructure:"enabled"`
	Seed             int64              `mapstructure:"seed"`
	InitialBalance   float64            `mapstructure:"initial_balance"`
	Volatility       float64            `mapstructure:"volatility"`
	Trend            float64            `mapstructure:"trend"`
	TickInterval     time.Duration      `mapstructure:"tick_interval"`
	OrderFailureRate float64            `mapstructure:"order_failure_rate"`
	Markets          map[string]float64 `mapstructure:"markets"`
}

type TradingConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	Symbols               []string      `mapstructure:"symbols"`
	AllowedPairs          []string      `mapstructure:"allowed_pairs"`
	Interval              time.Duration `mapstructure:"interval"`
	Leverage              float64       `mapstructure:"leverage"`
	OrderType             string        `mapstructure:"order_type"`
	TradeAmountPercentage float64       `mapstructure:"trade_amount_percentage"`
	MaxOpenPositions      int           `mapstructure:"max_open_positions"`
	MaxOrderAttempts      int           `mapstructure:"max_order_attempts"`
	RetryBaseDelay        time.Duration `mapstructure:"retry_base_delay"`
	StopLossPercentage    float64       `mapstructure:"stop_loss_percentage"`
	TakeProfitPercentage  float64       `mapstructure:"take_profit_percentage"`
	TrailingStopLoss      bool          `mapstructure:"trailing_stop_loss"`
}

type RiskConfig struct {
	MaxRiskPerTrade        float64 `mapstructure:"max_risk_per_trade"`
	MaxTotalRisk           float64 `mapstructure:"max_total_risk"`
	MaxDrawdown            float64 `mapstructure:"max_drawdown"`
	MaxPositionSize        float64 `mapstructure:"max_position_size"`
	LiquidationThreshold   float64 `mapstructure:"liquidation_threshold"`
	PartialClosePercentage float64 `mapstructure:"partial_close_percentage"`
}

type SignalConfig struct {
	ConfidenceThreshold      float64       `mapstructure:"confidence_threshold"`
	CacheSize                int           `mapstructure:"cache_size"`
	CacheTTL                 time.Duration `mapstructure:"cache_ttl"`
	PriceDigits              int           `mapstructure:"price_digits"`
	SourceURL                string        `mapstructure:"source_url"`
	SourceTimeout            time.Duration `mapstructure:"source_timeout"`
	ReplayFile               string        `mapstructure:"replay_file"`
	WebhookDefaultConfidence float64       `mapstructure:"webhook_default_confidence"`
}

type PositionConfig struct {
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	HistorySize         int           `mapstructure:"history_size"`
	OrderLogSize        int           `mapstructure:"order_log_size"`
}

type WebhookConfig struct {
	Secret            string `mapstructure:"secret"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// Simulated reports whether the engine should run against the simulated market.
func (c *Config) Simulated() bool {
	return c.Exchange.Backend == "simulated" || (c.Exchange.Backend == "" && c.Simulation.Enabled)
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/perp-agent")
	}

	// Read environment variables
	v.SetEnvPrefix("PERPAGENT")
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Override with environment variables if set
	overrideFromEnv(&config)

	// Load secrets from GCP if enabled
	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("default config does not unmarshal: %v", err))
	}
	return &config
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.enabled", true)

	// Exchange defaults
	v.SetDefault("exchange.backend", "simulated")
	v.SetDefault("exchange.rest_url", "https://api.bluefin.io")
	v.SetDefault("exchange.ws_url", "wss://notifications.api.bluefin.io")
	v.SetDefault("exchange.auth_type", "jwt")
	v.SetDefault("exchange.requests_per_second", 5.0)
	v.SetDefault("exchange.request_timeout", 30)
	v.SetDefault("exchange.currency", "USDT")

	// Simulation defaults
	v.SetDefault("simulation.enabled", true)
	v.SetDefault("simulation.seed", 1)
	v.SetDefault("simulation.initial_balance", 10000.0)
	v.SetDefault("simulation.volatility", 0.002)
	v.SetDefault("simulation.trend", 0.0)
	v.SetDefault("simulation.tick_interval", time.Second)
	v.SetDefault("simulation.order_failure_rate", 0.0)
	v.SetDefault("simulation.markets", map[string]float64{
		"BTC-PERP": 50000.0,
		"ETH-PERP": 3000.0,
		"SOL-PERP": 100.0,
		"SUI-PERP": 1.5,
	})

	// Trading defaults
	v.SetDefault("trading.enabled", true)
	v.SetDefault("trading.symbols", []string{"BTC-PERP"})
	v.SetDefault("trading.allowed_pairs", []string{"BTC-PERP", "ETH-PERP", "SOL-PERP", "SUI-PERP"})
	v.SetDefault("trading.interval", time.Hour)
	v.SetDefault("trading.leverage", 10.0)
	v.SetDefault("trading.order_type", "market")
	v.SetDefault("trading.trade_amount_percentage", 0.05)
	v.SetDefault("trading.max_open_positions", 3)
	v.SetDefault("trading.max_order_attempts", 3)
	v.SetDefault("trading.retry_base_delay", time.Second)
	v.SetDefault("trading.stop_loss_percentage", 0.015)
	v.SetDefault("trading.take_profit_percentage", 0.03)
	v.SetDefault("trading.trailing_stop_loss", true)

	// Risk defaults
	v.SetDefault("risk.max_risk_per_trade", 0.02)
	v.SetDefault("risk.max_total_risk", 0.10)
	v.SetDefault("risk.max_drawdown", 0.20)
	v.SetDefault("risk.max_position_size", 0.10)
	v.SetDefault("risk.liquidation_threshold", 0.04)
	v.SetDefault("risk.partial_close_percentage", 0.5)

	// Signal defaults
	v.SetDefault("signal.confidence_threshold", 0.8)
	v.SetDefault("signal.cache_size", 256)
	v.SetDefault("signal.cache_ttl", 5*time.Minute)
	v.SetDefault("signal.price_digits", 4)
	v.SetDefault("signal.source_url", "")
	v.SetDefault("signal.source_timeout", 30*time.Second)
	v.SetDefault("signal.replay_file", "")
	v.SetDefault("signal.webhook_default_confidence", 0.8)

	// Position defaults
	v.SetDefault("position.tick_interval", time.Second)
	v.SetDefault("position.health_check_interval", time.Minute)
	v.SetDefault("position.history_size", 100)
	v.SetDefault("position.order_log_size", 1000)

	// Webhook defaults
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.requests_per_minute", 60)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)

	// GCP defaults
	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	// Secret name defaults
	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.exchange_api_key", secretNames.ExchangeAPIKey)
	v.SetDefault("gcp.secret_names.exchange_api_secret", secretNames.ExchangeAPISecret)
	v.SetDefault("gcp.secret_names.exchange_passphrase", secretNames.ExchangePassphrase)
	v.SetDefault("gcp.secret_names.exchange_api_key_name", secretNames.ExchangeAPIKeyName)
	v.SetDefault("gcp.secret_names.exchange_private_key", secretNames.ExchangePrivateKey)
	v.SetDefault("gcp.secret_names.webhook_secret", secretNames.WebhookSecret)
}

func overrideFromEnv(config *Config) {
	// Exchange credentials from environment
	if apiKey := os.Getenv("EXCHANGE_API_KEY"); apiKey != "" {
		config.Exchange.APIKey = apiKey
	}
	if apiSecret := os.Getenv("EXCHANGE_API_SECRET"); apiSecret != "" {
		config.Exchange.APISecret = apiSecret
	}
	if passphrase := os.Getenv("EXCHANGE_PASSPHRASE"); passphrase != "" {
		config.Exchange.Passphrase = passphrase
	}
	if authType := os.Getenv("EXCHANGE_AUTH_TYPE"); authType != "" {
		config.Exchange.AuthType = authType
	}
	if apiKeyName := os.Getenv("EXCHANGE_API_KEY_NAME"); apiKeyName != "" {
		config.Exchange.APIKeyName = apiKeyName
	}
	if privateKey := os.Getenv("EXCHANGE_PRIVATE_KEY"); privateKey != "" {
		config.Exchange.PrivateKeyPEM = privateKey
	}

	if secret := os.Getenv("WEBHOOK_SECRET"); secret != "" {
		config.Webhook.Secret = secret
	}
	if mode := os.Getenv("SIMULATION_MODE"); mode != "" {
		config.Simulation.Enabled = mode == "true"
		if !config.Simulation.Enabled && config.Exchange.Backend == "simulated" {
			config.Exchange.Backend = "live"
		}
	}

	// GCP configuration from environment
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Trading.Leverage < 1:
		return fmt.Errorf("trading.leverage must be >= 1, got %v", c.Trading.Leverage)
	case c.Trading.TradeAmountPercentage <= 0 || c.Trading.TradeAmountPercentage > 1:
		return fmt.Errorf("trading.trade_amount_percentage must be in (0,1], got %v", c.Trading.TradeAmountPercentage)
	case c.Trading.MaxOrderAttempts < 1:
		return fmt.Errorf("trading.max_order_attempts must be >= 1, got %d", c.Trading.MaxOrderAttempts)
	case c.Trading.OrderType != "market" && c.Trading.OrderType != "limit":
		return fmt.Errorf("trading.order_type must be market or limit, got %q", c.Trading.OrderType)
	case c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown >= 1:
		return fmt.Errorf("risk.max_drawdown must be in (0,1), got %v", c.Risk.MaxDrawdown)
	case c.Risk.MaxRiskPerTrade <= 0:
		return fmt.Errorf("risk.max_risk_per_trade must be positive, got %v", c.Risk.MaxRiskPerTrade)
	case c.Risk.PartialClosePercentage <= 0 || c.Risk.PartialClosePercentage >= 1:
		return fmt.Errorf("risk.partial_close_percentage must be in (0,1), got %v", c.Risk.PartialClosePercentage)
	case c.Signal.ConfidenceThreshold < 0 || c.Signal.ConfidenceThreshold > 1:
		return fmt.Errorf("signal.confidence_threshold must be in [0,1], got %v", c.Signal.ConfidenceThreshold)
	case c.Position.HistorySize < 1:
		return fmt.Errorf("position.history_size must be >= 1, got %d", c.Position.HistorySize)
	case c.Exchange.Backend != "simulated" && c.Exchange.Backend != "live":
		return fmt.Errorf("exchange.backend must be simulated or live, got %q", c.Exchange.Backend)
	}
	return nil
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Only load secrets if they're not already set
	fill := func(dst *string, name string) {
		if *dst == "" {
			*dst = secretManager.GetSecretWithDefault(ctx, name, "")
		}
	}
	fill(&config.Exchange.APIKey, config.GCP.SecretNames.ExchangeAPIKey)
	fill(&config.Exchange.APISecret, config.GCP.SecretNames.ExchangeAPISecret)
	fill(&config.Exchange.Passphrase, config.GCP.SecretNames.ExchangePassphrase)
	fill(&config.Exchange.APIKeyName, config.GCP.SecretNames.ExchangeAPIKeyName)
	fill(&config.Exchange.PrivateKeyPEM, config.GCP.SecretNames.ExchangePrivateKey)
	fill(&config.Webhook.Secret, config.GCP.SecretNames.WebhookSecret)

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}
