package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rewired-gh/liqsentry/internal/alert"
	"github.com/rewired-gh/liqsentry/internal/models"
)

// Config represents the complete application configuration
type Config struct {
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Feeds      FeedsConfig      `mapstructure:"feeds"`
	Market     MarketConfig     `mapstructure:"market"`
	Scan       ScanConfig       `mapstructure:"scan"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Storage    StorageConfig    `mapstructure:"storage"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// LedgerConfig holds the lending pool connection
type LedgerConfig struct {
	RPCURL                      string        `mapstructure:"rpc_url"`
	PoolAddress                 string        `mapstructure:"pool_address"`
	StartBlock                  uint64        `mapstructure:"start_block"`
	LogChunkSize                uint64        `mapstructure:"log_chunk_size"`
	Confirmations               uint64        `mapstructure:"confirmations"`
	PollInterval                time.Duration `mapstructure:"poll_interval"`
	DefaultLiquidationThreshold float64       `mapstructure:"default_liquidation_threshold"`
	Asset                       string        `mapstructure:"asset"`
}

// FeedsConfig holds the price and risk provider endpoints
type FeedsConfig struct {
	PriceAPIURL    string        `mapstructure:"price_api_url"`
	RiskAPIURL     string        `mapstructure:"risk_api_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	Assets         []string      `mapstructure:"assets"`
}

// MarketConfig holds market cache behaviour
type MarketConfig struct {
	RefreshInterval           time.Duration `mapstructure:"refresh_interval"`
	VolatilityWindow          time.Duration `mapstructure:"volatility_window"`
	StaleAfter                time.Duration `mapstructure:"stale_after"`
	VolatilityAlertMultiplier float64       `mapstructure:"volatility_alert_multiplier"`
}

// ScanConfig holds scan scheduling
type ScanConfig struct {
	FullScanInterval time.Duration `mapstructure:"full_scan_interval"`
	RecheckInterval  time.Duration `mapstructure:"recheck_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	BatchPause       time.Duration `mapstructure:"batch_pause"`
	Workers          int           `mapstructure:"workers"`
	CheckTimeout     time.Duration `mapstructure:"check_timeout"`
}

// TierConfig is one row of the health factor threshold table
type TierConfig struct {
	Name     string        `mapstructure:"name"`
	Below    float64       `mapstructure:"below"`
	Type     string        `mapstructure:"type"`
	Severity string        `mapstructure:"severity"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// AlertsConfig holds dispatch policy
type AlertsConfig struct {
	Tiers                []TierConfig  `mapstructure:"tiers"`
	RecheckTier          string        `mapstructure:"recheck_tier"`
	MinSeverity          string        `mapstructure:"min_severity"`
	PredictedProbability float64       `mapstructure:"predicted_probability"`
	PredictedCooldown    time.Duration `mapstructure:"predicted_cooldown"`
	HighRiskScore        int           `mapstructure:"high_risk_score"`
	RiskCooldown         time.Duration `mapstructure:"risk_cooldown"`
	VolatilityCooldown   time.Duration `mapstructure:"volatility_cooldown"`
	QueueSize            int           `mapstructure:"queue_size"`
	HistorySize          int           `mapstructure:"history_size"`
}

// SimulationConfig holds Monte Carlo parameters
type SimulationConfig struct {
	Paths                   int     `mapstructure:"paths"`
	Days                    int     `mapstructure:"days"`
	ScanScenario            string  `mapstructure:"scan_scenario"`
	StressTargetProbability float64 `mapstructure:"stress_target_probability"`
	Seed                    uint64  `mapstructure:"seed"` // 0 = secure seed per call
	SamplePaths             int     `mapstructure:"sample_paths"`
}

// TrackerConfig holds position tracking
type TrackerConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// NATSConfig holds the alert publication target
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Enabled bool   `mapstructure:"enabled"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath              string        `mapstructure:"db_path"`
	AlertRetention      time.Duration `mapstructure:"alert_retention"`
	MaintenanceSchedule string        `mapstructure:"maintenance_schedule"`
	CheckpointInterval  time.Duration `mapstructure:"checkpoint_interval"`
}

// APIConfig holds the HTTP surface
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Enabled    bool   `mapstructure:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	setDefaults(v)

	// LIQSENTRY_SCAN_BATCH_SIZE overrides scan.batch_size
	v.SetEnvPrefix("LIQSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Ledger defaults
	v.SetDefault("ledger.log_chunk_size", 2000)
	v.SetDefault("ledger.confirmations", 3)
	v.SetDefault("ledger.poll_interval", "15s")
	v.SetDefault("ledger.default_liquidation_threshold", 1.0)
	v.SetDefault("ledger.asset", "ETH")

	// Feeds defaults
	v.SetDefault("feeds.timeout", "10s")
	v.SetDefault("feeds.max_retries", 3)
	v.SetDefault("feeds.retry_delay_base", "1s")
	v.SetDefault("feeds.assets", []string{"ETH"})

	// Market defaults
	v.SetDefault("market.refresh_interval", "1m")
	v.SetDefault("market.volatility_window", "24h")
	v.SetDefault("market.stale_after", "5m")
	v.SetDefault("market.volatility_alert_multiplier", 2.0)

	// Scan defaults
	v.SetDefault("scan.full_scan_interval", "600s")
	v.SetDefault("scan.recheck_interval", "30s")
	v.SetDefault("scan.batch_size", 100)
	v.SetDefault("scan.batch_pause", "500ms")
	v.SetDefault("scan.workers", 8)
	v.SetDefault("scan.check_timeout", "20s")

	// Alert defaults
	v.SetDefault("alerts.tiers", []map[string]any{
		{"name": "severe", "below": 1.05, "type": string(models.AlertLiquidationImminent), "severity": "critical", "cooldown": "5m"},
		{"name": "high", "below": 1.1, "type": string(models.AlertLowHealthFactor), "severity": "warning", "cooldown": "30m"},
		{"name": "medium", "below": 1.2, "type": string(models.AlertHealthFactorWarning), "severity": "warning", "cooldown": "2h"},
		{"name": "low", "below": 1.5, "type": string(models.AlertHealthFactorWatch), "severity": "info", "cooldown": "24h"},
	})
	v.SetDefault("alerts.recheck_tier", "high")
	v.SetDefault("alerts.min_severity", "warning")
	v.SetDefault("alerts.predicted_probability", 0.3)
	v.SetDefault("alerts.predicted_cooldown", "1h")
	v.SetDefault("alerts.high_risk_score", 70)
	v.SetDefault("alerts.risk_cooldown", "6h")
	v.SetDefault("alerts.volatility_cooldown", "1h")
	v.SetDefault("alerts.queue_size", 256)
	v.SetDefault("alerts.history_size", 20)

	// Simulation defaults
	v.SetDefault("simulation.paths", 10000)
	v.SetDefault("simulation.days", 7)
	v.SetDefault("simulation.scan_scenario", "normal")
	v.SetDefault("simulation.stress_target_probability", 0.05)
	v.SetDefault("simulation.seed", 0)
	v.SetDefault("simulation.sample_paths", 0)

	v.SetDefault("tracker.history_size", 48)

	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject", "liqsentry.alerts")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/liqsentry.db")
	v.SetDefault("storage.alert_retention", "720h")
	v.SetDefault("storage.maintenance_schedule", "@every 1h")
	v.SetDefault("storage.checkpoint_interval", "5m")

	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.enabled", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Ledger
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger.rpc_url is required")
	}
	if c.Ledger.PoolAddress == "" {
		return fmt.Errorf("ledger.pool_address is required")
	}
	if c.Ledger.LogChunkSize < 1 {
		return fmt.Errorf("ledger.log_chunk_size must be at least 1")
	}
	if c.Ledger.PollInterval < time.Second {
		return fmt.Errorf("ledger.poll_interval must be at least 1 second")
	}
	if c.Ledger.DefaultLiquidationThreshold <= 0 {
		return fmt.Errorf("ledger.default_liquidation_threshold must be positive")
	}

	// Feeds
	if c.Feeds.PriceAPIURL == "" {
		return fmt.Errorf("feeds.price_api_url is required")
	}
	if c.Feeds.MaxRetries < 1 {
		return fmt.Errorf("feeds.max_retries must be at least 1")
	}
	if len(c.Feeds.Assets) == 0 {
		return fmt.Errorf("feeds.assets must contain at least one asset")
	}

	// Market
	if c.Market.RefreshInterval < time.Second {
		return fmt.Errorf("market.refresh_interval must be at least 1 second")
	}
	if c.Market.VolatilityWindow < time.Minute {
		return fmt.Errorf("market.volatility_window must be at least 1 minute")
	}
	if c.Market.VolatilityAlertMultiplier < 0 {
		return fmt.Errorf("market.volatility_alert_multiplier must not be negative")
	}

	// Scan
	if c.Scan.FullScanInterval < 300*time.Second || c.Scan.FullScanInterval > 3600*time.Second {
		return fmt.Errorf("scan.full_scan_interval must be between 300s and 3600s")
	}
	if c.Scan.RecheckInterval <= 0 || c.Scan.RecheckInterval > 60*time.Second {
		return fmt.Errorf("scan.recheck_interval must be between 1ns and 60s")
	}
	if c.Scan.BatchSize < 1 {
		return fmt.Errorf("scan.batch_size must be at least 1")
	}
	if c.Scan.BatchPause < 0 {
		return fmt.Errorf("scan.batch_pause must not be negative")
	}
	if c.Scan.Workers < 1 {
		return fmt.Errorf("scan.workers must be at least 1")
	}

	// Alerts
	dc, err := c.DispatcherConfig()
	if err != nil {
		return err
	}
	found := false
	for _, t := range dc.Tiers {
		if t.Name == c.Alerts.RecheckTier {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("alerts.recheck_tier %q does not name a tier", c.Alerts.RecheckTier)
	}
	if c.Alerts.PredictedProbability < 0 || c.Alerts.PredictedProbability > 1 {
		return fmt.Errorf("alerts.predicted_probability must be between 0.0 and 1.0")
	}
	if c.Alerts.HighRiskScore < 0 || c.Alerts.HighRiskScore > 100 {
		return fmt.Errorf("alerts.high_risk_score must be between 0 and 100")
	}
	if c.Alerts.PredictedCooldown <= 0 || c.Alerts.RiskCooldown <= 0 || c.Alerts.VolatilityCooldown <= 0 {
		return fmt.Errorf("alerts cooldowns must be positive")
	}

	// Simulation
	if c.Simulation.Paths < 1 {
		return fmt.Errorf("simulation.paths must be at least 1")
	}
	if c.Simulation.Days < 1 {
		return fmt.Errorf("simulation.days must be at least 1")
	}
	if c.Simulation.ScanScenario == "" {
		return fmt.Errorf("simulation.scan_scenario is required")
	}
	if c.Simulation.StressTargetProbability <= 0 || c.Simulation.StressTargetProbability >= 1 {
		return fmt.Errorf("simulation.stress_target_probability must be between 0.0 and 1.0 exclusive")
	}
	if c.Simulation.SamplePaths < 0 {
		return fmt.Errorf("simulation.sample_paths must not be negative")
	}

	if c.Tracker.HistorySize < 1 {
		return fmt.Errorf("tracker.history_size must be at least 1")
	}

	// Telegram
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}

	// Storage
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.AlertRetention < time.Hour {
		return fmt.Errorf("storage.alert_retention must be at least 1 hour")
	}
	if c.Storage.MaintenanceSchedule == "" {
		return fmt.Errorf("storage.maintenance_schedule is required")
	}
	if c.Storage.CheckpointInterval < time.Minute {
		return fmt.Errorf("storage.checkpoint_interval must be at least 1 minute")
	}

	if c.API.Enabled && c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required when the api is enabled")
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// DispatcherConfig converts the alerts section into the dispatcher policy, validating
// the threshold table.
func (c *Config) DispatcherConfig() (alert.Config, error) {
	minSev, err := models.ParseSeverity(c.Alerts.MinSeverity)
	if err != nil {
		return alert.Config{}, fmt.Errorf("alerts.min_severity: %w", err)
	}
	tiers := make([]alert.Tier, 0, len(c.Alerts.Tiers))
	for i, t := range c.Alerts.Tiers {
		sev, err := models.ParseSeverity(t.Severity)
		if err != nil {
			return alert.Config{}, fmt.Errorf("alerts.tiers[%d]: %w", i, err)
		}
		tiers = append(tiers, alert.Tier{
			Name:     t.Name,
			Below:    t.Below,
			Type:     models.AlertType(strings.ToUpper(t.Type)),
			Severity: sev,
			Cooldown: t.Cooldown,
		})
	}
	if err := alert.ValidateTiers(tiers); err != nil {
		return alert.Config{}, fmt.Errorf("alerts.tiers: %w", err)
	}
	return alert.Config{
		Tiers:                tiers,
		MinSeverity:          minSev,
		PredictedProbability: c.Alerts.PredictedProbability,
		PredictedCooldown:    c.Alerts.PredictedCooldown,
		HighRiskScore:        c.Alerts.HighRiskScore,
		RiskCooldown:         c.Alerts.RiskCooldown,
		VolatilityCooldown:   c.Alerts.VolatilityCooldown,
		HistorySize:          c.Alerts.HistorySize,
	}, nil
}
