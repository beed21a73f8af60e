package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rewired-gh/liqsentry/internal/models"
)

const minimalConfig = `
ledger:
  rpc_url: "http://127.0.0.1:8545"
  pool_address: "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"

feeds:
  price_api_url: "http://127.0.0.1:9000"
  risk_api_url: "http://127.0.0.1:9001"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func loadValid(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return cfg
}

func TestLoadAndValidate(t *testing.T) {
	content := minimalConfig + `
scan:
  full_scan_interval: 15m
  recheck_interval: 20s
  batch_size: 50

alerts:
  min_severity: info
  recheck_tier: severe
  tiers:
    - name: severe
      below: 1.02
      type: liquidation_imminent
      severity: critical
      cooldown: 1m
    - name: watch
      below: 1.3
      type: HEALTH_FACTOR_WATCH
      severity: info
      cooldown: 12h

simulation:
  paths: 2000
  days: 14

telegram:
  bot_token: "test_token"
  chat_id: "test_chat_id"
  enabled: true

logging:
  level: "debug"
  format: "text"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Scan.FullScanInterval != 15*time.Minute {
		t.Errorf("Unexpected full scan interval: %v", cfg.Scan.FullScanInterval)
	}
	if cfg.Scan.RecheckInterval != 20*time.Second {
		t.Errorf("Unexpected recheck interval: %v", cfg.Scan.RecheckInterval)
	}
	if cfg.Scan.BatchSize != 50 {
		t.Errorf("Unexpected batch size: %d", cfg.Scan.BatchSize)
	}
	if cfg.Simulation.Paths != 2000 || cfg.Simulation.Days != 14 {
		t.Errorf("Unexpected simulation settings: %+v", cfg.Simulation)
	}
	if len(cfg.Alerts.Tiers) != 2 {
		t.Fatalf("Expected 2 tiers, got %d", len(cfg.Alerts.Tiers))
	}
	if cfg.Alerts.Tiers[1].Cooldown != 12*time.Hour {
		t.Errorf("Unexpected tier cooldown: %v", cfg.Alerts.Tiers[1].Cooldown)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}

	dc, err := cfg.DispatcherConfig()
	if err != nil {
		t.Fatalf("DispatcherConfig failed: %v", err)
	}
	if dc.MinSeverity != models.SeverityInfo {
		t.Errorf("Unexpected min severity: %v", dc.MinSeverity)
	}
	if dc.Tiers[0].Type != models.AlertLiquidationImminent {
		t.Errorf("Expected alert type to be upper-cased, got %s", dc.Tiers[0].Type)
	}
	if dc.Tiers[0].Severity != models.SeverityCritical {
		t.Errorf("Unexpected tier severity: %v", dc.Tiers[0].Severity)
	}
}

func TestDefaults(t *testing.T) {
	cfg := loadValid(t)

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Scan.FullScanInterval != 10*time.Minute {
		t.Errorf("Unexpected default full scan interval: %v", cfg.Scan.FullScanInterval)
	}
	if cfg.Scan.RecheckInterval != 30*time.Second {
		t.Errorf("Unexpected default recheck interval: %v", cfg.Scan.RecheckInterval)
	}
	if cfg.Simulation.Paths != 10000 || cfg.Simulation.Days != 7 {
		t.Errorf("Unexpected default simulation settings: %+v", cfg.Simulation)
	}

	dc, err := cfg.DispatcherConfig()
	if err != nil {
		t.Fatalf("DispatcherConfig failed: %v", err)
	}
	wantBelow := []float64{1.05, 1.1, 1.2, 1.5}
	if len(dc.Tiers) != len(wantBelow) {
		t.Fatalf("Expected %d default tiers, got %d", len(wantBelow), len(dc.Tiers))
	}
	for i, b := range wantBelow {
		if dc.Tiers[i].Below != b {
			t.Errorf("tier %d: expected below %v, got %v", i, b, dc.Tiers[i].Below)
		}
	}
	if dc.Tiers[0].Cooldown != 5*time.Minute || dc.Tiers[3].Cooldown != 24*time.Hour {
		t.Errorf("Unexpected default cooldowns: %v / %v", dc.Tiers[0].Cooldown, dc.Tiers[3].Cooldown)
	}
	if dc.MinSeverity != models.SeverityWarning {
		t.Errorf("Unexpected default min severity: %v", dc.MinSeverity)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LIQSENTRY_SCAN_BATCH_SIZE", "25")
	t.Setenv("LIQSENTRY_LOGGING_LEVEL", "warn")

	cfg := loadValid(t)
	if cfg.Scan.BatchSize != 25 {
		t.Errorf("Expected env override of batch size, got %d", cfg.Scan.BatchSize)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected env override of log level, got %s", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/liqsentry.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing rpc url", func(c *Config) { c.Ledger.RPCURL = "" }, "ledger.rpc_url"},
		{"missing pool", func(c *Config) { c.Ledger.PoolAddress = "" }, "ledger.pool_address"},
		{"missing price api", func(c *Config) { c.Feeds.PriceAPIURL = "" }, "feeds.price_api_url"},
		{"no assets", func(c *Config) { c.Feeds.Assets = nil }, "feeds.assets"},
		{"full scan too short", func(c *Config) { c.Scan.FullScanInterval = 299 * time.Second }, "full_scan_interval"},
		{"full scan too long", func(c *Config) { c.Scan.FullScanInterval = 3601 * time.Second }, "full_scan_interval"},
		{"recheck too long", func(c *Config) { c.Scan.RecheckInterval = 61 * time.Second }, "recheck_interval"},
		{"zero batch", func(c *Config) { c.Scan.BatchSize = 0 }, "batch_size"},
		{"zero workers", func(c *Config) { c.Scan.Workers = 0 }, "workers"},
		{"bad min severity", func(c *Config) { c.Alerts.MinSeverity = "loud" }, "min_severity"},
		{"unordered tiers", func(c *Config) {
			c.Alerts.Tiers[0].Below, c.Alerts.Tiers[1].Below = c.Alerts.Tiers[1].Below, c.Alerts.Tiers[0].Below
		}, "alerts.tiers"},
		{"bad tier severity", func(c *Config) { c.Alerts.Tiers[0].Severity = "urgent" }, "alerts.tiers[0]"},
		{"unknown recheck tier", func(c *Config) { c.Alerts.RecheckTier = "nope" }, "recheck_tier"},
		{"probability above one", func(c *Config) { c.Alerts.PredictedProbability = 1.5 }, "predicted_probability"},
		{"risk score above 100", func(c *Config) { c.Alerts.HighRiskScore = 101 }, "high_risk_score"},
		{"zero paths", func(c *Config) { c.Simulation.Paths = 0 }, "simulation.paths"},
		{"zero days", func(c *Config) { c.Simulation.Days = 0 }, "simulation.days"},
		{"bad stress target", func(c *Config) { c.Simulation.StressTargetProbability = 1 }, "stress_target_probability"},
		{"zero tracker history", func(c *Config) { c.Tracker.HistorySize = 0 }, "tracker.history_size"},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true; c.Telegram.ChatID = "1" }, "telegram.bot_token"},
		{"nats without url", func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "" }, "nats.url"},
		{"short retention", func(c *Config) { c.Storage.AlertRetention = time.Minute }, "alert_retention"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadValid(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
