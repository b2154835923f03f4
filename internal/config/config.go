// Package config defines the top-level configuration for the perp engine and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PERPBOT_* environment variables.
type Config struct {
	Venue     VenueConfig     `toml:"venue"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Engine    EngineConfig    `toml:"engine"`
	Allocator AllocatorConfig `toml:"allocator"`
	Risk      RiskConfig      `toml:"risk"`
	Monitor   MonitorConfig   `toml:"monitor"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// VenueConfig holds derivatives-venue API endpoints and credentials.
type VenueConfig struct {
	BaseURL     string   `toml:"base_url"`
	WsURL       string   `toml:"ws_url"`
	ApiKey      string   `toml:"api_key"`
	ApiSecret   string   `toml:"api_secret"`
	Account     string   `toml:"account"`
	Symbols     []string `toml:"symbols"`
	CallTimeout duration `toml:"call_timeout"`
	// CallsPerSecond caps outbound REST requests across all tasks.
	CallsPerSecond int `toml:"calls_per_second"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for cold archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EngineConfig holds cadences and operational parameters of the main loop.
type EngineConfig struct {
	TickInterval       duration `toml:"tick_interval"`
	ReconcileInterval  duration `toml:"reconcile_interval"`
	ProtectionInterval duration `toml:"protection_interval"`
	// PendingEntryGrace is how long an unfilled PENDING_ENTRY row may sit
	// without a matching venue order before reconciliation aborts it.
	PendingEntryGrace duration `toml:"pending_entry_grace"`
	IntentLookback    duration `toml:"intent_lookback"`
	SymbolWorkers      int      `toml:"symbol_workers"`
	// UnmanagedPolicy is what the reconciler does with exchange positions the
	// registry does not know: "adopt" or "force_close".
	UnmanagedPolicy string `toml:"unmanaged_policy"`
	// AdoptProtectImmediately places protective orders during adoption rather
	// than deferring to the next protection pass.
	AdoptProtectImmediately bool `toml:"adopt_protect_immediately"`
	ArchiveRetentionDays    int  `toml:"archive_retention_days"`
	DryRun                  bool `toml:"dry_run"`
}

// AllocatorConfig holds the admission-auction caps.
type AllocatorConfig struct {
	MaxPerSymbol      int      `toml:"max_per_symbol"`
	MaxReductions     int      `toml:"max_reductions"`
	MaxMarginFreed    float64  `toml:"max_margin_freed"`
	CooldownAfterTrim duration `toml:"cooldown_after_trim"`
	MinScore          float64  `toml:"min_score"`
	// ReplaceThreshold is the score margin a candidate must beat the weakest
	// open position by before a replacement trim is planned.
	ReplaceThreshold float64 `toml:"replace_threshold"`
}

// RiskConfig holds the pure-validator limits.
type RiskConfig struct {
	RiskPerTradePct   float64  `toml:"risk_per_trade_pct"`
	MaxLeverage       float64  `toml:"max_leverage"`
	MaxPositions      int      `toml:"max_positions"`
	MaxPositionMargin float64  `toml:"max_position_margin"`
	MaxUtilization    float64  `toml:"max_utilization"`
	MinNotional       float64  `toml:"min_notional"`
	SnapshotMaxAge    duration `toml:"snapshot_max_age"`
	StopLossPct       float64  `toml:"stop_loss_pct"`
	TP1Pct            float64  `toml:"tp1_pct"`
	TP2Pct            float64  `toml:"tp2_pct"`
	TP1SizeFraction   float64  `toml:"tp1_size_fraction"`
	TP2SizeFraction   float64  `toml:"tp2_size_fraction"`
}

// MonitorConfig holds invariant-monitor thresholds. Each limit has a warning
// and a critical level; two warnings degrade, one critical halts, and
// critical drawdown escalates to emergency flatten.
type MonitorConfig struct {
	DrawdownWarnPct      float64 `toml:"drawdown_warn_pct"`
	DrawdownCriticalPct  float64 `toml:"drawdown_critical_pct"`
	DrawdownEmergencyPct float64 `toml:"drawdown_emergency_pct"`
	NotionalWarn         float64 `toml:"notional_warn"`
	NotionalCritical     float64 `toml:"notional_critical"`
	UtilizationWarn      float64 `toml:"utilization_warn"`
	UtilizationCritical  float64 `toml:"utilization_critical"`
	RejectRateWarn       float64 `toml:"reject_rate_warn"`
	RejectRateCritical   float64 `toml:"reject_rate_critical"`
	APIErrorRateWarn     float64 `toml:"api_error_rate_warn"`
	APIErrorRateCritical float64 `toml:"api_error_rate_critical"`
	DegradedSizingFactor float64 `toml:"degraded_sizing_factor"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Venue: VenueConfig{
			BaseURL:        "https://futures.kraken.com",
			WsURL:          "wss://futures.kraken.com/ws/v1",
			Account:        "main",
			CallTimeout:    duration{10 * time.Second},
			CallsPerSecond: 10,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "perpbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "perpbot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			TickInterval:            duration{time.Minute},
			ReconcileInterval:       duration{120 * time.Second},
			ProtectionInterval:      duration{30 * time.Second},
			PendingEntryGrace:       duration{5 * time.Minute},
			IntentLookback:          duration{24 * time.Hour},
			SymbolWorkers:           20,
			UnmanagedPolicy:         "adopt",
			AdoptProtectImmediately: true,
			ArchiveRetentionDays:    90,
			DryRun:                  false,
		},
		Allocator: AllocatorConfig{
			MaxPerSymbol:      1,
			MaxReductions:     3,
			MaxMarginFreed:    2_000,
			CooldownAfterTrim: duration{15 * time.Minute},
			MinScore:          0.0,
			ReplaceThreshold:  0.15,
		},
		Risk: RiskConfig{
			RiskPerTradePct:   1.0,
			MaxLeverage:       5,
			MaxPositions:      10,
			MaxPositionMargin: 2_000,
			MaxUtilization:    0.8,
			MinNotional:       10,
			SnapshotMaxAge:    duration{60 * time.Second},
			StopLossPct:       2.0,
			TP1Pct:            1.5,
			TP2Pct:            3.0,
			TP1SizeFraction:   0.4,
			TP2SizeFraction:   0.3,
		},
		Monitor: MonitorConfig{
			DrawdownWarnPct:      5,
			DrawdownCriticalPct:  10,
			DrawdownEmergencyPct: 15,
			NotionalWarn:         50_000,
			NotionalCritical:     100_000,
			UtilizationWarn:      0.7,
			UtilizationCritical:  0.9,
			RejectRateWarn:       0.2,
			RejectRateCritical:   0.5,
			APIErrorRateWarn:     0.1,
			APIErrorRateCritical: 0.3,
			DegradedSizingFactor: 0.5,
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":     true,
	"reconcile": true,
	"monitor":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validUnmanagedPolicies enumerates reconciler policies for unmanaged
// exchange positions.
var validUnmanagedPolicies = map[string]bool{
	"adopt":       true,
	"force_close": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, reconcile, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Venue - credentials required for any mode that submits or cancels.
	if c.Mode == "trade" || c.Mode == "reconcile" {
		if c.Venue.ApiKey == "" || c.Venue.ApiSecret == "" {
			errs = append(errs, "venue: api_key and api_secret are required for mode "+c.Mode)
		}
	}
	if c.Venue.BaseURL == "" {
		errs = append(errs, "venue: base_url must not be empty")
	}
	if c.Venue.CallTimeout.Duration <= 0 {
		errs = append(errs, "venue: call_timeout must be positive")
	}
	if c.Venue.CallsPerSecond < 1 {
		errs = append(errs, "venue: calls_per_second must be >= 1")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Engine
	if c.Engine.TickInterval.Duration <= 0 {
		errs = append(errs, "engine: tick_interval must be positive")
	}
	if c.Engine.ReconcileInterval.Duration <= 0 {
		errs = append(errs, "engine: reconcile_interval must be positive")
	}
	if c.Engine.PendingEntryGrace.Duration <= 0 {
		errs = append(errs, "engine: pending_entry_grace must be positive")
	}
	if c.Engine.IntentLookback.Duration <= 0 {
		errs = append(errs, "engine: intent_lookback must be positive")
	}
	if c.Engine.SymbolWorkers < 1 {
		errs = append(errs, "engine: symbol_workers must be >= 1")
	}
	if !validUnmanagedPolicies[c.Engine.UnmanagedPolicy] {
		errs = append(errs, fmt.Sprintf("engine: unmanaged_policy must be \"adopt\" or \"force_close\", got %q", c.Engine.UnmanagedPolicy))
	}

	// Allocator
	if c.Allocator.MaxPerSymbol < 1 {
		errs = append(errs, "allocator: max_per_symbol must be >= 1")
	}
	if c.Allocator.MaxReductions < 0 {
		errs = append(errs, "allocator: max_reductions must be >= 0")
	}
	if c.Allocator.MaxMarginFreed < 0 {
		errs = append(errs, "allocator: max_margin_freed must be >= 0")
	}

	// Risk
	if c.Risk.RiskPerTradePct <= 0 || c.Risk.RiskPerTradePct > 100 {
		errs = append(errs, "risk: risk_per_trade_pct must be in (0, 100]")
	}
	if c.Risk.MaxLeverage < 1 {
		errs = append(errs, "risk: max_leverage must be >= 1")
	}
	if c.Risk.MaxPositions < 1 {
		errs = append(errs, "risk: max_positions must be >= 1")
	}
	if c.Risk.MaxUtilization <= 0 || c.Risk.MaxUtilization > 1 {
		errs = append(errs, "risk: max_utilization must be in (0, 1]")
	}
	if c.Risk.MinNotional <= 0 {
		errs = append(errs, "risk: min_notional must be > 0")
	}
	if c.Risk.TP1SizeFraction+c.Risk.TP2SizeFraction >= 1 {
		errs = append(errs, "risk: tp1_size_fraction + tp2_size_fraction must be < 1")
	}

	// Monitor - warning levels must sit below their critical levels.
	if c.Monitor.DrawdownWarnPct >= c.Monitor.DrawdownCriticalPct {
		errs = append(errs, "monitor: drawdown_warn_pct must be below drawdown_critical_pct")
	}
	if c.Monitor.DrawdownCriticalPct >= c.Monitor.DrawdownEmergencyPct {
		errs = append(errs, "monitor: drawdown_critical_pct must be below drawdown_emergency_pct")
	}
	if c.Monitor.UtilizationWarn >= c.Monitor.UtilizationCritical {
		errs = append(errs, "monitor: utilization_warn must be below utilization_critical")
	}
	if c.Monitor.DegradedSizingFactor <= 0 || c.Monitor.DegradedSizingFactor > 1 {
		errs = append(errs, "monitor: degraded_sizing_factor must be in (0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
