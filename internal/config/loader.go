package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PERPBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PERPBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Venue ──
	setStr(&cfg.Venue.BaseURL, "PERPBOT_VENUE_BASE_URL")
	setStr(&cfg.Venue.WsURL, "PERPBOT_VENUE_WS_URL")
	setStr(&cfg.Venue.ApiKey, "PERPBOT_VENUE_API_KEY")
	setStr(&cfg.Venue.ApiSecret, "PERPBOT_VENUE_API_SECRET")
	setStr(&cfg.Venue.Account, "PERPBOT_VENUE_ACCOUNT")
	setStringSlice(&cfg.Venue.Symbols, "PERPBOT_VENUE_SYMBOLS")
	setDuration(&cfg.Venue.CallTimeout, "PERPBOT_VENUE_CALL_TIMEOUT")
	setInt(&cfg.Venue.CallsPerSecond, "PERPBOT_VENUE_CALLS_PER_SECOND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PERPBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PERPBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PERPBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PERPBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PERPBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PERPBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PERPBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PERPBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PERPBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PERPBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PERPBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PERPBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PERPBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PERPBOT_S3_FORCE_PATH_STYLE")

	// ── Engine ──
	setDuration(&cfg.Engine.TickInterval, "PERPBOT_ENGINE_TICK_INTERVAL")
	setDuration(&cfg.Engine.ReconcileInterval, "PERPBOT_ENGINE_RECONCILE_INTERVAL")
	setDuration(&cfg.Engine.PendingEntryGrace, "PERPBOT_ENGINE_PENDING_ENTRY_GRACE")
	setDuration(&cfg.Engine.ProtectionInterval, "PERPBOT_ENGINE_PROTECTION_INTERVAL")
	setDuration(&cfg.Engine.IntentLookback, "PERPBOT_ENGINE_INTENT_LOOKBACK")
	setInt(&cfg.Engine.SymbolWorkers, "PERPBOT_ENGINE_SYMBOL_WORKERS")
	setStr(&cfg.Engine.UnmanagedPolicy, "PERPBOT_ENGINE_UNMANAGED_POLICY")
	setBool(&cfg.Engine.AdoptProtectImmediately, "PERPBOT_ENGINE_ADOPT_PROTECT_IMMEDIATELY")
	setInt(&cfg.Engine.ArchiveRetentionDays, "PERPBOT_ENGINE_ARCHIVE_RETENTION_DAYS")
	setBool(&cfg.Engine.DryRun, "PERPBOT_ENGINE_DRY_RUN")

	// ── Allocator ──
	setInt(&cfg.Allocator.MaxPerSymbol, "PERPBOT_ALLOCATOR_MAX_PER_SYMBOL")
	setInt(&cfg.Allocator.MaxReductions, "PERPBOT_ALLOCATOR_MAX_REDUCTIONS")
	setFloat64(&cfg.Allocator.MaxMarginFreed, "PERPBOT_ALLOCATOR_MAX_MARGIN_FREED")
	setDuration(&cfg.Allocator.CooldownAfterTrim, "PERPBOT_ALLOCATOR_COOLDOWN_AFTER_TRIM")
	setFloat64(&cfg.Allocator.MinScore, "PERPBOT_ALLOCATOR_MIN_SCORE")
	setFloat64(&cfg.Allocator.ReplaceThreshold, "PERPBOT_ALLOCATOR_REPLACE_THRESHOLD")

	// ── Risk ──
	setFloat64(&cfg.Risk.RiskPerTradePct, "PERPBOT_RISK_PER_TRADE_PCT")
	setFloat64(&cfg.Risk.MaxLeverage, "PERPBOT_RISK_MAX_LEVERAGE")
	setInt(&cfg.Risk.MaxPositions, "PERPBOT_RISK_MAX_POSITIONS")
	setFloat64(&cfg.Risk.MaxPositionMargin, "PERPBOT_RISK_MAX_POSITION_MARGIN")
	setFloat64(&cfg.Risk.MaxUtilization, "PERPBOT_RISK_MAX_UTILIZATION")
	setFloat64(&cfg.Risk.MinNotional, "PERPBOT_RISK_MIN_NOTIONAL")
	setDuration(&cfg.Risk.SnapshotMaxAge, "PERPBOT_RISK_SNAPSHOT_MAX_AGE")
	setFloat64(&cfg.Risk.StopLossPct, "PERPBOT_RISK_STOP_LOSS_PCT")
	setFloat64(&cfg.Risk.TP1Pct, "PERPBOT_RISK_TP1_PCT")
	setFloat64(&cfg.Risk.TP2Pct, "PERPBOT_RISK_TP2_PCT")

	// ── Monitor ──
	setFloat64(&cfg.Monitor.DrawdownWarnPct, "PERPBOT_MONITOR_DRAWDOWN_WARN_PCT")
	setFloat64(&cfg.Monitor.DrawdownCriticalPct, "PERPBOT_MONITOR_DRAWDOWN_CRITICAL_PCT")
	setFloat64(&cfg.Monitor.DrawdownEmergencyPct, "PERPBOT_MONITOR_DRAWDOWN_EMERGENCY_PCT")
	setFloat64(&cfg.Monitor.NotionalWarn, "PERPBOT_MONITOR_NOTIONAL_WARN")
	setFloat64(&cfg.Monitor.NotionalCritical, "PERPBOT_MONITOR_NOTIONAL_CRITICAL")
	setFloat64(&cfg.Monitor.UtilizationWarn, "PERPBOT_MONITOR_UTILIZATION_WARN")
	setFloat64(&cfg.Monitor.UtilizationCritical, "PERPBOT_MONITOR_UTILIZATION_CRITICAL")

	// ── Top-level ──
	setStr(&cfg.Mode, "PERPBOT_MODE")
	setStr(&cfg.LogLevel, "PERPBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
