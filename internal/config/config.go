// Package config provides configuration management functionality.
//
// All knobs are resolved once at startup from environment variables (plus an
// optional .env file) into a typed Config. Components receive the section they
// need; nothing reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the database (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	Autonomy  AutonomyConfig
	Heartbeat HeartbeatConfig
	Execution ExecutionConfig
	Wallet    WalletConfig
	Exchange  ExchangeConfig
	Alerts    AlertsConfig
	EventScan EventScanConfig
}

// AutonomyConfig gates autonomous trade entries.
type AutonomyConfig struct {
	Enabled             bool    // Master switch for autonomy gates
	FullAuto            bool    // Permits live execution vs observation-only
	MaxTradesPerDay     int     // Daily cap in the global trade gate
	MaxTradesPerScan    int     // Per-scan cap (tightened by adaptation)
	ScanIntervalSeconds int     // Discovery cadence; also minimum observation TTL base
	ProbeRiskFraction   float64 // Probe size as fraction of the daily spending limit
	MinEdge             float64 // Minimum expected edge for an entry

	NewsEntry         NewsEntryConfig
	SignalPerformance SignalPerformanceConfig
}

// NewsEntryConfig holds the thresholds of the news entry gate.
type NewsEntryConfig struct {
	MinNovelty      float64
	MinConfirmation float64
	MinLiquidity    float64
	MinVolatility   float64
	MinSourceCount  int
}

// SignalPerformanceConfig guards entries on historical per-class performance.
type SignalPerformanceConfig struct {
	MinSharpe  float64
	MinSamples int
}

// HeartbeatConfig controls the open-position supervisor.
type HeartbeatConfig struct {
	Enabled             bool
	TickIntervalSeconds int
	RollingBufferSize   int // Ring capacity, clamped to 10..1000

	Triggers TriggerConfig
	LLM      LLMConfig
}

// TriggerConfig holds per-trigger thresholds for the heartbeat supervisor.
type TriggerConfig struct {
	PnLShiftPct               float64 // PnL-of-equity change within the ring, percent
	ApproachingStopPct        float64 // Mark-to-stop distance, percent
	ApproachingTakeProfitPct  float64 // Mark-to-TP distance, percent
	LiquidationProximityPct   float64 // Liquidation distance, percent
	FundingSpikeRate          float64 // Absolute funding rate
	VolatilitySpikeWindowTicks int
	VolatilitySpikePct        float64 // Rolling stdev of returns, percent
	TimeCeilingMinutes        int
	TriggerCooldownSeconds    int
}

// LLMConfig bounds calls to the advisory oracle.
type LLMConfig struct {
	MaxCallsPerHour int
	TimeoutSeconds  int
}

// ExecutionConfig selects how approved decisions reach the market.
type ExecutionConfig struct {
	Mode string // paper | live | webhook
}

// WalletConfig holds the spending limiter defaults.
type WalletConfig struct {
	DailyLimitUSD           float64
	PerTradeLimitUSD        float64
	ConfirmationThresholdUSD float64
}

// ExchangeConfig identifies the venue and its hard limits.
type ExchangeConfig struct {
	Venue       string // e.g. "hyperliquid"
	InfoURL     string
	WalletAddr  string
	MaxLeverage int
}

// AlertsConfig drives the alert pipeline policy.
type AlertsConfig struct {
	Enabled             bool
	DefaultChannels     []string
	SeverityChannels    map[string][]string // severity -> channels, overrides default
	ActionableReasons   []string
	DedupeWindowSeconds int
	CooldownSeconds     int
}

// EventScanConfig debounces externally-triggered scans.
type EventScanConfig struct {
	Enabled    bool
	CooldownMs int
	MinItems   int
}

// Load reads configuration from environment variables.
// Callers should load .env (godotenv) before this if they want file support;
// cmd/server does so.
func Load() (*Config, error) {
	dataDir := getEnv("VIGIL_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("VIGIL_PORT", 8010),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		Autonomy: AutonomyConfig{
			Enabled:             getEnvAsBool("AUTONOMY_ENABLED", false),
			FullAuto:            getEnvAsBool("AUTONOMY_FULL_AUTO", false),
			MaxTradesPerDay:     getEnvAsInt("AUTONOMY_MAX_TRADES_PER_DAY", 25),
			MaxTradesPerScan:    getEnvAsInt("AUTONOMY_MAX_TRADES_PER_SCAN", 3),
			ScanIntervalSeconds: getEnvAsInt("AUTONOMY_SCAN_INTERVAL_SECONDS", 900),
			ProbeRiskFraction:   getEnvAsFloat("AUTONOMY_PROBE_RISK_FRACTION", 0.005),
			MinEdge:             getEnvAsFloat("AUTONOMY_MIN_EDGE", 0.05),
			NewsEntry: NewsEntryConfig{
				MinNovelty:      getEnvAsFloat("AUTONOMY_NEWS_MIN_NOVELTY", 0.6),
				MinConfirmation: getEnvAsFloat("AUTONOMY_NEWS_MIN_CONFIRMATION", 0.55),
				MinLiquidity:    getEnvAsFloat("AUTONOMY_NEWS_MIN_LIQUIDITY", 0.4),
				MinVolatility:   getEnvAsFloat("AUTONOMY_NEWS_MIN_VOLATILITY", 0.25),
				MinSourceCount:  getEnvAsInt("AUTONOMY_NEWS_MIN_SOURCES", 1),
			},
			SignalPerformance: SignalPerformanceConfig{
				MinSharpe:  getEnvAsFloat("AUTONOMY_SIGNAL_MIN_SHARPE", 0.8),
				MinSamples: getEnvAsInt("AUTONOMY_SIGNAL_MIN_SAMPLES", 8),
			},
		},

		Heartbeat: HeartbeatConfig{
			Enabled:             getEnvAsBool("HEARTBEAT_ENABLED", false),
			TickIntervalSeconds: getEnvAsInt("HEARTBEAT_TICK_INTERVAL_SECONDS", 30),
			RollingBufferSize:   getEnvAsInt("HEARTBEAT_ROLLING_BUFFER_SIZE", 60),
			Triggers: TriggerConfig{
				PnLShiftPct:                getEnvAsFloat("HEARTBEAT_PNL_SHIFT_PCT", 2.0),
				ApproachingStopPct:         getEnvAsFloat("HEARTBEAT_APPROACHING_STOP_PCT", 1.0),
				ApproachingTakeProfitPct:   getEnvAsFloat("HEARTBEAT_APPROACHING_TP_PCT", 1.0),
				LiquidationProximityPct:    getEnvAsFloat("HEARTBEAT_LIQUIDATION_PROXIMITY_PCT", 5.0),
				FundingSpikeRate:           getEnvAsFloat("HEARTBEAT_FUNDING_SPIKE_RATE", 0.0005),
				VolatilitySpikeWindowTicks: getEnvAsInt("HEARTBEAT_VOL_SPIKE_WINDOW_TICKS", 20),
				VolatilitySpikePct:         getEnvAsFloat("HEARTBEAT_VOL_SPIKE_PCT", 1.5),
				TimeCeilingMinutes:         getEnvAsInt("HEARTBEAT_TIME_CEILING_MINUTES", 240),
				TriggerCooldownSeconds:     getEnvAsInt("HEARTBEAT_TRIGGER_COOLDOWN_SECONDS", 180),
			},
			LLM: LLMConfig{
				MaxCallsPerHour: getEnvAsInt("HEARTBEAT_LLM_MAX_CALLS_PER_HOUR", 20),
				TimeoutSeconds:  getEnvAsInt("HEARTBEAT_LLM_TIMEOUT_SECONDS", 30),
			},
		},

		Execution: ExecutionConfig{
			Mode: getEnv("EXECUTION_MODE", "paper"),
		},

		Wallet: WalletConfig{
			DailyLimitUSD:            getEnvAsFloat("WALLET_DAILY_LIMIT", 100),
			PerTradeLimitUSD:         getEnvAsFloat("WALLET_PER_TRADE_LIMIT", 25),
			ConfirmationThresholdUSD: getEnvAsFloat("WALLET_CONFIRMATION_THRESHOLD", 10),
		},

		Exchange: ExchangeConfig{
			Venue:       getEnv("EXCHANGE_VENUE", "hyperliquid"),
			InfoURL:     getEnv("EXCHANGE_INFO_URL", "https://api.hyperliquid.xyz/info"),
			WalletAddr:  getEnv("EXCHANGE_WALLET_ADDRESS", ""),
			MaxLeverage: getEnvAsInt("EXCHANGE_MAX_LEVERAGE", 5),
		},

		Alerts: AlertsConfig{
			Enabled:         getEnvAsBool("ALERTS_ENABLED", true),
			DefaultChannels: getEnvAsList("ALERTS_DEFAULT_CHANNELS", []string{"log"}),
			SeverityChannels: map[string][]string{
				"critical": getEnvAsList("ALERTS_CRITICAL_CHANNELS", nil),
				"high":     getEnvAsList("ALERTS_HIGH_CHANNELS", nil),
			},
			ActionableReasons: getEnvAsList("ALERTS_ACTIONABLE_REASONS", []string{
				"execution_failed", "emergency_close", "data_poll_failed",
				"job_failed", "observation_forced", "liquidation_proximity",
			}),
			DedupeWindowSeconds: getEnvAsInt("ALERTS_DEDUPE_WINDOW_SECONDS", 300),
			CooldownSeconds:     getEnvAsInt("ALERTS_COOLDOWN_SECONDS", 900),
		},

		EventScan: EventScanConfig{
			Enabled:    getEnvAsBool("EVENT_SCAN_ENABLED", true),
			CooldownMs: getEnvAsInt("EVENT_SCAN_COOLDOWN_MS", 120000),
			MinItems:   getEnvAsInt("EVENT_SCAN_MIN_ITEMS", 3),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behaviour.
func (c *Config) Validate() error {
	switch c.Execution.Mode {
	case "paper", "live", "webhook":
	default:
		return fmt.Errorf("invalid execution mode %q (want paper, live or webhook)", c.Execution.Mode)
	}
	if c.Autonomy.ScanIntervalSeconds <= 0 {
		return fmt.Errorf("scan interval must be > 0, got %d", c.Autonomy.ScanIntervalSeconds)
	}
	if c.Heartbeat.TickIntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat tick interval must be > 0, got %d", c.Heartbeat.TickIntervalSeconds)
	}
	if c.Autonomy.MaxTradesPerDay < 0 {
		return fmt.Errorf("max trades per day must be >= 0, got %d", c.Autonomy.MaxTradesPerDay)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
