// Package config holds infrastructure configuration (environment variables)
// and the typed strategy settings consumed by the analyzer and trading
// engine. Settings come from an optional YAML file overlaying compiled-in
// defaults and are validated once at load.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds process-level configuration loaded from environment variables.
type Config struct {
	// Venue REST/WS endpoints.
	RestBaseURL string
	StreamURL   string

	// Already-decrypted API credentials; empty means virtual-only mode.
	APIKey    string
	APISecret string

	// Infrastructure
	SQLitePath   string
	SettingsPath string
	RedisAddr    string // empty disables the Redis event bridge
	RedisPassword string
	ListenAddr   string
	MetricsAddr  string

	// Alert channels; empty disables the channel.
	TelegramBotToken string
	TelegramChatID   string
	AlertWebhookURL  string
}

// Load reads process configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		RestBaseURL: getEnv("BINANCE_REST_URL", "https://api.binance.com"),
		StreamURL:   getEnv("BINANCE_WS_URL", "wss://stream.binance.com:9443/ws"),

		APIKey:    os.Getenv("BINANCE_API_KEY"),
		APISecret: os.Getenv("BINANCE_SECRET_KEY"),

		SQLitePath:    getEnv("SQLITE_PATH", "data/klines.sqlite"),
		SettingsPath:  getEnv("SETTINGS_PATH", "data/settings.yaml"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
		AlertWebhookURL:  os.Getenv("ALERT_WEBHOOK_URL"),
	}
}

// Settings enumerates every strategy option the engine and analyzer consult.
// A value snapshot is taken per cycle; swapping in an updated Settings
// between cycles is always safe.
type Settings struct {
	InitialVirtualBalance float64 `yaml:"initial_virtual_balance"`

	// Discovery
	MinVolumeUSD         float64  `yaml:"min_volume_usd"`
	ScannerIntervalSecs  int      `yaml:"scanner_interval_secs"`
	ExcludedPairs        []string `yaml:"excluded_pairs"`

	// Sizing
	MaxOpenPositions         int     `yaml:"max_open_positions"`
	PositionSizePct          float64 `yaml:"position_size_pct"`
	UseDynamicPositionSizing bool    `yaml:"use_dynamic_position_sizing"`
	StrongBuyPositionSizePct float64 `yaml:"strong_buy_position_size_pct"`

	// Exits
	TakeProfitPct       float64 `yaml:"take_profit_pct"`
	StopLossPct         float64 `yaml:"stop_loss_pct"`
	UseATRStopLoss      bool    `yaml:"use_atr_stop_loss"`
	ATRMultiplier       float64 `yaml:"atr_multiplier"`
	UseTrailingStopLoss bool    `yaml:"use_trailing_stop_loss"`
	TrailingStopLossPct float64 `yaml:"trailing_stop_loss_pct"`

	UseAutoBreakeven      bool    `yaml:"use_auto_breakeven"`
	BreakevenTriggerPct   float64 `yaml:"breakeven_trigger_pct"`
	AdjustBreakevenForFees bool   `yaml:"adjust_breakeven_for_fees"`
	TransactionFeePct     float64 `yaml:"transaction_fee_pct"`

	UsePartialTakeProfit bool    `yaml:"use_partial_take_profit"`
	PartialTPTriggerPct  float64 `yaml:"partial_tp_trigger_pct"`
	PartialTPSellQtyPct  float64 `yaml:"partial_tp_sell_qty_pct"`

	// Entry filters
	UseRSISafetyFilter          bool    `yaml:"use_rsi_safety_filter"`
	RSIOverboughtThreshold      float64 `yaml:"rsi_overbought_threshold"`
	UseParabolicFilter          bool    `yaml:"use_parabolic_filter"`
	ParabolicFilterPeriodMin    int     `yaml:"parabolic_filter_period_minutes"`
	ParabolicFilterThresholdPct float64 `yaml:"parabolic_filter_threshold_pct"`
	LossCooldownHours           int     `yaml:"loss_cooldown_hours"`

	// Ignition strategy (mutually exclusive with the squeeze pipeline)
	UseIgnitionStrategy          bool    `yaml:"use_ignition_strategy"`
	IgnitionVolumeSpikeFactor    float64 `yaml:"ignition_volume_spike_factor"`
	IgnitionPriceAccelPeriodMin  int     `yaml:"ignition_price_accel_period_minutes"`
	IgnitionPriceAccelThresholdPct float64 `yaml:"ignition_price_accel_threshold_pct"`
}

// DefaultSettings returns the compiled-in defaults.
func DefaultSettings() Settings {
	return Settings{
		InitialVirtualBalance: 10000,

		MinVolumeUSD:        10_000_000,
		ScannerIntervalSecs: 3600,
		ExcludedPairs:       []string{"USDCUSDT", "FDUSDUSDT"},

		MaxOpenPositions:         5,
		PositionSizePct:          2.0,
		UseDynamicPositionSizing: false,
		StrongBuyPositionSizePct: 3.0,

		TakeProfitPct:       4.0,
		StopLossPct:         2.0,
		UseATRStopLoss:      false,
		ATRMultiplier:       1.5,
		UseTrailingStopLoss: true,
		TrailingStopLossPct: 1.5,

		UseAutoBreakeven:       true,
		BreakevenTriggerPct:    0.5,
		AdjustBreakevenForFees: false,
		TransactionFeePct:      0.1,

		UsePartialTakeProfit: false,
		PartialTPTriggerPct:  1.5,
		PartialTPSellQtyPct:  50,

		UseRSISafetyFilter:          true,
		RSIOverboughtThreshold:      75,
		UseParabolicFilter:          true,
		ParabolicFilterPeriodMin:    5,
		ParabolicFilterThresholdPct: 3.0,
		LossCooldownHours:           4,

		UseIgnitionStrategy:            false,
		IgnitionVolumeSpikeFactor:      5,
		IgnitionPriceAccelPeriodMin:    5,
		IgnitionPriceAccelThresholdPct: 2.0,
	}
}

// LoadSettings reads the YAML settings file at path, overlaying defaults.
// A missing file yields defaults; any other read or validation error is
// returned.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("[config] %s not found, using default settings", path)
			return s, s.Validate()
		}
		return s, fmt.Errorf("read settings: %w", err)
	}

	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// SaveSettings writes settings as YAML to path.
func SaveSettings(path string, s Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks every option once at load so the engine never has to
// re-validate per cycle.
func (s *Settings) Validate() error {
	switch {
	case s.InitialVirtualBalance <= 0:
		return fmt.Errorf("initial_virtual_balance must be > 0, got %v", s.InitialVirtualBalance)
	case s.MaxOpenPositions <= 0:
		return fmt.Errorf("max_open_positions must be > 0, got %d", s.MaxOpenPositions)
	case s.PositionSizePct <= 0 || s.PositionSizePct > 100:
		return fmt.Errorf("position_size_pct must be in (0,100], got %v", s.PositionSizePct)
	case s.StopLossPct <= 0:
		return fmt.Errorf("stop_loss_pct must be > 0, got %v", s.StopLossPct)
	case s.TakeProfitPct <= 0:
		return fmt.Errorf("take_profit_pct must be > 0, got %v", s.TakeProfitPct)
	case s.ScannerIntervalSecs <= 0:
		return fmt.Errorf("scanner_interval_secs must be > 0, got %d", s.ScannerIntervalSecs)
	case s.UseDynamicPositionSizing && s.StrongBuyPositionSizePct <= 0:
		return fmt.Errorf("strong_buy_position_size_pct must be > 0 when dynamic sizing is on")
	case s.UsePartialTakeProfit && (s.PartialTPSellQtyPct <= 0 || s.PartialTPSellQtyPct >= 100):
		return fmt.Errorf("partial_tp_sell_qty_pct must be in (0,100), got %v", s.PartialTPSellQtyPct)
	case s.UseATRStopLoss && s.ATRMultiplier <= 0:
		return fmt.Errorf("atr_multiplier must be > 0 when ATR stops are on")
	case s.UseIgnitionStrategy && s.IgnitionVolumeSpikeFactor <= 1:
		return fmt.Errorf("ignition_volume_spike_factor must be > 1, got %v", s.IgnitionVolumeSpikeFactor)
	case s.LossCooldownHours < 0:
		return fmt.Errorf("loss_cooldown_hours must be >= 0, got %d", s.LossCooldownHours)
	}
	return nil
}

// IsExcluded reports whether symbol is on the exclusion list.
func (s *Settings) IsExcluded(symbol string) bool {
	for _, p := range s.ExcludedPairs {
		if strings.TrimSpace(p) == symbol {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
