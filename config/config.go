// Package config loads and validates the application configuration from
// a YAML file plus environment overrides, using Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "./sarbridge.yaml"

// Config is the full validated configuration tree.
type Config struct {
	Trading    TradingConfig
	Symbols    SymbolsConfig
	Bridge     BridgeConfig
	Protection ProtectionConfig
	Indicator  IndicatorConfig
	Telegram   TelegramConfig
	Log        LogConfig
	DataDir    string
}

type TradingConfig struct {
	DesiredSignal         string
	RiskPercentage        float64
	SignalCheckInterval   time.Duration
	PositionCheckInterval time.Duration
	TimeframeMinutes      int
	WarmupBars            int
	TickTTL               time.Duration
	OrderComment          string
}

type SymbolsConfig struct {
	PriorityList []string
}

type BridgeConfig struct {
	Host              string
	Port              int
	CommandTimeout    time.Duration
	HeartbeatInterval time.Duration
	MalformedLimit    int
}

type ProtectionConfig struct {
	Enabled bool

	ConsecutiveLossThreshold1 int
	ConsecutiveLossPause1     time.Duration
	ConsecutiveLossThreshold2 int
	ConsecutiveLossPause2     time.Duration

	PercentageLossWindow    int
	PercentageLossThreshold float64
	PercentageLossPause     time.Duration

	DailyLossEnabled       bool
	MaxDailyLossPercentage float64
	MaxDailyLossDollars    float64
	UsePercentage          bool
}

type IndicatorConfig struct {
	SARAcceleration float64
	SARMaximum      float64
}

type TelegramConfig struct {
	Enabled bool
	Token   string
	ChatID  int64
}

type LogConfig struct {
	Level      string
	JSONFormat bool
	Colored    bool
}

// Load reads path (YAML), applies SARBRIDGE_* environment overrides and
// validates the result. Validation failures are fatal to startup.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SARBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file falls back to defaults plus environment.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !strings.Contains(err.Error(), "no such file") {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Trading: TradingConfig{
			DesiredSignal:         v.GetString("trading.desired_signal"),
			RiskPercentage:        v.GetFloat64("trading.risk_percentage"),
			SignalCheckInterval:   duration(v, "trading.signal_check_interval"),
			PositionCheckInterval: duration(v, "trading.position_check_interval"),
			TimeframeMinutes:      v.GetInt("trading.timeframe_minutes"),
			WarmupBars:            v.GetInt("trading.warmup_bars"),
			TickTTL:               duration(v, "trading.tick_ttl"),
			OrderComment:          v.GetString("trading.order_comment"),
		},
		Symbols: SymbolsConfig{
			PriorityList: v.GetStringSlice("symbols.priority_list"),
		},
		Bridge: BridgeConfig{
			Host:              v.GetString("bridge.host"),
			Port:              v.GetInt("bridge.port"),
			CommandTimeout:    duration(v, "bridge.command_timeout"),
			HeartbeatInterval: duration(v, "bridge.heartbeat_interval"),
			MalformedLimit:    v.GetInt("bridge.malformed_limit"),
		},
		Protection: ProtectionConfig{
			Enabled:                   v.GetBool("protection.circuit_breaker.enabled"),
			ConsecutiveLossThreshold1: v.GetInt("protection.circuit_breaker.consecutive_loss_threshold_1"),
			ConsecutiveLossPause1:     duration(v, "protection.circuit_breaker.consecutive_loss_pause_1"),
			ConsecutiveLossThreshold2: v.GetInt("protection.circuit_breaker.consecutive_loss_threshold_2"),
			ConsecutiveLossPause2:     duration(v, "protection.circuit_breaker.consecutive_loss_pause_2"),
			PercentageLossWindow:      v.GetInt("protection.circuit_breaker.percentage_loss_window"),
			PercentageLossThreshold:   v.GetFloat64("protection.circuit_breaker.percentage_loss_threshold"),
			PercentageLossPause:       duration(v, "protection.circuit_breaker.percentage_loss_pause"),
			DailyLossEnabled:          v.GetBool("protection.daily_loss_limit.enabled"),
			MaxDailyLossPercentage:    v.GetFloat64("protection.daily_loss_limit.max_daily_loss_percentage"),
			MaxDailyLossDollars:       v.GetFloat64("protection.daily_loss_limit.max_daily_loss_dollars"),
			UsePercentage:             v.GetBool("protection.daily_loss_limit.use_percentage"),
		},
		Indicator: IndicatorConfig{
			SARAcceleration: v.GetFloat64("indicator.sar.acceleration"),
			SARMaximum:      v.GetFloat64("indicator.sar.maximum"),
		},
		Telegram: TelegramConfig{
			Enabled: v.GetBool("notification.telegram.enabled"),
			Token:   v.GetString("notification.telegram.token"),
			ChatID:  v.GetInt64("notification.telegram.chat_id"),
		},
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			JSONFormat: v.GetBool("log.json"),
			Colored:    v.GetBool("log.colored"),
		},
		DataDir: v.GetString("data_dir"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.desired_signal", "BOTH")
	v.SetDefault("trading.risk_percentage", 1.0)
	v.SetDefault("trading.signal_check_interval", "30s")
	v.SetDefault("trading.position_check_interval", "5s")
	v.SetDefault("trading.timeframe_minutes", 15)
	v.SetDefault("trading.warmup_bars", 50)
	v.SetDefault("trading.tick_ttl", "10s")
	v.SetDefault("trading.order_comment", "sarbridge")

	v.SetDefault("symbols.priority_list", []string{"XAUUSD", "GOLD", "XAUUSD.M"})

	v.SetDefault("bridge.host", "127.0.0.1")
	v.SetDefault("bridge.port", 9090)
	v.SetDefault("bridge.command_timeout", "5s")
	v.SetDefault("bridge.heartbeat_interval", "5s")
	v.SetDefault("bridge.malformed_limit", 10)

	v.SetDefault("protection.circuit_breaker.enabled", true)
	v.SetDefault("protection.circuit_breaker.consecutive_loss_threshold_1", 5)
	v.SetDefault("protection.circuit_breaker.consecutive_loss_pause_1", "3h")
	v.SetDefault("protection.circuit_breaker.consecutive_loss_threshold_2", 8)
	v.SetDefault("protection.circuit_breaker.consecutive_loss_pause_2", "5h")
	v.SetDefault("protection.circuit_breaker.percentage_loss_window", 10)
	v.SetDefault("protection.circuit_breaker.percentage_loss_threshold", 70.0)
	v.SetDefault("protection.circuit_breaker.percentage_loss_pause", "5h")
	v.SetDefault("protection.daily_loss_limit.enabled", true)
	v.SetDefault("protection.daily_loss_limit.max_daily_loss_percentage", 5.0)
	v.SetDefault("protection.daily_loss_limit.max_daily_loss_dollars", 500.0)
	v.SetDefault("protection.daily_loss_limit.use_percentage", true)

	v.SetDefault("indicator.sar.acceleration", 0.02)
	v.SetDefault("indicator.sar.maximum", 0.2)

	v.SetDefault("notification.telegram.enabled", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.colored", true)

	v.SetDefault("data_dir", ".")
}

// duration parses "30s", "3h", "1d12h" style values; plain numbers are
// taken as seconds.
func duration(v *viper.Viper, key string) time.Duration {
	raw := v.GetString(key)
	if raw == "" {
		return 0
	}
	if d, err := str2duration.ParseDuration(raw); err == nil {
		return d
	}
	return time.Duration(v.GetInt(key)) * time.Second
}

func (c *Config) validate() error {
	switch strings.ToUpper(c.Trading.DesiredSignal) {
	case "BUY", "SELL", "BOTH":
	default:
		return fmt.Errorf("trading.desired_signal must be BUY, SELL or BOTH, got %q", c.Trading.DesiredSignal)
	}

	if c.Trading.RiskPercentage <= 0 || c.Trading.RiskPercentage > 10 {
		return fmt.Errorf("trading.risk_percentage must be in (0, 10], got %.2f", c.Trading.RiskPercentage)
	}
	if len(c.Symbols.PriorityList) == 0 {
		return fmt.Errorf("symbols.priority_list must not be empty")
	}
	if c.Bridge.Port <= 0 || c.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port out of range: %d", c.Bridge.Port)
	}
	if c.Indicator.SARAcceleration <= 0 || c.Indicator.SARMaximum < c.Indicator.SARAcceleration {
		return fmt.Errorf("indicator.sar acceleration/maximum invalid: %.3f/%.3f",
			c.Indicator.SARAcceleration, c.Indicator.SARMaximum)
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("notification.telegram.token required when telegram is enabled")
	}
	return nil
}
