// Package config loads process configuration via viper: environment
// variables under the SCREENER_ prefix, an optional config.yaml, and an
// optional .env file for local development (godotenv, kept from the
// teacher's cmd/server/main.go). Grounded on the fly-machine sibling's
// viper-based config layer, replacing the teacher's pkg/config hand-rolled
// os.Getenv helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every tunable the core and its ambient surface read at
// startup. Struct tags drive validator/v10.
type Config struct {
	ServerHost string `mapstructure:"server_host" validate:"required"`
	ServerPort int    `mapstructure:"server_port" validate:"gt=0,lte=65535"`

	BinanceAPIURL string `mapstructure:"binance_api_url" validate:"required,url"`
	BinanceWSURL  string `mapstructure:"binance_ws_url" validate:"required"`

	SymbolCount       int           `mapstructure:"symbol_count" validate:"gt=0"`
	MinVolume         float64       `mapstructure:"min_volume" validate:"gte=0"`
	KlineInterval     string        `mapstructure:"kline_interval" validate:"required"`
	KlineCapacity     int           `mapstructure:"kline_capacity" validate:"gt=0"`
	ScreeningInterval time.Duration `mapstructure:"screening_interval"`

	SignalDedupeThreshold int `mapstructure:"signal_dedupe_threshold" validate:"gt=0"`
	SignalDedupeCapacity  int `mapstructure:"signal_dedupe_capacity" validate:"gt=0"`

	FallbackPrimaryFailureThreshold  int           `mapstructure:"fallback_primary_failure_threshold" validate:"gt=0"`
	FallbackNetworkFailureThreshold  int           `mapstructure:"fallback_network_failure_threshold" validate:"gt=0"`
	FallbackRecoveryCooldown         time.Duration `mapstructure:"fallback_recovery_cooldown"`

	ErrorMonitorBufferCapacity int `mapstructure:"error_monitor_buffer_capacity" validate:"gt=0"`
	ErrorMonitorMaxPerMinute   int `mapstructure:"error_monitor_max_per_minute" validate:"gt=0"`

	CleanupStoreSweepInterval  time.Duration `mapstructure:"cleanup_store_sweep_interval"`
	CleanupSignalSweepInterval time.Duration `mapstructure:"cleanup_signal_sweep_interval"`

	KVStorePath string `mapstructure:"kv_store_path" validate:"required"`

	Environment string `mapstructure:"environment" validate:"oneof=development production"`
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 8080)

	v.SetDefault("binance_api_url", "https://api.binance.com")
	v.SetDefault("binance_ws_url", "wss://stream.binance.com:9443")

	v.SetDefault("symbol_count", 100)
	v.SetDefault("min_volume", 100000)
	v.SetDefault("kline_interval", "5m")
	v.SetDefault("kline_capacity", 1440)
	v.SetDefault("screening_interval", 60*time.Second)

	v.SetDefault("signal_dedupe_threshold", 50)
	v.SetDefault("signal_dedupe_capacity", 1000)

	v.SetDefault("fallback_primary_failure_threshold", 3)
	v.SetDefault("fallback_network_failure_threshold", 10)
	v.SetDefault("fallback_recovery_cooldown", 30*time.Second)

	v.SetDefault("error_monitor_buffer_capacity", 100)
	v.SetDefault("error_monitor_max_per_minute", 30)

	v.SetDefault("cleanup_store_sweep_interval", 30*time.Second)
	v.SetDefault("cleanup_signal_sweep_interval", 5*time.Minute)

	v.SetDefault("kv_store_path", "screener-state.json")

	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
}

// Load reads configuration from (in ascending priority) defaults,
// config.yaml, .env, and SCREENER_-prefixed environment variables, then
// validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading config.yaml: %w", err)
		}
	}

	v.SetEnvPrefix("SCREENER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range v.AllKeys() {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return &cfg, nil
}

// IsProduction reports whether Environment is "production".
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
