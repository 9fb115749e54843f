// Package config loads server configuration from defaults, an optional
// config file, LEDGER_* environment variables and command-line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Port          string
	DatabaseURL   string
	RedisURL      string
	CacheTTL      time.Duration
	NATSURL       string
	IntentSubject string
	LogLevel      string
	RefundPolicy  string
	PriceOracle   string        // hex address allowed to publish prices
	RateLimit     uint64        // requests per subject per window
	RateWindow    time.Duration // window for RateLimit
	ThrottleRPS   float64       // per-client HTTP throttle
	ThrottleBurst int
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("cache-ttl", 30*time.Second)
	v.SetDefault("intent-subject", "ledger.intents")
	v.SetDefault("log-level", "info")
	v.SetDefault("refund-policy", "after-expiry")
	v.SetDefault("rate-limit", uint64(60))
	v.SetDefault("rate-window", time.Minute)
	v.SetDefault("throttle-rps", 50.0)
	v.SetDefault("throttle-burst", 100)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		Port:          v.GetString("port"),
		DatabaseURL:   v.GetString("database-url"),
		RedisURL:      v.GetString("redis-url"),
		CacheTTL:      v.GetDuration("cache-ttl"),
		NATSURL:       v.GetString("nats-url"),
		IntentSubject: v.GetString("intent-subject"),
		LogLevel:      v.GetString("log-level"),
		RefundPolicy:  v.GetString("refund-policy"),
		PriceOracle:   v.GetString("price-oracle"),
		RateLimit:     v.GetUint64("rate-limit"),
		RateWindow:    v.GetDuration("rate-window"),
		ThrottleRPS:   v.GetFloat64("throttle-rps"),
		ThrottleBurst: v.GetInt("throttle-burst"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	if c.RateLimit == 0 {
		return fmt.Errorf("rate-limit must be positive")
	}
	if c.RateWindow < time.Millisecond {
		return fmt.Errorf("rate-window must be at least 1ms, got %s", c.RateWindow)
	}
	if c.ThrottleRPS <= 0 || c.ThrottleBurst <= 0 {
		return fmt.Errorf("throttle-rps and throttle-burst must be positive")
	}
	if c.IntentSubject == "" {
		return fmt.Errorf("intent-subject is required")
	}
	if c.PriceOracle != "" && !common.IsHexAddress(c.PriceOracle) {
		return fmt.Errorf("price-oracle %q is not a hex address", c.PriceOracle)
	}
	return nil
}
