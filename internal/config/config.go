package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

type Config struct {
	Env      string `mapstructure:"OPTS_ENV"`
	LogLevel string `mapstructure:"OPTS_LOG_LEVEL"`
	HTTPAddr string `mapstructure:"OPTS_HTTP_ADDR"`

	Cache    CacheConfig    `mapstructure:",squash"`
	Kafka    KafkaConfig    `mapstructure:",squash"`
	Provider ProviderConfig `mapstructure:",squash"`
	Session  SessionConfig  `mapstructure:",squash"`
	Window   WindowConfig   `mapstructure:",squash"`
	Poll     PollConfig     `mapstructure:",squash"`
	Sim      SimConfig      `mapstructure:",squash"`
	Security SecurityConfig `mapstructure:",squash"`
}

type CacheConfig struct {
	RedisAddr string `mapstructure:"OPTS_REDIS_ADDR"`
}

// KafkaConfig enables the Kafka sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"OPTS_KAFKA_BROKERS"`
	Topic   string   `mapstructure:"OPTS_KAFKA_TOPIC"`
}

type ProviderConfig struct {
	Kind           string `mapstructure:"OPTS_PROVIDER"` // "gateway", "sim"
	GatewayURL     string `mapstructure:"OPTS_GATEWAY_URL"`
	FutureCode     string `mapstructure:"OPTS_FUTURE_CODE"`
	MiniFutureCode string `mapstructure:"OPTS_MINI_FUTURE_CODE"`
	IndexCode      string `mapstructure:"OPTS_INDEX_CODE"`
	// KBarDays is how many trading days of future bars are sent at startup.
	KBarDays int `mapstructure:"OPTS_KBAR_DAYS"`
}

// SessionConfig locates the parsed day and night session rows. Each is a
// file path or an http(s) URL; empty means the provider serves them.
type SessionConfig struct {
	Day   string `mapstructure:"OPTS_SESSION_DAY"`
	Night string `mapstructure:"OPTS_SESSION_NIGHT"`
}

type WindowConfig struct {
	CallCount        int `mapstructure:"OPTS_CALL_COUNT"`
	PutCount         int `mapstructure:"OPTS_PUT_COUNT"`
	UnsubscribeAfter int `mapstructure:"OPTS_UNSUBSCRIBE_AFTER"`
}

type PollConfig struct {
	Interval     time.Duration `mapstructure:"OPTS_POLL_INTERVAL"`
	BatchSize    int           `mapstructure:"OPTS_BATCH_SIZE"`
	BatchPause   time.Duration `mapstructure:"OPTS_BATCH_PAUSE"`
	CoreTimeout  time.Duration `mapstructure:"OPTS_CORE_TIMEOUT"`
	BatchTimeout time.Duration `mapstructure:"OPTS_BATCH_TIMEOUT"`
}

type SimConfig struct {
	BasePrice  float64 `mapstructure:"OPTS_SIM_BASE_PRICE"`
	Volatility float64 `mapstructure:"OPTS_SIM_VOLATILITY"`
}

type SecurityConfig struct {
	RateLimitRPM       int      `mapstructure:"OPTS_RATE_LIMIT_RPM"`
	CORSAllowedOrigins []string `mapstructure:"OPTS_CORS_ALLOWED_ORIGINS"`
}

func loadDotEnvFiles() {
	candidates := []string{
		".env",
		filepath.Join("..", ".env"),
	}

	seen := make(map[string]struct{})
	for _, path := range candidates {
		abs := path
		if resolved, err := filepath.Abs(path); err == nil {
			abs = resolved
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}

		if _, err := os.Stat(path); err == nil {
			_ = gotenv.Load(path) // variables already set take precedence
		}
	}
}

func Load() (*Config, error) {
	loadDotEnvFiles()

	v := viper.New()
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("OPTS_ENV", "dev")
	v.SetDefault("OPTS_LOG_LEVEL", "")
	v.SetDefault("OPTS_HTTP_ADDR", ":3001")
	v.SetDefault("OPTS_REDIS_ADDR", "127.0.0.1:6379")
	v.SetDefault("OPTS_KAFKA_BROKERS", "")
	v.SetDefault("OPTS_KAFKA_TOPIC", "optstream.events")
	v.SetDefault("OPTS_PROVIDER", "gateway")
	v.SetDefault("OPTS_GATEWAY_URL", "ws://127.0.0.1:8765/feed")
	v.SetDefault("OPTS_FUTURE_CODE", "TXFR1")
	v.SetDefault("OPTS_MINI_FUTURE_CODE", "MX4R1")
	v.SetDefault("OPTS_INDEX_CODE", "001")
	v.SetDefault("OPTS_KBAR_DAYS", 30)
	v.SetDefault("OPTS_SESSION_DAY", "")
	v.SetDefault("OPTS_SESSION_NIGHT", "")
	v.SetDefault("OPTS_CALL_COUNT", 15)
	v.SetDefault("OPTS_PUT_COUNT", 25)
	v.SetDefault("OPTS_UNSUBSCRIBE_AFTER", 0)
	v.SetDefault("OPTS_POLL_INTERVAL", "1s")
	v.SetDefault("OPTS_BATCH_SIZE", 500)
	v.SetDefault("OPTS_BATCH_PAUSE", "200ms")
	v.SetDefault("OPTS_CORE_TIMEOUT", "5s")
	v.SetDefault("OPTS_BATCH_TIMEOUT", "10s")
	v.SetDefault("OPTS_SIM_BASE_PRICE", 22000)
	v.SetDefault("OPTS_SIM_VOLATILITY", 0.0005)
	v.SetDefault("OPTS_RATE_LIMIT_RPM", 600)
	v.SetDefault("OPTS_CORS_ALLOWED_ORIGINS", "http://localhost:3000")

	// Comma-separated lists
	for _, key := range []string{"OPTS_KAFKA_BROKERS", "OPTS_CORS_ALLOWED_ORIGINS"} {
		v.Set(key, splitList(v.GetString(key)))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Provider.Kind = strings.ToLower(strings.TrimSpace(cfg.Provider.Kind))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) validate() error {
	switch c.Provider.Kind {
	case "gateway":
		if c.Provider.GatewayURL == "" {
			return fmt.Errorf("OPTS_GATEWAY_URL is required for the gateway provider")
		}
	case "sim":
		if c.Sim.BasePrice <= 0 {
			return fmt.Errorf("OPTS_SIM_BASE_PRICE must be positive")
		}
	default:
		return fmt.Errorf("invalid OPTS_PROVIDER %q (must be gateway or sim)", c.Provider.Kind)
	}
	if c.Provider.FutureCode == "" || c.Provider.MiniFutureCode == "" || c.Provider.IndexCode == "" {
		return fmt.Errorf("OPTS_FUTURE_CODE, OPTS_MINI_FUTURE_CODE and OPTS_INDEX_CODE are required")
	}
	if c.Provider.KBarDays <= 0 {
		return fmt.Errorf("OPTS_KBAR_DAYS must be positive")
	}
	if c.Window.CallCount < 0 || c.Window.PutCount < 0 {
		return fmt.Errorf("OPTS_CALL_COUNT and OPTS_PUT_COUNT must not be negative")
	}
	if c.Window.UnsubscribeAfter < 0 {
		return fmt.Errorf("OPTS_UNSUBSCRIBE_AFTER must not be negative")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("OPTS_POLL_INTERVAL must be positive")
	}
	if c.Poll.BatchSize <= 0 {
		return fmt.Errorf("OPTS_BATCH_SIZE must be positive")
	}
	if c.Poll.CoreTimeout <= 0 || c.Poll.BatchTimeout <= 0 {
		return fmt.Errorf("OPTS_CORE_TIMEOUT and OPTS_BATCH_TIMEOUT must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("OPTS_KAFKA_TOPIC is required when OPTS_KAFKA_BROKERS is set")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}

// HasSessionSources reports whether session rows come from configuration
// rather than the provider.
func (c *Config) HasSessionSources() bool {
	return c.Session.Day != "" || c.Session.Night != ""
}
