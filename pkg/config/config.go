package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Generator GeneratorConfig `mapstructure:"generator"`
}

type AppConfig struct {
	Port string `mapstructure:"port" validate:"required"`
	Env  string `mapstructure:"env"` // e.g., "local", "prod"
}

type LoggerConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Encoding    string `mapstructure:"encoding" validate:"oneof=json console"`
	Development bool   `mapstructure:"development"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl" validate:"gt=0"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" validate:"required,min=1"`
	Topic   string   `mapstructure:"topic" validate:"required"`
	GroupID string   `mapstructure:"group_id"`
	Enabled bool     `mapstructure:"enabled"`
}

type GatewayConfig struct {
	ValidTickers     []string `mapstructure:"valid_tickers" validate:"required,min=1"`
	MaxSubscriptions int      `mapstructure:"max_subscriptions" validate:"gt=0"`
	InstanceID       string   `mapstructure:"instance_id"`
	SnapshotEndpoint bool     `mapstructure:"snapshot_endpoint"`
}

type ProcessorConfig struct {
	NumWorkers int `mapstructure:"num_workers" validate:"gt=0"`
}

// RemoteConfig describes the upstream market-data API.
type RemoteConfig struct {
	BaseURL   string            `mapstructure:"base_url" validate:"required,url"`
	APIKey    string            `mapstructure:"api_key"`
	Currency  string            `mapstructure:"currency" validate:"required"`
	Timeout   time.Duration     `mapstructure:"timeout" validate:"gt=0"`
	IDs       map[string]string `mapstructure:"ids"`
	UserAgent string            `mapstructure:"user_agent"`
}

type SyncConfig struct {
	TTL                  time.Duration `mapstructure:"ttl" validate:"gt=0"`
	QuoteTTL             time.Duration `mapstructure:"quote_ttl" validate:"gt=0"`
	AutoRefresh          time.Duration `mapstructure:"auto_refresh" validate:"gt=0"`
	ShowLoadingOnRefresh bool          `mapstructure:"show_loading_on_refresh"`
}

// GeneratorConfig configures the mock market feed.
type GeneratorConfig struct {
	Port        string  `mapstructure:"port"`
	FailureRate float64 `mapstructure:"failure_rate" validate:"gte=0,lte=1"`
}

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Load .env into the process environment so APP_PORT etc. are real env vars
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	setDefaults(v)

	// "app.port" -> "APP_PORT"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Flat env vars only reach nested keys that are bound explicitly
	bindEnv(v, "app.port", "app.env")
	bindEnv(v, "logger.level", "logger.encoding", "logger.development")
	bindEnv(v, "redis.addr", "redis.password", "redis.db", "redis.snapshot_ttl")
	bindEnv(v, "kafka.brokers", "kafka.topic", "kafka.group_id", "kafka.enabled")
	bindEnv(v, "gateway.valid_tickers", "gateway.max_subscriptions", "gateway.instance_id", "gateway.snapshot_endpoint")
	bindEnv(v, "processor.num_workers")
	bindEnv(v, "remote.base_url", "remote.api_key", "remote.currency", "remote.timeout", "remote.user_agent")
	bindEnv(v, "sync.ttl", "sync.quote_ttl", "sync.auto_refresh", "sync.show_loading_on_refresh")
	bindEnv(v, "generator.port", "generator.failure_rate")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", ":8080")
	v.SetDefault("app.env", "local")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")
	v.SetDefault("logger.development", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.snapshot_ttl", time.Hour)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "market_states")
	v.SetDefault("kafka.group_id", "market-state-processor-group")
	v.SetDefault("kafka.enabled", true)

	v.SetDefault("gateway.valid_tickers", []string{"BTC", "ETH", "BNB", "SOL", "XRP", "ADA", "DOGE", "MATIC", "DOT", "LINK"})
	v.SetDefault("gateway.max_subscriptions", 16)
	v.SetDefault("gateway.instance_id", "")
	v.SetDefault("gateway.snapshot_endpoint", true)

	v.SetDefault("processor.num_workers", 4)

	v.SetDefault("remote.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.currency", "usd")
	v.SetDefault("remote.timeout", 10*time.Second)
	v.SetDefault("remote.user_agent", "dex-market-sync/1.0")
	v.SetDefault("remote.ids", map[string]string{
		"BTC":   "bitcoin",
		"ETH":   "ethereum",
		"BNB":   "binancecoin",
		"SOL":   "solana",
		"XRP":   "ripple",
		"ADA":   "cardano",
		"DOGE":  "dogecoin",
		"MATIC": "matic-network",
		"DOT":   "polkadot",
		"LINK":  "chainlink",
		"USDT":  "tether",
		"USDC":  "usd-coin",
	})

	v.SetDefault("sync.ttl", 5*time.Minute)
	v.SetDefault("sync.quote_ttl", 30*time.Second)
	v.SetDefault("sync.auto_refresh", 5*time.Minute)
	v.SetDefault("sync.show_loading_on_refresh", false)

	v.SetDefault("generator.port", ":8090")
	v.SetDefault("generator.failure_rate", 0.2)
}

// Validate runs the struct tag rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
