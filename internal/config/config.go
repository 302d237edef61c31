// Package config loads the daemon configuration. Values are layered:
// built-in defaults, then an optional YAML file, then a .env file, then
// MARKETFEED_* environment variables (dots in keys become underscores).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"marketfeed/internal/cache"
	"marketfeed/internal/endpoint"
	"marketfeed/internal/model"
	"marketfeed/internal/policy"
	"marketfeed/internal/sink"
	"marketfeed/internal/source"
	"marketfeed/internal/websocket"
	"marketfeed/internal/wire"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MARKETFEED"

// Config is the complete daemon configuration.
type Config struct {
	Endpoints []endpoint.Config `mapstructure:"endpoints" validate:"required,min=1,dive"`
	Stream    StreamConfig      `mapstructure:"stream"`
	Cache     cache.Config      `mapstructure:"cache"`
	Policy    policy.Config     `mapstructure:"policy"`
	Source    source.Config     `mapstructure:"source"`
	Redis     sink.RedisConfig  `mapstructure:"redis"`
	Kafka     sink.KafkaConfig  `mapstructure:"kafka"`
	Server    ServerConfig      `mapstructure:"server"`
	Log       LogConfig         `mapstructure:"log"`
}

// StreamConfig configures the streaming client.
type StreamConfig struct {
	MaxReconnectAttempts  int           `mapstructure:"max_reconnect_attempts" validate:"gte=0"`
	BaseReconnectDelay    time.Duration `mapstructure:"base_reconnect_delay" validate:"gt=0"`
	MaxReconnectDelay     time.Duration `mapstructure:"max_reconnect_delay" validate:"gtefield=BaseReconnectDelay"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	HeartbeatTimeout      time.Duration `mapstructure:"heartbeat_timeout" validate:"gte=0"`
	SubscriptionRateLimit int           `mapstructure:"subscription_rate_limit" validate:"gt=0"`
	SubscriptionWindow    time.Duration `mapstructure:"subscription_window" validate:"gt=0"`
	MaxSubscriptions      int           `mapstructure:"max_subscriptions" validate:"gt=0"`
	MaxBufferSize         int           `mapstructure:"max_buffer_size" validate:"gt=0"`
	DedupWindow           time.Duration `mapstructure:"dedup_window" validate:"gt=0"`
	SendTimeout           time.Duration `mapstructure:"send_timeout" validate:"gt=0"`
	EnableOrdering        bool          `mapstructure:"enable_ordering"`
	EnableDedup           bool          `mapstructure:"enable_dedup"`
	QualityChecks         bool          `mapstructure:"quality_checks"`
	FlagDayRange          bool          `mapstructure:"flag_day_range"`
	RejectDayRange        bool          `mapstructure:"reject_day_range"`
	GateOutOfOrder        bool          `mapstructure:"gate_out_of_order"`
	AutoReconnect         bool          `mapstructure:"auto_reconnect"`
	TLSInsecureSkip       bool          `mapstructure:"tls_insecure_skip"`
	EventBuffer           int           `mapstructure:"event_buffer" validate:"gt=0"`
}

// ServerConfig configures the RPC and metrics listeners.
type ServerConfig struct {
	GRPCAddr    string `mapstructure:"grpc_addr" validate:"required"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Symbols are subscribed at startup.
	Symbols []string `mapstructure:"symbols"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("endpoints", []map[string]any{
		{"url": "ws://localhost:8080/ws", "priority": 100, "max_failures": 3},
	})

	v.SetDefault("stream.max_reconnect_attempts", 5)
	v.SetDefault("stream.base_reconnect_delay", time.Second)
	v.SetDefault("stream.max_reconnect_delay", 60*time.Second)
	v.SetDefault("stream.heartbeat_interval", 30*time.Second)
	v.SetDefault("stream.heartbeat_timeout", 90*time.Second)
	v.SetDefault("stream.subscription_rate_limit", 10)
	v.SetDefault("stream.subscription_window", time.Second)
	v.SetDefault("stream.max_subscriptions", 100)
	v.SetDefault("stream.max_buffer_size", 1000)
	v.SetDefault("stream.dedup_window", 5*time.Second)
	v.SetDefault("stream.send_timeout", 5*time.Second)
	v.SetDefault("stream.enable_ordering", true)
	v.SetDefault("stream.enable_dedup", true)
	v.SetDefault("stream.quality_checks", true)
	v.SetDefault("stream.flag_day_range", true)
	v.SetDefault("stream.reject_day_range", false)
	v.SetDefault("stream.gate_out_of_order", false)
	v.SetDefault("stream.auto_reconnect", true)
	v.SetDefault("stream.tls_insecure_skip", false)
	v.SetDefault("stream.event_buffer", 1000)

	v.SetDefault("cache.snapshot_ttl", 60*time.Second)
	v.SetDefault("cache.order_book_ttl", 5*time.Second)
	v.SetDefault("cache.history_ttl", 10*time.Minute)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.max_history_len", 1000)
	v.SetDefault("cache.retention_multiple", 1)
	v.SetDefault("cache.cleanup_interval", 5*time.Minute)
	v.SetDefault("cache.refresh_interval", 30*time.Second)
	v.SetDefault("cache.auto_refresh", true)
	v.SetDefault("cache.wait_timeout", 5*time.Second)
	v.SetDefault("cache.order_book_depth", 20)
	v.SetDefault("cache.candle_periods", []string{"1m", "5m"})
	v.SetDefault("cache.event_buffer", 1000)
	v.SetDefault("cache.sink_buffer", 1000)

	v.SetDefault("policy.rate_limit", 100)
	v.SetDefault("policy.rate_window", 60*time.Second)
	v.SetDefault("policy.base_backoff", time.Second)
	v.SetDefault("policy.backoff_multiplier", 2.0)
	v.SetDefault("policy.max_backoff", 300*time.Second)
	v.SetDefault("policy.max_retry_attempts", 3)
	v.SetDefault("policy.auto_retry", true)
	v.SetDefault("policy.fallback_to_cache", true)
	v.SetDefault("policy.history_size", 100)

	v.SetDefault("source.kind", "simulator")
	v.SetDefault("source.base_url", "")
	v.SetDefault("source.timeout", 10*time.Second)
	v.SetDefault("source.requests_per_second", 5.0)
	v.SetDefault("source.max_retries", 3)
	v.SetDefault("source.seed", 0)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "marketfeed")
	v.SetDefault("redis.history_window", 24*time.Hour)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "marketfeed.events")
	v.SetDefault("kafka.batch_timeout", 50*time.Millisecond)
	v.SetDefault("kafka.write_timeout", 10*time.Second)
	v.SetDefault("kafka.compression", "none")

	v.SetDefault("server.grpc_addr", ":50051")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.symbols", []string{})

	v.SetDefault("log.level", "info")
}

// Load reads the configuration. path may be empty, in which case only
// defaults, .env and the environment are consulted.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// MARKETFEED_ENDPOINTS is a comma separated URL list in descending
	// priority.
	if raw, ok := v.Get("endpoints").(string); ok {
		v.Set("endpoints", endpointsFromList(raw))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func endpointsFromList(raw string) []map[string]any {
	var out []map[string]any
	priority := 100
	for _, u := range strings.Split(raw, ",") {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		out = append(out, map[string]any{"url": u, "priority": priority, "max_failures": 3})
		priority -= 10
	}
	return out
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, p := range c.Cache.CandlePeriods {
		if _, err := model.ParsePeriod(string(p)); err != nil {
			return fmt.Errorf("invalid config: cache.candle_periods: %w", err)
		}
	}
	return nil
}

// LogLevel returns the configured zerolog level.
func (c *Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// CacheConfig returns the coordinator configuration. Out-of-order gating is
// configured with the stream settings.
func (c *Config) CacheConfig() cache.Config {
	cc := c.Cache
	cc.GateOutOfOrder = c.Stream.GateOutOfOrder
	return cc
}

// WebsocketConfig returns the streaming client configuration for pool.
func (c *Config) WebsocketConfig(pool *endpoint.Pool, h websocket.Handler, p *policy.Handler) websocket.Config {
	s := c.Stream
	return websocket.Config{
		Pool:                  pool,
		Handler:               h,
		Policy:                p,
		MaxReconnectAttempts:  s.MaxReconnectAttempts,
		BaseReconnectDelay:    s.BaseReconnectDelay,
		MaxReconnectDelay:     s.MaxReconnectDelay,
		HeartbeatInterval:     s.HeartbeatInterval,
		HeartbeatTimeout:      s.HeartbeatTimeout,
		SubscriptionRateLimit: s.SubscriptionRateLimit,
		SubscriptionWindow:    s.SubscriptionWindow,
		MaxSubscriptions:      s.MaxSubscriptions,
		MaxBufferSize:         s.MaxBufferSize,
		DedupWindow:           s.DedupWindow,
		SendTimeout:           s.SendTimeout,
		EnableOrdering:        s.EnableOrdering,
		EnableDedup:           s.EnableDedup,
		QualityChecks:         s.QualityChecks,
		Quality: wire.QualityOptions{
			FlagDayRange:   s.FlagDayRange,
			RejectDayRange: s.RejectDayRange,
		},
		AutoReconnect:   s.AutoReconnect,
		TLSInsecureSkip: s.TLSInsecureSkip,
		EventBuffer:     s.EventBuffer,
	}
}
