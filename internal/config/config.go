package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	InstanceID        string        `mapstructure:"instance_id" yaml:"instance_id"`

	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	JWT      JWTConfig      `mapstructure:"jwt" yaml:"jwt"`
	WS       WSConfig       `mapstructure:"ws" yaml:"ws"`
	NATS     NATSConfig     `mapstructure:"nats" yaml:"nats"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka" yaml:"kafka"`
}

// DatabaseConfig selects the persistence gateway.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

// JWTConfig describes how bearer credentials are verified.
type JWTConfig struct {
	Secret   string        `mapstructure:"secret" yaml:"secret"`
	Issuer   string        `mapstructure:"issuer" yaml:"issuer"`
	Audience string        `mapstructure:"audience" yaml:"audience"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// WSConfig tunes the realtime socket layer.
type WSConfig struct {
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	PersistTimeout     time.Duration `mapstructure:"persist_timeout" yaml:"persist_timeout"`
	PingInterval       time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	MaxFrameBytes      int64         `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
	MaxContentBytes    int           `mapstructure:"max_content_bytes" yaml:"max_content_bytes"`
	SendBuffer         int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	AllowedOrigins     []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// NATSConfig enables cross-instance fan-out when URL is set.
type NATSConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

// RedisConfig enables cluster-wide presence when Addr is set.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	Password    string        `mapstructure:"password" yaml:"password"`
	DB          int           `mapstructure:"db" yaml:"db"`
	PresenceTTL time.Duration `mapstructure:"presence_ttl" yaml:"presence_ttl"`
}

// KafkaConfig enables the offline notification producer when Brokers is set.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":3001",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "guffghar.db",
		},
		JWT: JWTConfig{
			Secret: "fallback-secret-for-development",
			TTL:    7 * 24 * time.Hour,
		},
		WS: WSConfig{
			HandshakeTimeout:   10 * time.Second,
			PersistTimeout:     5 * time.Second,
			PingInterval:       25 * time.Second,
			MaxFrameBytes:      64 << 10,
			MaxContentBytes:    4000,
			SendBuffer:         64,
			RateLimitPerMinute: 120,
			AllowedOrigins:     []string{"localhost:3000"},
		},
		NATS: NATSConfig{
			Subject: "guffghar.rt.fanout",
		},
		Redis: RedisConfig{
			PresenceTTL: time.Minute,
		},
		Kafka: KafkaConfig{
			Topic: "guffghar.notifications",
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
// Only the fields exposed as command-line flags are considered.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.Database.Driver != "" {
		c.Database.Driver = other.Database.Driver
	}
	if other.Database.DSN != "" {
		c.Database.DSN = other.Database.DSN
	}
}
