package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Auth       AuthConfig
	Logging    LoggingConfig
	Kafka      KafkaConfig
	Outbox     OutboxRelayConfig
	Storage    StorageConfig
	Admission  AdmissionConfig
	Notifier   NotifierConfig
}

type ServerConfig struct {
	HTTPPort    int           `mapstructure:"http_port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	// MaxTxRetries bounds retries of a transaction aborted by a serialization failure or deadlock.
	MaxTxRetries int `mapstructure:"max_tx_retries"`
}

type RedisConfig struct {
	Addresses   []string `mapstructure:"addresses"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	PoolSize    int      `mapstructure:"pool_size"`
	ClusterMode bool     `mapstructure:"cluster_mode"`
}

type ClickHouseConfig struct {
	Hosts    []string `mapstructure:"hosts"`
	Database string   `mapstructure:"database"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Issuer    string        `mapstructure:"issuer"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	ClientID   string   `mapstructure:"client_id"`
	EventTopic string   `mapstructure:"event_topic"`
	DLQTopic   string   `mapstructure:"dlq_topic"`
}

type OutboxRelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Sink         string        `mapstructure:"sink"` // kafka or clickhouse
}

type StorageConfig struct {
	Driver         string `mapstructure:"driver"`          // postgres or memory
	EventRetention int    `mapstructure:"event_retention"` // outbox rows kept by the memory driver
}

type AdmissionConfig struct {
	Timezone            string   `mapstructure:"timezone"`
	Categories          []string `mapstructure:"categories"`
	DefaultCap          int      `mapstructure:"default_cap"`
	DefaultQuotaMinutes int      `mapstructure:"default_quota_minutes"`
}

type NotifierConfig struct {
	BufferSize        int           `mapstructure:"buffer_size"`
	ObserverBuffer    int           `mapstructure:"observer_buffer"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PublishTimeout    time.Duration `mapstructure:"publish_timeout"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/breakslot/")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BREAKSLOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_tx_retries", 3)
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("auth.token_ttl", "12h")
	v.SetDefault("auth.issuer", "breakslot")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("kafka.client_id", "breakslot-outbox-relay")
	v.SetDefault("kafka.event_topic", "breakslot.occupancy.events")
	v.SetDefault("kafka.dlq_topic", "breakslot.occupancy.events.dlq")
	v.SetDefault("outbox.poll_interval", "5s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.sink", "kafka")
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("storage.event_retention", 1024)
	v.SetDefault("admission.timezone", "Local")
	v.SetDefault("admission.categories", []string{"male", "female"})
	v.SetDefault("admission.default_cap", 1)
	v.SetDefault("admission.default_quota_minutes", 30)
	v.SetDefault("notifier.buffer_size", 1024)
	v.SetDefault("notifier.observer_buffer", 32)
	v.SetDefault("notifier.heartbeat_interval", "25s")
	v.SetDefault("notifier.publish_timeout", "2s")
}

// Default returns the configuration Load would produce with no file and no environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	switch c.Outbox.Sink {
	case "kafka", "clickhouse":
	default:
		return fmt.Errorf("unsupported outbox sink %q", c.Outbox.Sink)
	}
	if len(c.Admission.Categories) == 0 {
		return fmt.Errorf("admission.categories must not be empty")
	}
	if c.Admission.DefaultCap < 0 {
		return fmt.Errorf("admission.default_cap must not be negative")
	}
	if c.Admission.DefaultQuotaMinutes < 0 {
		return fmt.Errorf("admission.default_quota_minutes must not be negative")
	}
	if _, err := c.Admission.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the timezone that defines "today" for quota accounting.
func (c *AdmissionConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid admission.timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
