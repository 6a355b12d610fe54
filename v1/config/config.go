// Package config loads lock settings for the command line tools from a YAML
// file and MUTEX_* environment variables, and builds the stores, buses and
// loggers they describe.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/mutex"
)

// Config is the full configuration of a lock client.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Bus        BusConfig        `yaml:"bus"`
	Lock       LockConfig       `yaml:"lock"`
	Optimistic OptimisticConfig `yaml:"optimistic"`
	Log        LogConfig        `yaml:"log"`
}

// StoreConfig selects and configures the lock store.
type StoreConfig struct {
	// Driver is one of memory, redis, nats or etcd.
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
	NATS   NATSConfig  `yaml:"nats"`
	Etcd   EtcdConfig  `yaml:"etcd"`
}

type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
}

type NATSConfig struct {
	URL    string `yaml:"url"`
	Bucket string `yaml:"bucket"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
}

// BusConfig selects the release notification bus. An empty driver disables
// notifications.
type BusConfig struct {
	// Driver is one of "", memory, redis, nats or kafka. redis and nats reuse
	// the store connection settings.
	Driver           string        `yaml:"driver"`
	KafkaBrokers     []string      `yaml:"kafka_brokers"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

type LockConfig struct {
	Name    string        `yaml:"name"`
	ID      string        `yaml:"id"`
	Timeout time.Duration `yaml:"timeout"`
}

type OptimisticConfig struct {
	MaxWaitTime         time.Duration `yaml:"max_wait_time"`
	MaxAttempts         int           `yaml:"max_attempts"`
	TimeBetweenAttempts time.Duration `yaml:"time_between_attempts"`
}

// Options converts the section into mutex retry options.
func (o OptimisticConfig) Options() mutex.OptimisticOptions {
	return mutex.OptimisticOptions{
		MaxWaitTime:         o.MaxWaitTime,
		MaxAttempts:         o.MaxAttempts,
		TimeBetweenAttempts: o.TimeBetweenAttempts,
	}
}

type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// TagName makes mapstructure decode using the given struct tag.
func TagName(tagName string) func(*mapstructure.DecoderConfig) {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = tagName
	}
}

// setDefaults registers every key, which also makes AutomaticEnv see them
// during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.redis.addrs", []string{"localhost:6379"})
	v.SetDefault("store.redis.username", "")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("store.nats.bucket", "locks")
	v.SetDefault("store.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("store.etcd.dial_timeout", 5*time.Second)
	v.SetDefault("store.etcd.username", "")
	v.SetDefault("store.etcd.password", "")
	v.SetDefault("bus.driver", "")
	v.SetDefault("bus.kafka_brokers", []string{})
	v.SetDefault("bus.breaker_threshold", 5)
	v.SetDefault("bus.breaker_timeout", 10*time.Second)
	v.SetDefault("lock.name", "")
	v.SetDefault("lock.id", "")
	v.SetDefault("lock.timeout", 30*time.Second)
	v.SetDefault("optimistic.max_wait_time", time.Duration(0))
	v.SetDefault("optimistic.max_attempts", 0)
	v.SetDefault("optimistic.time_between_attempts", time.Duration(0))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from path, or from ./mutex.yaml or
// /etc/mutex/mutex.yaml when path is empty and such a file exists.
// Environment variables override file values, e.g. MUTEX_LOCK_NAME or
// MUTEX_STORE_REDIS_ADDRS.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MUTEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("mutex")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mutex")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecoderConfigOption(TagName("yaml"))); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the tools cannot run without.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "redis", "nats", "etcd":
	default:
		return fmt.Errorf("config: %w: unknown store driver %q", mutexerrors.ErrInvalidConfig, c.Store.Driver)
	}
	switch c.Bus.Driver {
	case "", "memory", "redis", "nats", "kafka":
	default:
		return fmt.Errorf("config: %w: unknown bus driver %q", mutexerrors.ErrInvalidConfig, c.Bus.Driver)
	}
	if c.Lock.Timeout <= 0 {
		return fmt.Errorf("config: %w: lock.timeout must be positive", mutexerrors.ErrInvalidConfig)
	}
	return nil
}
