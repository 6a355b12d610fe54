package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mirkobrombin/go-mutex/v1/mutex"
	"github.com/mirkobrombin/go-mutex/v1/store"
	"github.com/mirkobrombin/go-mutex/v1/syncbus"
)

// Resources holds the store and optional bus built from a Config, together
// with the connections that back them.
type Resources struct {
	Store store.Store
	Bus   syncbus.Bus

	redisClient redis.UniversalClient
	natsConn    *nats.Conn
	closers     []func() error
}

// Close releases every connection opened by Open, in reverse order.
func (r *Resources) Close() error {
	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.closers = nil
	return firstErr
}

func (r *Resources) openRedis(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	if r.redisClient != nil {
		return r.redisClient, nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("config: redis ping: %w", err)
	}
	r.redisClient = client
	r.closers = append(r.closers, client.Close)
	return client, nil
}

func (r *Resources) openNATS(cfg NATSConfig) (*nats.Conn, error) {
	if r.natsConn != nil {
		return r.natsConn, nil
	}
	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("config: nats connect: %w", err)
	}
	r.natsConn = conn
	r.closers = append(r.closers, func() error {
		conn.Close()
		return nil
	})
	return conn, nil
}

// Open connects to the configured store and bus.
func Open(ctx context.Context, cfg *Config) (*Resources, error) {
	res := &Resources{}
	if err := res.openStore(ctx, cfg); err != nil {
		_ = res.Close()
		return nil, err
	}
	if err := res.openBus(ctx, cfg); err != nil {
		_ = res.Close()
		return nil, err
	}
	return res, nil
}

func (r *Resources) openStore(ctx context.Context, cfg *Config) error {
	switch cfg.Store.Driver {
	case "memory":
		r.Store = store.NewInMemory()
	case "redis":
		client, err := r.openRedis(ctx, cfg.Store.Redis)
		if err != nil {
			return err
		}
		r.Store = store.NewRedis(client)
	case "nats":
		conn, err := r.openNATS(cfg.Store.NATS)
		if err != nil {
			return err
		}
		js, err := conn.JetStream()
		if err != nil {
			return fmt.Errorf("config: jetstream: %w", err)
		}
		s, err := store.NewNATS(js, cfg.Store.NATS.Bucket, cfg.Lock.Timeout)
		if err != nil {
			return err
		}
		r.Store = s
	case "etcd":
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Store.Etcd.Endpoints,
			DialTimeout: cfg.Store.Etcd.DialTimeout,
			Username:    cfg.Store.Etcd.Username,
			Password:    cfg.Store.Etcd.Password,
			Context:     ctx,
		})
		if err != nil {
			return fmt.Errorf("config: etcd: %w", err)
		}
		r.closers = append(r.closers, client.Close)
		r.Store = store.NewEtcd(client)
	default:
		return fmt.Errorf("config: unknown store driver %q", cfg.Store.Driver)
	}
	return nil
}

func (r *Resources) openBus(ctx context.Context, cfg *Config) error {
	var bus syncbus.Bus
	switch cfg.Bus.Driver {
	case "":
		return nil
	case "memory":
		bus = syncbus.NewInMemoryBus()
	case "redis":
		client, err := r.openRedis(ctx, cfg.Store.Redis)
		if err != nil {
			return err
		}
		rb := syncbus.NewRedisBus(client)
		r.closers = append(r.closers, rb.Close)
		bus = rb
	case "nats":
		conn, err := r.openNATS(cfg.Store.NATS)
		if err != nil {
			return err
		}
		bus = syncbus.NewNATSBus(conn)
	case "kafka":
		kb, err := syncbus.NewKafkaBus(cfg.Bus.KafkaBrokers, sarama.NewConfig())
		if err != nil {
			return fmt.Errorf("config: kafka: %w", err)
		}
		r.closers = append(r.closers, kb.Close)
		bus = kb
	default:
		return fmt.Errorf("config: unknown bus driver %q", cfg.Bus.Driver)
	}
	r.Bus = syncbus.NewCircuitBreaker(bus, cfg.Bus.BreakerThreshold, cfg.Bus.BreakerTimeout)
	return nil
}

// NewMutex builds the configured lock on top of res.
func (c *Config) NewMutex(res *Resources, logger *slog.Logger, opts ...mutex.Option) (*mutex.Mutex, error) {
	base := []mutex.Option{mutex.WithLogger(logger)}
	if res.Bus != nil {
		base = append(base, mutex.WithBus(res.Bus))
	}
	return mutex.New(c.Lock.Name, c.Lock.ID, c.Lock.Timeout, res.Store, append(base, opts...)...)
}

// NewLogger returns a slog logger writing to w as described by cfg.
// Unknown levels fall back to info.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
