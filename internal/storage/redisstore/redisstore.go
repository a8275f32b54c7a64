package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sisedes/cartsync/internal/storage"
	"github.com/sisedes/cartsync/pkg/config"
)

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	Set(context.Context, string, any, time.Duration) *redis.StatusCmd
	Get(context.Context, string) *redis.StringCmd
	Del(context.Context, ...string) *redis.IntCmd
	Publish(context.Context, string, any) *redis.IntCmd
}

// Store keeps the cart snapshot in a host-local redis. Its pub/sub channel
// doubles as the cross-context change broadcast, so separate processes
// sharing the same redis see each other's writes.
type Store struct {
	store cmdable
	raw   *redis.Client
}

// Open bootstraps the redis-backed store and verifies connectivity.
func Open(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{store: raw, raw: raw}, nil
}

func optionsFromConfig(cfg config.RedisConfig) (*redis.Options, error) {
	if cfg.URL == "" && cfg.Address == "" {
		return nil, errors.New("redis url or address is required")
	}
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if opts.MinIdleConns == 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s.store == nil {
		return nil, errors.New("redis store not initialized")
	}
	val, err := s.store.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if s.store == nil {
		return errors.New("redis store not initialized")
	}
	return s.store.Set(ctx, key, value, 0).Err()
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if s.store == nil {
		return errors.New("redis store not initialized")
	}
	if len(keys) == 0 {
		return nil
	}
	return s.store.Del(ctx, keys...).Err()
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if s.store == nil {
		return errors.New("redis store not initialized")
	}
	return s.store.Publish(ctx, channel, payload).Err()
}

// Subscribe consumes the redis pub/sub channel until unsubscribed.
func (s *Store) Subscribe(ctx context.Context, channel string, fn func(payload []byte)) (func(), error) {
	if fn == nil {
		return nil, errors.New("subscriber callback is required")
	}
	if s.raw == nil {
		return nil, errors.New("redis store not initialized")
	}

	sub := s.raw.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	go func() {
		for msg := range sub.Channel() {
			fn([]byte(msg.Payload))
		}
	}()

	return func() { _ = sub.Close() }, nil
}

func (s *Store) Close() error {
	if s.raw == nil {
		return nil
	}
	return s.raw.Close()
}
