// Package redis implements models.Cache on top of a Redis server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/models"
)

// decrement lowers a counter unless it is already exhausted.
// Returns -2 for a missing key and -1 for an exhausted counter.
var decrement = redis.NewScript(1, `
local v = redis.call('GET', KEYS[1])
if not v then return -2 end
if tonumber(v) <= 0 then return -1 end
return redis.call('DECR', KEYS[1])
`)

type Config struct {
	URL         string        `mapstructure:"url" validate:"required"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxActive   int           `mapstructure:"max_active"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type Cache struct {
	pool *redis.Pool
}

// Connects to redis with provided url and verifies the connection
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.MaxIdle == 0 {
		cfg.MaxIdle = 8
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 4 * time.Minute
	}

	pool := &redis.Pool{
		MaxIdle:     cfg.MaxIdle,
		MaxActive:   cfg.MaxActive,
		IdleTimeout: cfg.IdleTimeout,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(cfg.URL)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	c := &Cache{pool: pool}
	conn, err := c.conn(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	l.LogV("redis: connected to %s", cfg.URL)
	return c, nil
}

func (c *Cache) conn(ctx context.Context) (redis.Conn, error) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis: get connection: %w", err)
	}
	return conn, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	conn, err := c.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if ttl > 0 {
		_, err = conn.Do("SET", key, value, "PX", ttl.Milliseconds())
	} else {
		_, err = conn.Do("SET", key, value)
	}
	if err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	conn, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	v, err := redis.Bytes(conn.Do("GET", key))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return nil, models.ErrCacheMiss
		}
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return v, nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	conn, err := c.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	ok, err := redis.Bool(conn.Do("EXISTS", key))
	if err != nil {
		return false, fmt.Errorf("redis: exists %s: %w", key, err)
	}
	return ok, nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	conn, err := c.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Do("DEL", redis.Args{}.AddFlat(keys)...); err != nil {
		return fmt.Errorf("redis: del %v: %w", keys, err)
	}
	return nil
}

func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	conn, err := c.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ok, err := redis.Bool(conn.Do("PEXPIRE", key, ttl.Milliseconds()))
	if err != nil {
		return fmt.Errorf("redis: pexpire %s: %w", key, err)
	}
	if !ok {
		return models.ErrCacheMiss
	}
	return nil
}

func (c *Cache) Decrement(ctx context.Context, key string) (int64, error) {
	conn, err := c.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	n, err := redis.Int64(decrement.Do(conn, key))
	if err != nil {
		return 0, fmt.Errorf("redis: decrement %s: %w", key, err)
	}
	switch n {
	case -2:
		return 0, models.ErrCacheMiss
	case -1:
		return 0, models.ErrExhausted
	}
	return n, nil
}

func (c *Cache) Close() error {
	l.Log("Closing redis pool...")
	return c.pool.Close()
}
