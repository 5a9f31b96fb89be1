// Package badger implements models.Cache on an embedded BadgerDB, for single node
// deployments that should not depend on a Redis server.
package badger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/models"
)

const maxConflictRetries = 16

type Config struct {
	// Directory of the database. Ignored when InMemory is set.
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

type Cache struct {
	db *badger.DB
}

func New(cfg Config) (*Cache, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else if cfg.Path == "" {
		return nil, errors.New("badger: path is required unless in_memory is set")
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %s: %w", cfg.Path, err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, translate(key, err)
	}
	return out, nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.Get(ctx, key)
	if errors.Is(err, models.ErrCacheMiss) {
		return false, nil
	}
	return err == nil, err
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.update(key, func(item *badger.Item, value []byte) (*badger.Entry, error) {
		return badger.NewEntry([]byte(key), value).WithTTL(ttl), nil
	})
}

func (c *Cache) Decrement(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.update(key, func(item *badger.Item, value []byte) (*badger.Entry, error) {
		v, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return nil, err
		}
		if v <= 0 {
			return nil, models.ErrExhausted
		}
		n = v - 1
		e := badger.NewEntry([]byte(key), []byte(strconv.FormatInt(n, 10)))
		e.ExpiresAt = item.ExpiresAt()
		return e, nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Cache) Close() error {
	l.Log("Closing badger cache...")
	return c.db.Close()
}

// update runs a read-modify-write of one key, retrying on transaction conflicts.
func (c *Cache) update(key string, fn func(item *badger.Item, value []byte) (*badger.Entry, error)) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err := c.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			if err != nil {
				return err
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			e, err := fn(item, value)
			if err != nil {
				return err
			}
			return txn.SetEntry(e)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return translate(key, err)
	}
	return fmt.Errorf("badger: %s: %w", key, badger.ErrConflict)
}

func translate(key string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return models.ErrCacheMiss
	case errors.Is(err, models.ErrExhausted):
		return err
	}
	return fmt.Errorf("badger: %s: %w", key, err)
}
