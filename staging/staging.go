// Package staging holds registered uploads whose bytes have not arrived yet.
// Entries live in the key/value cache and expire on their own.
package staging

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/models"
)

const DefaultTTL = 24 * time.Hour

const keyPrefix = "staging:"

type Cache struct {
	kv  models.Cache
	ttl time.Duration
}

// New returns a staging cache over kv. A ttl of zero means DefaultTTL.
func New(kv models.Cache, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{kv: kv, ttl: ttl}
}

func key(id uuid.UUID) string {
	return keyPrefix + id.String()
}

// Put stages node under its id, replacing a previous entry.
func (c *Cache) Put(ctx context.Context, node *models.FileNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	if err := c.kv.Set(ctx, key(node.ID), data, c.ttl); err != nil {
		return models.Unavailable(err, "staging cache")
	}
	l.LogV("staging: %s (%s) staged for %s", node.ID, node.Name, c.ttl)
	return nil
}

// Get returns the staged node or NotFound when it was never staged or has expired.
func (c *Cache) Get(ctx context.Context, id uuid.UUID) (*models.FileNode, error) {
	data, err := c.kv.Get(ctx, key(id))
	if errors.Is(err, models.ErrCacheMiss) {
		return nil, models.NotFound("no pending upload %s", id)
	}
	if err != nil {
		return nil, models.Unavailable(err, "staging cache")
	}

	var node models.FileNode
	if err := json.Unmarshal(data, &node); err != nil {
		l.Defect("staging: entry %s is not a valid node: %v", id, err)
		return nil, models.Integrity("pending upload %s is corrupted", id)
	}
	return &node, nil
}

func (c *Cache) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := c.kv.Exists(ctx, key(id))
	if err != nil {
		return false, models.Unavailable(err, "staging cache")
	}
	return ok, nil
}

// Evict drops the entry. Evicting a missing entry is not an error.
func (c *Cache) Evict(ctx context.Context, id uuid.UUID) error {
	if err := c.kv.Delete(ctx, key(id)); err != nil {
		return models.Unavailable(err, "staging cache")
	}
	return nil
}
