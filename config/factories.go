package config

import (
	"context"
	"fmt"

	badgercache "github.com/noisersup/dedupfs-api/cache/badger"
	memcache "github.com/noisersup/dedupfs-api/cache/memory"
	rediscache "github.com/noisersup/dedupfs-api/cache/redis"
	"github.com/noisersup/dedupfs-api/database"
	memdb "github.com/noisersup/dedupfs-api/database/memory"
	l "github.com/noisersup/dedupfs-api/logger"
	"github.com/noisersup/dedupfs-api/models"
	"github.com/noisersup/dedupfs-api/storage"
	"github.com/noisersup/dedupfs-api/storage/flat"
	s3store "github.com/noisersup/dedupfs-api/storage/s3"

	"github.com/mitchellh/mapstructure"
)

// OpenDocumentStore connects the document store selected by cfg.
func OpenDocumentStore(ctx context.Context, cfg DatabaseConfig) (models.DocumentStore, error) {
	switch cfg.Type {
	case "cockroach":
		l.LogV("Connecting to database %s at %s", cfg.Name, cfg.DSN())
		db, err := database.ConnectDB(ctx, cfg.DSN(), cfg.Name)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := db.Migrate(ctx); err != nil {
				db.Close()
				return nil, err
			}
		}
		return db, nil
	case "memory":
		l.Warn("Using the in-memory document store, metadata is lost on restart")
		return memdb.New(), nil
	}
	return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
}

// OpenCache creates the key/value cache selected by cfg.
func OpenCache(ctx context.Context, cfg CacheConfig) (models.Cache, error) {
	switch cfg.Type {
	case "redis":
		var rc rediscache.Config
		if err := decode(cfg.Redis, &rc); err != nil {
			return nil, fmt.Errorf("cache.redis: %w", err)
		}
		return rediscache.New(ctx, rc)
	case "badger":
		var bc badgercache.Config
		if err := decode(cfg.Badger, &bc); err != nil {
			return nil, fmt.Errorf("cache.badger: %w", err)
		}
		return badgercache.New(bc)
	case "memory":
		return memcache.New(), nil
	}
	return nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
}

type flatOptions struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

// OpenBackends creates every configured backend and registers it under its tag.
func OpenBackends(ctx context.Context, cfgs []BackendConfig) (*storage.Registry, error) {
	reg, err := storage.NewRegistry(nil)
	if err != nil {
		return nil, err
	}
	for i, c := range cfgs {
		b, err := openBackend(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("storage[%d] (%s): %w", i, c.Tag, err)
		}
		if err := reg.Register(c.Tag, b); err != nil {
			return nil, err
		}
		l.Log("Storage type %s -> %s", c.Tag, b.Name())
	}
	return reg, nil
}

func openBackend(ctx context.Context, c BackendConfig) (storage.Backend, error) {
	switch c.Type {
	case "flat":
		var o flatOptions
		if err := decode(c.Options, &o); err != nil {
			return nil, err
		}
		return flat.NewOnDisk(o.Dir)
	case "memory":
		return flat.NewInMemory(), nil
	case "s3":
		var sc s3store.Config
		if err := decode(c.Options, &sc); err != nil {
			return nil, err
		}
		client, err := s3store.NewClient(ctx, sc)
		if err != nil {
			return nil, err
		}
		return s3store.New(ctx, client, sc)
	}
	return nil, fmt.Errorf("unknown storage backend type: %s", c.Type)
}

// decode fills out from a free-form config section and validates it.
func decode(options map[string]any, out any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := d.Decode(options); err != nil {
		return err
	}
	if err := validate.Struct(out); err != nil {
		return formatValidationError(err)
	}
	return nil
}
