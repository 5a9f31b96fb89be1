// Package config loads the server configuration from an optional YAML file,
// DEDUPFS_* environment variables and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/noisersup/dedupfs-api/retry"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Database DatabaseConfig  `mapstructure:"database"`
	Cache    CacheConfig     `mapstructure:"cache"`
	Storage  []BackendConfig `mapstructure:"storage" validate:"required,min=1,dive"`
	Staging  StagingConfig   `mapstructure:"staging"`
	Share    ShareConfig     `mapstructure:"share"`
	Sessions SessionConfig   `mapstructure:"sessions"`
	Retry    retry.Config    `mapstructure:"retry"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	MaxUpload       int64         `mapstructure:"max_upload" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig selects the document store of the metadata tree.
type DatabaseConfig struct {
	Type string `mapstructure:"type" validate:"required,oneof=cockroach memory"`
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	User string `mapstructure:"user"`
	Name string `mapstructure:"name"`
	// URI overrides Host, Port and User when set.
	URI string `mapstructure:"uri"`
	// Migrate creates the schema on startup.
	Migrate bool `mapstructure:"migrate"`
}

// DSN returns the connection string of a cockroach database.
func (c DatabaseConfig) DSN() string {
	if c.URI != "" {
		return c.URI
	}
	return fmt.Sprintf("postgresql://%s@%s:%s?sslmode=disable", c.User, c.Host, c.Port)
}

// CacheConfig selects the key/value cache behind staging, share links and sessions.
// Only the section matching Type is used.
type CacheConfig struct {
	Type   string         `mapstructure:"type" validate:"required,oneof=redis badger memory"`
	Redis  map[string]any `mapstructure:"redis"`
	Badger map[string]any `mapstructure:"badger"`
}

// BackendConfig registers one storage backend under a storage-type tag.
type BackendConfig struct {
	Tag     string         `mapstructure:"tag" validate:"required,ne=ref"`
	Type    string         `mapstructure:"type" validate:"required,oneof=flat s3 memory"`
	Options map[string]any `mapstructure:"options"`
}

type StagingConfig struct {
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type ShareConfig struct {
	BcryptCost int `mapstructure:"bcrypt_cost" validate:"min=4,max=31"`
}

type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

var validate = validator.New()

// Load reads the configuration. An empty path looks for config.yaml in the
// working directory; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DEDUPFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Storage) == 0 {
		cfg.Storage = []BackendConfig{{Tag: "FLAT", Type: "flat", Options: map[string]any{"dir": "files"}}}
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.max_upload", int64(1024<<20))
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.type", "cockroach")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "26257")
	v.SetDefault("database.user", "root")
	v.SetDefault("database.name", "filestorage")
	v.SetDefault("database.uri", "")
	v.SetDefault("database.migrate", false)

	v.SetDefault("cache.type", "redis")
	v.SetDefault("cache.redis.url", "redis://localhost")
	v.SetDefault("cache.badger.path", "cache")

	v.SetDefault("staging.ttl", 24*time.Hour)
	v.SetDefault("share.bcrypt_cost", 10)
	v.SetDefault("sessions.ttl", 120*time.Second)

	r := retry.DefaultConfig()
	v.SetDefault("retry.max_attempts", r.MaxAttempts)
	v.SetDefault("retry.initial_backoff", r.InitialBackoff)
	v.SetDefault("retry.max_backoff", r.MaxBackoff)
}

// Validate checks struct tags and the rules spanning several fields.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	tags := map[string]bool{}
	for i, b := range cfg.Storage {
		key := strings.ToLower(b.Tag)
		if tags[key] {
			return fmt.Errorf("storage[%d]: duplicate tag %q", i, b.Tag)
		}
		tags[key] = true
	}
	if cfg.Database.Type == "cockroach" && cfg.Database.URI == "" && cfg.Database.Host == "" {
		return fmt.Errorf("database: host or uri is required")
	}
	return nil
}

func formatValidationError(err error) error {
	if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
		e := errs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
