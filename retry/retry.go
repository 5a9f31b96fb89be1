// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	l "github.com/noisersup/dedupfs-api/logger"
)

type Config struct {
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"gte=1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

// permanent wraps errors that must not be retried.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts run out
// or ctx is cancelled. op names the operation in logs and the final error.
func Do(ctx context.Context, cfg Config, op string, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}

	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var p permanent
		if errors.As(err, &p) {
			return p.err
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}

		l.LogV("%s failed (attempt %d/%d), retrying in %s: %v", op, attempt, cfg.MaxAttempts, backoff, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return &Exhausted{Op: op, Attempts: cfg.MaxAttempts, Err: lastErr}
}

// Exhausted is returned once every attempt failed.
type Exhausted struct {
	Op       string
	Attempts int
	Err      error
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *Exhausted) Unwrap() error { return e.Err }
