package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var fast = Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

func Test_DoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func Test_DoExhausted(t *testing.T) {
	cause := errors.New("down")
	calls := 0
	err := Do(context.Background(), fast, "append child", func(ctx context.Context) error {
		calls++
		return cause
	})

	var ex *Exhausted
	assert.True(t, errors.As(err, &ex))
	assert.Equal(t, 3, ex.Attempts)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, 3, calls)
}

func Test_DoPermanent(t *testing.T) {
	cause := errors.New("not found")
	calls := 0
	err := Do(context.Background(), fast, "op", func(ctx context.Context) error {
		calls++
		return Permanent(cause)
	})
	assert.Equal(t, cause, err)
	assert.Equal(t, 1, calls)
}

func Test_DoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Config{MaxAttempts: 3, InitialBackoff: time.Second}, "op", func(ctx context.Context) error {
		return errors.New("x")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
