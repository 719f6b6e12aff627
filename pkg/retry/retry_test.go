package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/errors"
)

func fast(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		Multiplier:      2,
		RandomizeFactor: 0.5,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var observed []int
	p := fast(5).WithOnRetry(func(attempt int, _ error, _ time.Duration) {
		observed = append(observed, attempt)
	})
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 4 {
			return errors.New(errors.ErrorTypeRateLimit, "throttled")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []int{1, 2, 3}, observed)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := fast(5).Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New(errors.ErrorTypeAuthentication, "forbidden")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := fast(3).Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New(errors.ErrorTypeTimeout, "slow")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
}

func TestDoCustomPredicate(t *testing.T) {
	sentinel := stderrors.New("busy")
	calls := 0
	p := fast(4).WithRetryable(func(err error) bool { return stderrors.Is(err, sentinel) })
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return sentinel
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}

	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context) error {
			return errors.New(errors.ErrorTypeConnection, "refused")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.NewConfig().Reliability)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, time.Minute, p.MaxDelay)
}
