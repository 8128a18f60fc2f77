package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errPermanent = errors.New("permanent")

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, Policy{Attempts: 5, Backoff: ExpoJitter{Base: time.Millisecond}})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	exhausted := false
	err := Do(context.Background(), func() error {
		calls++
		return errPermanent
	}, Policy{
		Attempts:  5,
		Backoff:   ExpoJitter{Base: time.Millisecond},
		Retryable: func(err error) bool { return !errors.Is(err, errPermanent) },
		OnExhaust: func(error) { exhausted = true },
	})
	require.ErrorIs(t, err, errPermanent)
	assert.Equal(t, 1, calls)
	assert.True(t, exhausted)
}

func TestDo_PermanentSkipsRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return Permanent(errPermanent)
	}, Policy{Attempts: 5, Backoff: ExpoJitter{Base: time.Millisecond}})
	require.ErrorIs(t, err, errPermanent)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
	assert.NoError(t, Permanent(nil))
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	var last error
	err := Do(context.Background(), func() error {
		calls++
		return errors.New("transient")
	}, Policy{Attempts: 3, Backoff: ExpoJitter{Base: time.Millisecond}, OnExhaust: func(err error) { last = err }})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, err, last)
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Do(ctx, func() error {
		cancel()
		return errors.New("transient")
	}, Policy{Attempts: 3, Backoff: ExpoJitter{Base: time.Hour}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestExpoJitter_Capped(t *testing.T) {
	b := ExpoJitter{Base: 100 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 100*time.Millisecond, b.Next(0))
	assert.Equal(t, 400*time.Millisecond, b.Next(2))
	assert.Equal(t, time.Second, b.Next(10))
}
