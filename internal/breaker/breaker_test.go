package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"healthai/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var errService = errors.New("503 service unavailable")

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	b := New("openai_analysis", cfg)
	b.now = clock.Now
	return b, clock
}

func fail(context.Context) error    { return errService }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute, SuccessThreshold: 1})
	ctx := context.Background()

	assert.ErrorIs(t, b.Call(ctx, fail), errService)
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 1, b.Stats().FailureCount)

	assert.ErrorIs(t, b.Call(ctx, fail), errService)
	assert.Equal(t, Open, b.State())

	called := false
	err := b.Call(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindCircuitOpen, ae.Kind)
	assert.InDelta(t, time.Minute.Seconds(), ae.RetryAfter.Seconds(), 0.001)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, fail)
	assert.Equal(t, 2, b.Stats().FailureCount)

	require.NoError(t, b.Call(ctx, succeed))
	assert.Equal(t, 0, b.Stats().FailureCount)

	_ = b.Call(ctx, fail)
	assert.Equal(t, 1, b.Stats().FailureCount)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 2})
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	require.Equal(t, Open, b.State())

	clock.Advance(10 * time.Second)
	err := b.Call(ctx, succeed)
	require.True(t, apperr.Is(err, apperr.KindCircuitOpen))
	assert.InDelta(t, 20.0, b.Stats().ResidualRecovery, 0.001)

	clock.Advance(20 * time.Second)
	require.NoError(t, b.Call(ctx, succeed))
	assert.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Call(ctx, succeed))
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Stats().FailureCount)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 2})
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	clock.Advance(time.Second)

	assert.ErrorIs(t, b.Call(ctx, fail), errService)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_UnrelatedErrorsDoNotCount(t *testing.T) {
	permanent := errors.New("400 bad request")
	b, _ := newTestBreaker(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		IsFailure:        func(err error) bool { return errors.Is(err, errService) },
	})

	err := b.Call(context.Background(), func(context.Context) error { return permanent })
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Stats().FailureCount)
}

func TestBreaker_TimeoutCountsAsFailure(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, CallTimeout: 20 * time.Millisecond})

	err := b.Call(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_ConcurrentCallers(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1000, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Call(ctx, fail)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, b.Stats().FailureCount)
}

func TestRegistry_GetReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	r.Configure("store", Config{FailureThreshold: 7, RecoveryTimeout: time.Second})

	a := r.Get("openai_analysis")
	assert.Same(t, a, r.Get("openai_analysis"))
	assert.Equal(t, 7, r.Get("store").cfg.FailureThreshold)

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "openai_analysis", stats[0].Name)
	assert.Equal(t, "closed", stats[0].State)
}

func TestRegistry_OnStateChange(t *testing.T) {
	r := NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	changes := make(chan State, 1)
	r.OnStateChange(func(name string, from, to State) {
		changes <- to
	})

	_ = r.Get("google_analysis").Call(context.Background(), fail)

	select {
	case to := <-changes:
		assert.Equal(t, Open, to)
	case <-time.After(time.Second):
		t.Fatal("state change hook not invoked")
	}
}
