// Package retry re-invokes failing calls with exponential backoff and
// composes with the breaker registry.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"healthai/internal/apperr"
	"healthai/internal/breaker"

	"go.uber.org/zap"
)

// Config is the backoff policy for one kind of service.
type Config struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	JitterFactor    float64
	// Kind tags the error returned once the budget is spent.
	Kind apperr.Kind
}

// ProviderConfig is the policy for LLM provider calls.
func ProviderConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, ExponentialBase: 2, JitterFactor: 0.1, Kind: apperr.KindAIProvider}
}

// StoreConfig is the policy for database operations.
func StoreConfig() Config {
	return Config{MaxAttempts: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, ExponentialBase: 2, JitterFactor: 0.1, Kind: apperr.KindDatabase}
}

// ExternalConfig is the policy for generic outbound HTTP.
func ExternalConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second, ExponentialBase: 2, JitterFactor: 0.1, Kind: apperr.KindExternalService}
}

// NotificationConfig is the policy for notification delivery.
func NotificationConfig() Config {
	return Config{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 10 * time.Second, ExponentialBase: 2, JitterFactor: 0.1, Kind: apperr.KindExternalService}
}

// Delay returns the wait after the given zero-based attempt, before jitter.
func (c Config) Delay(attempt int) time.Duration {
	base := c.ExponentialBase
	if base <= 0 {
		base = 2
	}
	d := float64(c.BaseDelay) * math.Pow(base, float64(attempt))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// Options names the call being retried.
type Options struct {
	// Service tags logs and the final error.
	Service string
	// Breaker, when set, runs every attempt inside the named breaker.
	Breaker string
	Config  Config
	// Retryable overrides the default classification.
	Retryable func(error) bool
}

// Service runs calls under a retry policy. Safe for concurrent use.
type Service struct {
	log      *zap.Logger
	breakers *breaker.Registry
	sleep    func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rnd *rand.Rand
}

// New creates a retry service; breakers may be nil.
func New(log *zap.Logger, breakers *breaker.Registry) *Service {
	return &Service{
		log:      log,
		breakers: breakers,
		sleep:    sleepContext,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) jittered(c Config, attempt int) time.Duration {
	d := c.Delay(attempt)
	if c.JitterFactor <= 0 || d <= 0 {
		return d
	}
	s.mu.Lock()
	f := 1 + c.JitterFactor*(2*s.rnd.Float64()-1)
	s.mu.Unlock()
	return time.Duration(float64(d) * f)
}

// Do runs fn until it succeeds, fails permanently, or the budget is spent.
func (s *Service) Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	cfg := opts.Config
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	retryable := opts.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	var b *breaker.Breaker
	if opts.Breaker != "" && s.breakers != nil {
		b = s.breakers.Get(opts.Breaker)
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		var err error
		if b != nil {
			err = b.CallWith(ctx, retryable, fn)
		} else {
			err = fn(ctx)
		}
		if err == nil {
			if attempt > 0 {
				s.log.Info("Call succeeded after retry",
					zap.String("service", opts.Service),
					zap.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		if apperr.Is(err, apperr.KindCircuitOpen) {
			if lastErr != nil {
				s.log.Warn("Circuit opened during retries",
					zap.String("service", opts.Service),
					zap.Int("attempt", attempt+1),
				)
				return apperr.Failure(cfg.Kind, opts.Service, attempt+1, true, lastErr)
			}
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s cancelled after %d attempts: %w", opts.Service, attempt+1, ctx.Err())
		}
		if !retryable(err) {
			s.log.Warn("Permanent failure, not retrying",
				zap.String("service", opts.Service),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			return finalError(cfg, opts.Service, attempt+1, false, err)
		}

		lastErr = err
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := s.jittered(cfg, attempt)
		s.log.Warn("Transient failure, retrying",
			zap.String("service", opts.Service),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := s.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s cancelled after %d attempts: %w", opts.Service, attempt+1, err)
		}
	}

	s.log.Error("Retries exhausted",
		zap.String("service", opts.Service),
		zap.Int("attempts", cfg.MaxAttempts),
		zap.Error(lastErr),
	)
	return finalError(cfg, opts.Service, cfg.MaxAttempts, true, lastErr)
}

// finalError keeps classified caller errors intact and tags everything else.
func finalError(cfg Config, service string, attempts int, transient bool, err error) error {
	if ae, ok := apperr.As(err); ok {
		switch ae.Kind {
		case apperr.KindValidation, apperr.KindNotFound, apperr.KindPermission, apperr.KindConfiguration, apperr.KindRateLimit:
			return err
		}
	}
	kind := cfg.Kind
	if kind == "" {
		kind = apperr.KindExternalService
	}
	return apperr.Failure(kind, service, attempts, transient, err)
}

// Value is Do for calls that return a result. An attempt abandoned by the
// breaker's call timeout keeps running; it may only publish its result while
// its own context is live.
func Value[T any](ctx context.Context, s *Service, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		mu  sync.Mutex
		out T
	)
	err := s.Do(ctx, opts, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if err := ctx.Err(); err != nil {
			return err
		}
		out = v
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
