package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError marks an error that must stop the retry loop immediately
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps err so Do returns it without further attempts
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config controls the backoff schedule
type Config struct {
	MaxAttempts  int           // total attempts, values <= 0 mean a single attempt
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // upper bound for a single delay
	Multiplier   float64       // backoff multiplier
	AddJitter    bool          // add up to 25% random jitter per delay

	// OnRetry is called before sleeping with the failed attempt number and its error
	OnRetry func(attempt int, err error)
}

// DefaultConfig returns 3 attempts with 100ms-5s delays
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Quick returns a config for fast retries during startup
func Quick() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   1.5,
		AddJitter:    true,
	}
}

// Persistent returns a config for backend connections that must eventually succeed
func Persistent() Config {
	return Config{
		MaxAttempts:  30,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

func (cfg Config) normalize() (Config, error) {
	if cfg.InitialDelay < 0 {
		return cfg, errors.New("retry: InitialDelay cannot be negative")
	}
	if cfg.MaxDelay < 0 {
		return cfg, errors.New("retry: MaxDelay cannot be negative")
	}
	if cfg.Multiplier < 0 {
		return cfg, errors.New("retry: Multiplier cannot be negative")
	}
	if cfg.Multiplier > 1000 {
		cfg.Multiplier = 1000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		return cfg, errors.New("retry: MaxDelay must be >= InitialDelay")
	}
	return cfg, nil
}

func (cfg Config) jittered(delay time.Duration) time.Duration {
	if !cfg.AddJitter || delay < 4 {
		return delay
	}
	randMu.Lock()
	jitter := time.Duration(randSource.Int63n(int64(delay / 4)))
	randMu.Unlock()
	return delay + jitter
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.normalize()
	if err != nil {
		return err
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		timer := time.NewTimer(cfg.jittered(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}

		next := float64(delay) * cfg.Multiplier
		if next > float64(cfg.MaxDelay) {
			delay = cfg.MaxDelay
		} else {
			delay = time.Duration(next)
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult executes fn with retry and returns both result and error
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
