// Package retry wraps ledger calls with bounded exponential backoff and a
// per-context circuit breaker.
package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/medibridge/hms-backend/pkg/config"
	apperrors "github.com/medibridge/hms-backend/pkg/errors"
	"github.com/medibridge/hms-backend/pkg/logger"
)

const (
	defaultMaxRetries   = 5
	defaultInitialDelay = time.Second
	defaultMultiplier   = 2.0
	defaultMaxDelay     = 60 * time.Second
	jitterFraction      = 0.3
)

// defaultRetryableTokens classify uncoded errors by message. Coded errors
// are classified by their metadata instead.
var defaultRetryableTokens = []string{
	"timeout",
	"timed out",
	"unavailable",
	"transient",
	"connection refused",
	"connection reset",
	"too many requests",
	"busy",
	"try again",
}

// Options tunes one Execute call.
type Options struct {
	MaxRetries      int
	InitialDelay    time.Duration
	Multiplier      float64
	MaxDelay        time.Duration
	RetryableTokens []string
}

// OptionsFromConfig maps the retry section of the configuration.
func OptionsFromConfig(cfg config.RetryConfig) Options {
	return Options{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.InitialDelay,
		Multiplier:   cfg.Multiplier,
		MaxDelay:     cfg.MaxDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = defaultInitialDelay
	}
	if o.Multiplier <= 1 {
		o.Multiplier = defaultMultiplier
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if len(o.RetryableTokens) == 0 {
		o.RetryableTokens = defaultRetryableTokens
	}
	return o
}

// Result reports what one Execute call consumed.
type Result struct {
	Success       bool
	Err           error
	Attempts      int
	TotalDuration time.Duration
}

// Fn is the operation under retry. Returning nil ends the loop.
type Fn func(ctx context.Context) error

// Executor runs operations with backoff and optional circuit breaking.
type Executor struct {
	logg     *logger.Logger
	breakers *BreakerRegistry

	jitterMu sync.Mutex
	jitter   *rand.Rand
}

// NewExecutor builds an executor sharing one breaker registry.
func NewExecutor(logg *logger.Logger, breakers *BreakerRegistry) *Executor {
	return &Executor{
		logg:     logg,
		breakers: breakers,
		jitter:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute runs fn until it succeeds, fails non-retryably, exhausts
// MaxRetries, or the context is canceled. The delay between attempts only
// blocks the calling goroutine.
func (e *Executor) Execute(ctx context.Context, fn Fn, opts Options, label string) Result {
	opts = opts.withDefaults()
	start := time.Now()

	var lastErr error
	attempt := 0
	for attempt <= opts.MaxRetries {
		attempt++
		lastErr = fn(ctx)
		if lastErr == nil {
			return Result{Success: true, Attempts: attempt, TotalDuration: time.Since(start)}
		}

		if !e.isRetryable(lastErr, opts.RetryableTokens) || attempt > opts.MaxRetries {
			break
		}

		delay := e.backoffDelay(opts, attempt)
		if e.logg != nil {
			logCtx := e.logg.WithFields(ctx, map[string]any{
				"context":  label,
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"error":    lastErr.Error(),
			})
			e.logg.Warn(logCtx, "retryable failure, backing off")
		}
		if err := sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	return Result{Success: false, Err: lastErr, Attempts: attempt, TotalDuration: time.Since(start)}
}

// ExecuteWithBreaker consults the breaker for label before running. An open
// circuit fails fast without invoking fn at all.
func (e *Executor) ExecuteWithBreaker(ctx context.Context, fn Fn, opts Options, label string) Result {
	if e.breakers != nil && !e.breakers.Allow(label) {
		return Result{
			Success: false,
			Err: apperrors.New(apperrors.CodeCircuitOpen, "circuit open for "+label).
				WithDetails(map[string]any{"context": label}),
		}
	}

	result := e.Execute(ctx, fn, opts, label)
	if e.breakers != nil {
		if result.Success {
			e.breakers.RecordSuccess(label)
		} else {
			e.breakers.RecordFailure(label)
		}
	}
	return result
}

func (e *Executor) isRetryable(err error, tokens []string) bool {
	if typed := apperrors.As(err); typed != nil {
		return apperrors.MetadataFor(typed.Code()).Retryable
	}
	msg := strings.ToLower(err.Error())
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

// backoffDelay computes initialDelay * multiplier^(attempt-1) with up to 30%
// random jitter, capped at MaxDelay.
func (e *Executor) backoffDelay(opts Options, attempt int) time.Duration {
	base := float64(opts.InitialDelay) * math.Pow(opts.Multiplier, float64(attempt-1))
	if capped := float64(opts.MaxDelay); base > capped {
		base = capped
	}

	e.jitterMu.Lock()
	jitter := e.jitter.Float64() * jitterFraction * base
	e.jitterMu.Unlock()

	delay := time.Duration(base + jitter)
	if delay > opts.MaxDelay {
		delay = opts.MaxDelay
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
