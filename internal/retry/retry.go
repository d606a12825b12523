// Package retry runs an operation with bounded attempts and exponential backoff.
//
// Cancellation is never retried: an error matching context.Canceled (or one
// the configured classifier rejects) is returned after the first attempt that
// produced it. After the last attempt the final error is returned unchanged.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy defines how many times and how patiently an operation is retried.
type Policy struct {
	// MaxRetries is the total number of attempts, the first one included.
	//
	// Default: 3
	MaxRetries int

	// BaseDelay is the delay before the second attempt, doubled per attempt.
	//
	// Default: 1s
	BaseDelay time.Duration

	// MaxDelay caps every delay, jitter included.
	//
	// Default: 10s
	MaxDelay time.Duration

	// Jitter is the upper bound of the random delay added to each backoff.
	// Zero disables jitter.
	//
	// Default: 250ms
	Jitter time.Duration
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Jitter:     250 * time.Millisecond,
	}
}

// Validate applies defaults for zero or out-of-range values.
func (p *Policy) Validate() {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
}

// Delay returns the wait after the zero-based attempt that just failed:
// min(BaseDelay * 2^attempt + jitter, MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.Jitter > 0 {
		delay += float64(rand.Int64N(int64(p.Jitter)))
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Classifier reports whether an error may be retried.
type Classifier func(err error) bool

// Retryer executes operations under a Policy.
type Retryer struct {
	policy    Policy
	logger    *zap.Logger
	retryable Classifier
	onRetry   func(attempt int, err error, delay time.Duration)
}

// Option configures a Retryer.
type Option func(*Retryer)

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Retryer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClassifier replaces the default classifier. Cancellation is rejected
// before the classifier is consulted.
func WithClassifier(c Classifier) Option {
	return func(r *Retryer) {
		if c != nil {
			r.retryable = c
		}
	}
}

// WithOnRetry registers a hook called before each backoff wait.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(r *Retryer) {
		r.onRetry = fn
	}
}

// New creates a Retryer. The policy is validated on a copy.
func New(policy Policy, opts ...Option) *Retryer {
	policy.Validate()
	r := &Retryer{
		policy:    policy,
		logger:    zap.NewNop(),
		retryable: func(error) bool { return true },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "retry"))
	return r
}

// Policy returns the validated policy.
func (r *Retryer) Policy() Policy {
	return r.policy
}

// IsCancellation reports whether err originates from an explicit abort.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are exhausted. attempt is zero-based.
func Do[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx, attempt)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt+1))
			}
			return result, nil
		}
		lastErr = err

		if IsCancellation(err) || !r.retryable(err) {
			r.logger.Debug("error not retryable", zap.Int("attempt", attempt+1), zap.Error(err))
			return zero, err
		}
		if attempt+1 >= r.policy.MaxRetries {
			break
		}

		delay := r.policy.Delay(attempt)
		r.logger.Debug("retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", r.policy.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if r.onRetry != nil {
			r.onRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries),
		zap.Error(lastErr),
	)
	return zero, lastErr
}
