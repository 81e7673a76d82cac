package github

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/ratelimit"
	"github.com/felixgeelhaar/fortify/retry"
	"github.com/google/go-github/v60/github"
)

// ResilienceConfig configures resilience patterns for GitHub calls.
type ResilienceConfig struct {
	// Requests per minute (0 = disabled)
	RateLimitRPM int

	RetryAttempts    int
	RetryInitialWait time.Duration
	RetryMaxWait     time.Duration

	CircuitBreakerEnabled     bool
	CircuitBreakerThreshold   int           // failures before opening
	CircuitBreakerTimeout     time.Duration // how long to stay open
	CircuitBreakerMaxRequests int           // requests allowed in half-open
}

// DefaultResilienceConfig returns the defaults used against github.com.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		RateLimitRPM:              120,
		RetryAttempts:             3,
		RetryInitialWait:          500 * time.Millisecond,
		RetryMaxWait:              10 * time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerThreshold:   5,
		CircuitBreakerTimeout:     30 * time.Second,
		CircuitBreakerMaxRequests: 2,
	}
}

// Resilience wraps Fortify resilience patterns for GitHub operations.
// Results are carried as any so one breaker covers every endpoint.
type Resilience struct {
	rateLimiter    ratelimit.RateLimiter
	retrier        retry.Retry[any]
	circuitBreaker circuitbreaker.CircuitBreaker[any]
}

// NewResilience creates a resilience wrapper. A zero config disables every
// pattern.
func NewResilience(cfg ResilienceConfig) *Resilience {
	r := &Resilience{}

	if cfg.RateLimitRPM > 0 {
		r.rateLimiter = ratelimit.New(&ratelimit.Config{
			Rate:     cfg.RateLimitRPM,
			Burst:    cfg.RateLimitRPM,
			Interval: time.Minute,
		})
	}

	if cfg.RetryAttempts > 0 {
		r.retrier = retry.New[any](retry.Config{
			MaxAttempts:   cfg.RetryAttempts,
			InitialDelay:  cfg.RetryInitialWait,
			MaxDelay:      cfg.RetryMaxWait,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
			Jitter:        true,
			IsRetryable:   isRetryableError,
		})
	}

	if cfg.CircuitBreakerEnabled {
		threshold := cfg.CircuitBreakerThreshold
		r.circuitBreaker = circuitbreaker.New[any](circuitbreaker.Config{
			MaxRequests: uint32(cfg.CircuitBreakerMaxRequests), // #nosec G115 -- bounded config value
			Interval:    cfg.CircuitBreakerTimeout,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold) // #nosec G115 -- bounded config value
			},
		})
	}

	return r
}

// Close releases resources held by the rate limiter.
func (r *Resilience) Close() error {
	if r != nil && r.rateLimiter != nil {
		return r.rateLimiter.Close()
	}
	return nil
}

// CircuitBreakerState returns "closed", "half-open", "open", or "disabled".
func (r *Resilience) CircuitBreakerState() string {
	if r == nil || r.circuitBreaker == nil {
		return "disabled"
	}
	return r.circuitBreaker.State().String()
}

// execute runs op behind the rate limiter, circuit breaker and retrier, in
// that order.
func execute[T any](ctx context.Context, r *Resilience, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if r == nil {
		return op(ctx)
	}
	if r.rateLimiter != nil {
		if err := r.rateLimiter.Wait(ctx, "github"); err != nil {
			return zero, err
		}
	}

	untyped := func(ctx context.Context) (any, error) { return op(ctx) }
	withRetry := func(ctx context.Context) (any, error) {
		if r.retrier != nil {
			return r.retrier.Do(ctx, untyped)
		}
		return untyped(ctx)
	}

	var (
		out any
		err error
	)
	if r.circuitBreaker != nil {
		out, err = r.circuitBreaker.Execute(ctx, withRetry)
	} else {
		out, err = withRetry(ctx)
	}
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// isRetryableError retries rate limiting, server errors and transport
// failures. Client errors are final.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var rle *github.RateLimitError
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &abuse) {
		return true
	}
	if code := statusCode(err); code != 0 {
		return IsRetryableHTTPStatus(code)
	}
	return true
}

// IsRetryableHTTPStatus returns true for HTTP status codes worth retrying.
func IsRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
