package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
	rperrors "github.com/relicta-tech/promoter/internal/errors"
)

// HealthConfig bounds the readiness poll of a staged instance.
type HealthConfig struct {
	// Consecutive healthy responses required.
	Consecutive int
	// MaxAttempts caps the number of checks.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Deadline bounds the whole poll.
	Deadline time.Duration
}

// DefaultHealthConfig returns the poll settings used when none are configured.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Consecutive:  3,
		MaxAttempts:  20,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Deadline:     5 * time.Minute,
	}
}

var (
	errNotReady  = errors.New("instance not ready")
	errUnhealthy = errors.New("instance reported unhealthy")
)

// HealthChecker polls an instance until it reports healthy for a number of
// consecutive checks.
type HealthChecker struct {
	platform ports.Platform
	cfg      HealthConfig
	recorder ports.Recorder
	logger   *slog.Logger
}

// NewHealthChecker creates a health checker.
func NewHealthChecker(platform ports.Platform, cfg HealthConfig, recorder ports.Recorder) *HealthChecker {
	def := DefaultHealthConfig()
	if cfg.Consecutive <= 0 {
		cfg.Consecutive = def.Consecutive
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.MaxAttempts < cfg.Consecutive {
		cfg.MaxAttempts = cfg.Consecutive
	}
	if recorder == nil {
		recorder = ports.NopRecorder{}
	}
	return &HealthChecker{
		platform: platform,
		cfg:      cfg,
		recorder: recorder,
		logger:   slog.Default().With("component", "health"),
	}
}

// Await blocks until instance passes its health check, the instance reports
// unhealthy, the attempt cap is reached or the deadline passes.
func (h *HealthChecker) Await(ctx context.Context, target domain.DeploymentTarget, instance string) error {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Deadline)
	defer cancel()

	streak := 0
	retrier := retry.New[int](retry.Config{
		MaxAttempts:   h.cfg.MaxAttempts,
		InitialDelay:  h.cfg.InitialDelay,
		MaxDelay:      h.cfg.MaxDelay,
		BackoffPolicy: retry.BackoffExponential,
		Multiplier:    2.0,
		IsRetryable: func(err error) bool {
			return !errors.Is(err, errUnhealthy) && ctx.Err() == nil
		},
	})

	_, err := retrier.Do(ctx, func(ctx context.Context) (int, error) {
		status, err := h.platform.QueryHealth(ctx, target, instance)
		if err != nil {
			streak = 0
			h.recorder.HealthCheck("error")
			h.logger.Debug("health check failed", "instance", instance, "error", err)
			return streak, fmt.Errorf("%w: %v", errNotReady, err)
		}
		h.recorder.HealthCheck(string(status))
		switch status {
		case ports.HealthHealthy:
			streak++
			if streak >= h.cfg.Consecutive {
				return streak, nil
			}
			return streak, fmt.Errorf("%w: %d of %d healthy checks", errNotReady, streak, h.cfg.Consecutive)
		case ports.HealthUnhealthy:
			return streak, errUnhealthy
		default:
			streak = 0
			return streak, fmt.Errorf("%w: %s", errNotReady, status)
		}
	})
	if err == nil {
		return nil
	}

	switch {
	case parent.Err() != nil:
		return rperrors.CanceledWrap(context.Cause(parent), "health.Await", fmt.Sprintf("health check of %s cancelled", instance))
	case errors.Is(err, errUnhealthy):
		return rperrors.HealthWrap(errUnhealthy, "health.Await", fmt.Sprintf("instance %s", instance))
	case ctx.Err() != nil:
		return rperrors.HealthWrap(ctx.Err(), "health.Await", fmt.Sprintf("instance %s not healthy before deadline", instance))
	default:
		return rperrors.HealthWrap(err, "health.Await", fmt.Sprintf("instance %s not healthy after %d checks", instance, h.cfg.MaxAttempts))
	}
}
