package usecase

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agent-webapp/internal/domain"
	"agent-webapp/internal/infra/tracer"
)

// RetryConfig controls RetryWithBackoff.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration      // 0 means uncapped
	Jitter       float64            // fraction of the delay added at random, 0 disables
	RetryOn      []domain.ErrorCode // codes worth another attempt
}

// DefaultRetryConfig retries network failures three times starting at one
// second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		RetryOn:      []domain.ErrorCode{domain.CodeNetwork},
	}
}

// Retrier runs operations sequentially with exponential backoff.
type Retrier struct {
	cfg        RetryConfig
	classifier *ErrorClassifier
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a Retrier. A zero MaxAttempts runs the operation once.
func NewRetrier(cfg RetryConfig, classifier *ErrorClassifier, logger *slog.Logger) *Retrier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Retrier{cfg: cfg, classifier: classifier, logger: logger, sleep: sleepCtx}
}

// Do runs op until it succeeds, fails with a code not in RetryOn, or runs out
// of attempts. The last error is returned unwrapped.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := RetryWithBackoff(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Delay returns the wait before the attempt following attempt (0-based):
// InitialDelay * 2^attempt, capped at MaxDelay, plus jitter.
func (r *Retrier) Delay(attempt int) time.Duration {
	d := r.cfg.InitialDelay << attempt
	if d <= 0 || (r.cfg.MaxDelay > 0 && d > r.cfg.MaxDelay) {
		d = r.cfg.MaxDelay
	}
	if r.cfg.Jitter > 0 && d > 0 {
		d += time.Duration(rand.Float64() * r.cfg.Jitter * float64(d))
	}
	return d
}

func (r *Retrier) retryable(err error) (domain.ErrorCode, bool) {
	code := r.classifier.Classify(err)
	return code, slices.Contains(r.cfg.RetryOn, code)
}

// RetryWithBackoff runs op sequentially, never concurrently. A failure whose
// code is not retryable is returned at once without consuming further
// attempts; no wait follows the final attempt.
func RetryWithBackoff[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := range r.cfg.MaxAttempts {
		attemptCtx, span := tracer.StartSpan(ctx, "retry.attempt",
			trace.WithAttributes(tracer.IntAttr("retry.attempt", attempt+1)),
		)
		v, err := op(attemptCtx)
		if err == nil {
			tracer.SetOK(span)
			span.End()
			return v, nil
		}
		tracer.RecordError(span, err)
		span.End()
		lastErr = err

		code, ok := r.retryable(err)
		if !ok {
			return zero, err
		}
		if attempt == r.cfg.MaxAttempts-1 {
			break
		}

		delay := r.Delay(attempt)
		r.logger.Warn("operation failed, retrying",
			"attempt", attempt+1,
			"max_attempts", r.cfg.MaxAttempts,
			"code", string(code),
			"delay", delay,
			"error", err,
		)
		if err := r.sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}

	r.logger.Warn("retries exhausted", "attempts", r.cfg.MaxAttempts, "error", lastErr)
	return zero, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
