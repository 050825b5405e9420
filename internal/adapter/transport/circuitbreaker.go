package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"agent-webapp/internal/domain"
	"agent-webapp/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// ErrCircuitOpen is returned while the breaker rejects calls. It wraps
// domain.ErrNetwork so a fast-failed open is classified and retried like
// the outage that tripped it.
var ErrCircuitOpen = fmt.Errorf("backend circuit open: %w", domain.ErrNetwork)

// CircuitBreakerTransport guards stream initiation with a circuit breaker.
// Only opening a stream counts; failures while reading an open stream never
// trip it.
type CircuitBreakerTransport struct {
	inner   domain.Transport
	breaker *gobreaker.CircuitBreaker[domain.ChunkStream]
	logger  *slog.Logger
}

// NewCircuitBreakerTransport wraps inner with a circuit breaker.
// Zero-valued settings fall back to defaults.
func NewCircuitBreakerTransport(inner domain.Transport, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerTransport {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[domain.ChunkStream](gobreaker.Settings{
		Name:        "agent-backend",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: isBreakerSuccess,
	})

	return &CircuitBreakerTransport{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// isBreakerSuccess counts only backend health. Auth and client errors, and
// calls the caller abandoned, leave the breaker alone.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrAuthInvalid) {
		return true
	}
	var statusErr *domain.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode < 500
	}
	return false
}

// Stream implements domain.Transport.
func (t *CircuitBreakerTransport) Stream(ctx context.Context, req domain.ChatRequest) (domain.ChunkStream, error) {
	cs, err := t.breaker.Execute(func() (domain.ChunkStream, error) {
		return t.inner.Stream(ctx, req)
	})
	return cs, t.wrap(err)
}

// Continue implements domain.Transport.
func (t *CircuitBreakerTransport) Continue(ctx context.Context, decision domain.ApprovalDecision) (domain.ChunkStream, error) {
	cs, err := t.breaker.Execute(func() (domain.ChunkStream, error) {
		return t.inner.Continue(ctx, decision)
	})
	return cs, t.wrap(err)
}

func (t *CircuitBreakerTransport) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w (%v)", ErrCircuitOpen, err)
	}
	return err
}

// State returns the current circuit breaker state for monitoring.
func (t *CircuitBreakerTransport) State() gobreaker.State {
	return t.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (t *CircuitBreakerTransport) Counts() gobreaker.Counts {
	return t.breaker.Counts()
}

var _ domain.Transport = (*CircuitBreakerTransport)(nil)
