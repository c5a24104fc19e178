package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/klubi/repomanager/internal/config"
)

const (
	defaultBreakerFailures uint32 = 3
	defaultBreakerTimeout         = 30 * time.Second
	defaultBreakerInterval        = 60 * time.Second
)

// Breaker wraps an Oracle with a circuit breaker so a failing model backend
// is not hammered turn after turn. Cancelled calls do not count as failures.
type Breaker struct {
	name    string
	inner   Oracle
	breaker *gobreaker.CircuitBreaker[Decision]
}

// NewBreaker wraps inner. Zero settings take the defaults.
func NewBreaker(name string, inner Oracle, cfg config.BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerFailures
	}
	timeout := cfg.OpenTimeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}

	cb := gobreaker.NewCircuitBreaker[Decision](gobreaker.Settings{
		Name:        "oracle:" + name,
		MaxRequests: 1,
		Interval:    defaultBreakerInterval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	return &Breaker{name: name, inner: inner, breaker: cb}
}

// Decide implements Oracle.
func (b *Breaker) Decide(ctx context.Context, req Request) (Decision, error) {
	d, err := b.breaker.Execute(func() (Decision, error) {
		return b.inner.Decide(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("model provider %q unavailable: %w", b.name, err)
		}
		return nil, err
	}
	return d, nil
}

// State returns the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}
