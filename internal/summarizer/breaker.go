package summarizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
	"github.com/JakeFAU/briefly-pipeline/internal/metrics"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("enrichment provider unavailable: circuit open")

// BreakerConfig tunes the circuit breaker in front of a provider.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker. Zero means 5.
	ConsecutiveFailures uint32
	// OpenPeriod is how long the breaker stays open. Zero means 30s.
	OpenPeriod time.Duration
	// HalfOpenRequests are let through while probing. Zero means 1.
	HalfOpenRequests uint32
}

// Breaker wraps a provider with a gobreaker.CircuitBreaker. Malformed
// answers and caller cancellations do not count as provider failures.
type Breaker struct {
	next article.Summarizer
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps next.
func WithBreaker(name string, next article.Summarizer, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenPeriod <= 0 {
		cfg.OpenPeriod = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrUnstructured) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.ObserveBreakerTransition(name, to.String())
			logger.Warn("circuit breaker state changed",
				zap.String("circuit", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Summarize calls the wrapped provider unless the circuit is open.
func (b *Breaker) Summarize(ctx context.Context, url string) (article.Enrichment, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Summarize(ctx, url)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return article.Enrichment{}, fmt.Errorf("%w (%s)", ErrCircuitOpen, b.cb.Name())
	}
	if err != nil {
		return article.Enrichment{}, err
	}
	return out.(article.Enrichment), nil
}

// State reports the breaker state.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
