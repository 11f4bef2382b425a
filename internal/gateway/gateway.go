// Package gateway guards downstream debit calls with a circuit breaker,
// per-call timeouts, and bounded retries.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/adityaverma/withdrawguard/internal/backoff"
	"github.com/adityaverma/withdrawguard/internal/config"
	"github.com/adityaverma/withdrawguard/internal/metrics"
	"github.com/adityaverma/withdrawguard/internal/transaction"
)

// Debitor is the downstream boundary the gateway protects. In production it
// is a core-banking client; in this repo it is the account ledger.
type Debitor interface {
	Debit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error)
}

// Config tunes the breaker and retry policy.
type Config struct {
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
	Cooldown            time.Duration
	HalfOpenMaxRequests uint32
	CallTimeout         time.Duration
	RetryAttempts       int
	RetryBase           time.Duration
}

// ConfigFrom builds a gateway Config from the validated policy.
func ConfigFrom(cfg *config.PolicyConfig) Config {
	return Config{
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		FailureRatio:        cfg.Breaker.FailureRatio,
		MinRequests:         cfg.Breaker.MinRequests,
		Cooldown:            time.Duration(cfg.Breaker.CooldownMs) * time.Millisecond,
		HalfOpenMaxRequests: cfg.Breaker.HalfOpenMaxRequests,
		CallTimeout:         time.Duration(cfg.Breaker.CallTimeoutMs) * time.Millisecond,
		RetryAttempts:       cfg.Retry.Attempts,
		RetryBase:           time.Duration(cfg.Retry.BackoffBaseMs) * time.Millisecond,
	}
}

// Gateway wraps a Debitor. Business rejections (insufficient funds) pass
// through without counting as breaker failures or consuming retries; only
// infrastructure faults trip the breaker.
type Gateway struct {
	downstream Debitor
	breaker    *gobreaker.CircuitBreaker
	cfg        Config
	logger     *slog.Logger
}

// debitOutcome separates business outcomes from infrastructure errors inside
// breaker execution, so the breaker only counts the latter.
type debitOutcome struct {
	balance decimal.Decimal
	bizErr  error
}

// New creates a Gateway around downstream.
func New(name string, downstream Debitor, cfg Config, logger *slog.Logger) *Gateway {
	g := &Gateway{downstream: downstream, cfg: cfg, logger: logger}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxRequests,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures ||
				(counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerTransitions.WithLabelValues(to.String()).Inc()
			logger.Warn("circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return g
}

// Debit calls the downstream through the breaker. While the circuit is open
// it fails fast with ErrDownstreamUnavailable without touching the
// downstream. Retries apply only to infrastructure faults: the debit is
// idempotent at the downstream only within a single admitted attempt, which
// the idempotency ledger guarantees.
func (g *Gateway) Debit(ctx context.Context, accountID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var lastErr error

	for attempt := 0; attempt < g.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			metrics.GatewayRetries.Inc()
			if err := backoff.Sleep(ctx, backoff.ExponentialWithJitter(g.cfg.RetryBase, attempt-1)); err != nil {
				return decimal.Zero, fmt.Errorf("debit %s: %w", accountID, err)
			}
		}

		res, err := g.breaker.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
			defer cancel()

			balance, err := g.downstream.Debit(callCtx, accountID, amount)
			if err != nil {
				if errors.Is(err, transaction.ErrInsufficientFunds) || errors.Is(err, transaction.ErrValidation) {
					return debitOutcome{bizErr: err}, nil
				}
				return nil, err
			}
			return debitOutcome{balance: balance}, nil
		})
		if err == nil {
			out := res.(debitOutcome)
			if out.bizErr != nil {
				return decimal.Zero, out.bizErr
			}
			return out.balance, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return decimal.Zero, fmt.Errorf("%w: %s", transaction.ErrDownstreamUnavailable, err)
		}

		lastErr = err
		g.logger.Warn("downstream debit failed",
			"account_id", accountID, "attempt", attempt+1, "err", err)
	}

	return decimal.Zero, fmt.Errorf("debit %s: %d attempts exhausted: %w", accountID, g.cfg.RetryAttempts, lastErr)
}

// State reports the breaker state (closed, half-open, open).
func (g *Gateway) State() string {
	return g.breaker.State().String()
}
