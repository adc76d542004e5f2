// Package breaker guards outbound provider calls with a circuit breaker.
// A circuit opens after five consecutive failures, fast-fails for sixty
// seconds, then admits a single half-open probe.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a call is rejected because the circuit
// is open or the half-open probe slot is already taken. It is transient:
// callers may retry after backoff.
var ErrCircuitOpen = errors.New("circuit breaker open")

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
)

// Config tunes a Breaker. Zero values take the defaults.
type Config struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
}

// Breaker serializes failure accounting for one upstream endpoint.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New returns a Breaker named after the guarded endpoint. State changes
// are logged at info level.
func New(name string, cfg Config, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = defaultFailureThreshold
	}
	timeout := cfg.RecoveryTimeout
	if timeout == 0 {
		timeout = defaultRecoveryTimeout
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("Circuit state changed",
				"circuit", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Name returns the breaker's endpoint name.
func (b *Breaker) Name() string { return b.cb.Name() }

// State returns the current circuit state for health reporting.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Do executes fn through b and returns its result. Rejections while the
// circuit is open surface as ErrCircuitOpen; other errors pass through
// unchanged and count against the circuit.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %s", ErrCircuitOpen, b.cb.Name())
		}
		return zero, err
	}
	return res.(T), nil
}
