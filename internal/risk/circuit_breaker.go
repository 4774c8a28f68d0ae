// Package risk - circuit_breaker.go provides automatic trading halt
// when repeated broker/transport failures are detected.
//
// The circuit breaker tracks:
//   - Consecutive broker-call failures (e.g. 5 in a row -> trip)
//   - Total failures within a rolling hour (e.g. 10/hour -> trip)
//   - How long failures have been continuous, reported by
//     NetworkUnavailable once that streak reaches 60s.
//
// When tripped, IsTripped reports true until the cooldown expires or
// Reset is called manually. The engine does not call RecordFailure or
// RecordSuccess and does not consult IsTripped, so outside tests the
// breaker neither trips nor gates anything.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kis-trend-atr/engine/internal/config"
)

// networkUnavailableThreshold is the continuous-failure duration at
// which NetworkUnavailable reports true (spec §4.2).
const networkUnavailableThreshold = 60 * time.Second

// CircuitBreaker monitors broker-call health and halts new entries when
// thresholds are breached. Thread-safe, shared across all market-hour
// jobs.
type CircuitBreaker struct {
	mu                  sync.Mutex
	config              config.CircuitBreakerConfig
	consecutiveFailures int
	hourlyFailures      []time.Time
	failingSince        time.Time
	tripped             bool
	trippedAt           time.Time
	tripReason          string
	logger              zerolog.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given
// configuration and logger.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig, logger zerolog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		config: cfg,
		logger: logger,
	}
}

// RecordFailure records a failure event and checks whether thresholds
// have been breached. If exceeded, the breaker trips.
func (cb *CircuitBreaker) RecordFailure(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.tripped {
		return
	}

	now := time.Now()
	if cb.failingSince.IsZero() {
		cb.failingSince = now
	}

	cb.consecutiveFailures++
	cb.hourlyFailures = append(cb.hourlyFailures, now)
	cb.pruneHourlyFailures(now)

	if cb.config.MaxConsecutiveFailures > 0 && cb.consecutiveFailures >= cb.config.MaxConsecutiveFailures {
		cb.trip(fmt.Sprintf("consecutive failures: %d >= %d (last: %s)",
			cb.consecutiveFailures, cb.config.MaxConsecutiveFailures, reason))
		return
	}

	if cb.config.MaxFailuresPerHour > 0 && len(cb.hourlyFailures) >= cb.config.MaxFailuresPerHour {
		cb.trip(fmt.Sprintf("hourly failures: %d >= %d (last: %s)",
			len(cb.hourlyFailures), cb.config.MaxFailuresPerHour, reason))
		return
	}

	cb.logger.Warn().Str("reason", reason).Int("consecutive", cb.consecutiveFailures).
		Int("hourly", len(cb.hourlyFailures)).Msg("broker call failure recorded")
}

// RecordSuccess resets the consecutive failure counter and the
// continuous-failure clock. Hourly failures are not reset by successes.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.failingSince = time.Time{}
}

// NetworkUnavailable reports whether failures have been continuous for
// at least networkUnavailableThreshold. Executor.RunOnce checks it and
// takes no action for the tick while it is true; no eventbus
// NetworkUnavailable event is published from it.
func (cb *CircuitBreaker) NetworkUnavailable() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.failingSince.IsZero() {
		return false
	}
	return time.Since(cb.failingSince) >= networkUnavailableThreshold
}

// IsTripped returns true if currently tripped. Auto-resets if the
// cooldown period has elapsed since tripping.
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.tripped {
		return false
	}

	if cb.config.CooldownMinutes > 0 {
		cooldown := time.Duration(cb.config.CooldownMinutes) * time.Minute
		if time.Since(cb.trippedAt) >= cooldown {
			cb.logger.Info().Float64("cooldown_minutes", cooldown.Minutes()).
				Msg("circuit breaker cooldown expired, auto-resetting")
			cb.resetInternal()
			return false
		}
	}

	return true
}

// TripReason returns the reason the breaker was tripped, or "" if not
// tripped.
func (cb *CircuitBreaker) TripReason() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		return ""
	}
	return cb.tripReason
}

// Reset manually resets the circuit breaker, clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.tripped {
		cb.logger.Info().Str("was_tripped", cb.tripReason).Msg("circuit breaker manually reset")
	}
	cb.resetInternal()
}

// UpdateConfig updates the configuration for hot-reload. Does not reset
// the tripped state.
func (cb *CircuitBreaker) UpdateConfig(cfg config.CircuitBreakerConfig) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.config = cfg
}

// ConsecutiveFailures returns the current consecutive failure count.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// HourlyFailures returns the current hourly failure count.
func (cb *CircuitBreaker) HourlyFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	cb.pruneHourlyFailures(now)
	return len(cb.hourlyFailures)
}

func (cb *CircuitBreaker) trip(reason string) {
	cb.tripped = true
	cb.trippedAt = time.Now()
	cb.tripReason = reason
	cb.logger.Error().Str("reason", reason).Msg("circuit breaker tripped")
}

func (cb *CircuitBreaker) resetInternal() {
	cb.tripped = false
	cb.trippedAt = time.Time{}
	cb.tripReason = ""
	cb.consecutiveFailures = 0
	cb.hourlyFailures = nil
	cb.failingSince = time.Time{}
}

// pruneHourlyFailures removes entries older than 1 hour.
func (cb *CircuitBreaker) pruneHourlyFailures(now time.Time) {
	cutoff := now.Add(-1 * time.Hour)
	i := 0
	for i < len(cb.hourlyFailures) && cb.hourlyFailures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.hourlyFailures = cb.hourlyFailures[i:]
	}
}
