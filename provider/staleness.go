package provider

import (
	"log/slog"
	"time"

	"github.com/glimte/mmate-search/contracts"
)

// StalenessFilter discards requests that waited in the queue for at least
// the receive timeout. Ages are wall-clock differences between the producer's
// enqueue time and the local clock.
type StalenessFilter struct {
	threshold time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewStalenessFilter creates a filter. A threshold of zero or less admits
// everything.
func NewStalenessFilter(threshold time.Duration, now func() time.Time, logger *slog.Logger) *StalenessFilter {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StalenessFilter{threshold: threshold, now: now, logger: logger}
}

// Threshold returns the configured receive timeout.
func (f *StalenessFilter) Threshold() time.Duration {
	return f.threshold
}

// Admit reports whether env is fresh enough to be processed. Envelopes
// without an enqueue time and envelopes from a producer whose clock is ahead
// are admitted.
func (f *StalenessFilter) Admit(env contracts.RequestEnvelope) bool {
	if f.threshold <= 0 || env.EnqueuedAt.IsZero() {
		return true
	}

	age := env.Age(f.now())
	if age < f.threshold {
		return true
	}

	f.logger.Warn("discarding stale request",
		"correlationId", env.CorrelationID,
		"kind", env.Kind,
		"age", age,
		"receiveTimeout", f.threshold)
	return false
}
