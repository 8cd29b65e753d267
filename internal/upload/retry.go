package upload

import (
	"time"

	"github.com/fieldsync/fieldsync/internal/models"
)

const (
	// maxRetryShift caps the bit-shift exponent in the retry backoff to
	// prevent integer overflow of time.Duration.
	maxRetryShift = 10

	// retryBaseDelay is the base delay for exponential backoff: 5s * 2^n.
	retryBaseDelay = 5 * time.Second

	// retryMaxDelay is the ceiling for retry backoff.
	retryMaxDelay = 5 * time.Minute
)

// RetryPolicy decides whether an item is due for an automatic attempt.
// It is only consulted for pending items and failed items that still have
// retry budget; terminal items are never attempted automatically.
type RetryPolicy interface {
	Due(item *models.QueuedMediaItem, now time.Time) bool
}

// RetryPolicyFunc adapts a function to the RetryPolicy interface.
type RetryPolicyFunc func(item *models.QueuedMediaItem, now time.Time) bool

func (f RetryPolicyFunc) Due(item *models.QueuedMediaItem, now time.Time) bool {
	return f(item, now)
}

// Backoff waits Base * 2^(n-1), capped at Max, after the n-th counted
// failure. Pending items are always due.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns 5s doubling up to 5m.
func DefaultBackoff() Backoff {
	return Backoff{Base: retryBaseDelay, Max: retryMaxDelay}
}

// Delay returns the wait after n previous failures.
func (b Backoff) Delay(n int) time.Duration {
	shift := min(max(n, 0), maxRetryShift)

	delay := b.Base * time.Duration(1<<shift)
	if delay > b.Max {
		delay = b.Max
	}

	return delay
}

func (b Backoff) Due(item *models.QueuedMediaItem, now time.Time) bool {
	switch item.Status {
	case models.StatusPending:
		return true
	case models.StatusFailed:
		if item.Terminal {
			return false
		}

		attempts := item.AttemptsSinceRetry()
		if attempts <= 0 {
			return true
		}

		return !now.Before(item.LastAttemptAt.Add(b.Delay(attempts - 1)))
	}

	return false
}
