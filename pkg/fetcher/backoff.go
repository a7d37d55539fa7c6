package fetcher

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// maxShift keeps unit<<attempt from overflowing time.Duration
const maxShift = 30

// doublingBackOff waits unit·2^attempt after failed attempt number attempt (counted from 0)
type doublingBackOff struct {
	unit    time.Duration
	attempt int
}

var _ backoff.BackOff = (*doublingBackOff)(nil)

func newDoublingBackOff(unit time.Duration) *doublingBackOff {
	return &doublingBackOff{unit: unit}
}

// NextBackOff returns the delay before the next attempt
func (b *doublingBackOff) NextBackOff() time.Duration {
	shift := b.attempt
	if shift > maxShift {
		shift = maxShift
	}
	b.attempt++
	return b.unit << shift
}

// Reset restarts the sequence from attempt 0
func (b *doublingBackOff) Reset() {
	b.attempt = 0
}

// Delay returns the wait after failed attempt number attempt
func Delay(unit time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	return unit << attempt
}
