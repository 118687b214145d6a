package task

import (
	"time"

	retry "github.com/sethvargo/go-retry"
)

// BackoffPolicy computes the delay before a retry.
type BackoffPolicy struct {
	// Base is the delay before the first retry; each later retry doubles it.
	Base time.Duration
	// Max caps a single delay. Zero means uncapped.
	Max time.Duration
	// JitterPercent randomizes each delay by up to this percentage.
	JitterPercent uint64
}

// DefaultBackoffPolicy returns the policy used when none is configured.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:          2 * time.Second,
		Max:           time.Minute,
		JitterPercent: 20,
	}
}

// Delay returns the wait before retrying after the given failed attempt
// (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	b := retry.NewExponential(p.Base)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.Max > 0 {
		b = retry.WithCappedDuration(p.Max, b)
	}

	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}
