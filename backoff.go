package mediaq

import (
	"math/rand/v2"
	"time"
)

const (
	// RetryBaseDelay is the delay before the first retry, before jitter.
	RetryBaseDelay = time.Second
	// RetryMaxDelay caps the exponential part of the delay.
	RetryMaxDelay = 30 * time.Second
	// RetryJitter bounds the random delay added on top.
	RetryJitter = time.Second
)

// RetryDelay returns the wait before retry attempt n (1-based): RetryBaseDelay doubled
// per attempt, capped at RetryMaxDelay, plus up to RetryJitter of jitter.
func RetryDelay(n int) time.Duration {
	return backoff(n) + time.Duration(rand.Int64N(int64(RetryJitter)))
}

func backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 16 {
		return RetryMaxDelay
	}
	return min(RetryBaseDelay<<(n-1), RetryMaxDelay)
}
