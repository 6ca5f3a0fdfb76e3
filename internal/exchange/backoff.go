package exchange

import (
	"math/rand"
	"time"
)

// FullJitterBackoff computes the spec.md §4.2 reconnect delay for attempt
// n (0-indexed): base 1s, doubling, capped at 30s, with full jitter
// (uniform random in [0, min(base·2^n, cap)]), grounded on internal/net/ratelimit's
// token-bucket style per-host backoff philosophy generalized to connection
// retries.
func FullJitterBackoff(attempt int) time.Duration {
	cap := BackoffCap
	base := BackoffBase

	exp := base << uint(attempt)
	if exp <= 0 || exp > cap {
		exp = cap
	}
	return time.Duration(rand.Int63n(int64(exp) + 1))
}
