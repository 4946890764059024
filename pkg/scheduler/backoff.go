package scheduler

import (
	"math/rand"
	"time"
)

// backoff computes the requeue delay before retry attempt n (1-based):
// exponential from base, capped, with 20% jitter so retries from one
// failure burst spread out.
func backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}

	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}
