package queue

import (
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
)

// backoffDelay returns the wait before retry number retry (1-based):
// Base doubled per retry, capped at MaxDelay, with ±Jitter applied. An
// explicit RetryAfter hint on err replaces the exponential term.
func backoffDelay(p RetryPolicy, retry int, err error, rng *rand.Rand) time.Duration {
	p = p.normalized()

	d := p.Base
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		for i := 1; i < retry; i++ {
			d *= 2
			if d >= p.MaxDelay {
				break
			}
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
