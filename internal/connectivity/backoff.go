package connectivity

import (
	"math/rand/v2"
	"time"
)

// Backoff yields exponentially growing delays between a minimum and a
// maximum with up to 20% jitter. It is not safe for concurrent use.
type Backoff struct {
	min     time.Duration
	max     time.Duration
	attempt int
}

func NewBackoff(minDelay, maxDelay time.Duration) *Backoff {
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Backoff{min: minDelay, max: maxDelay}
}

func (b *Backoff) Next() time.Duration {
	d := b.min
	for i := 0; i < b.attempt && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	b.attempt++

	jitter := time.Duration(rand.Int64N(int64(d)/5 + 1))
	return d - jitter
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
