package dispatch

import (
	"math/rand"
	"sync"
	"time"
)

// backoff computes the pause before the nth retry: base doubled per retry,
// capped at max, then spread by ±jitter.
type backoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64

	mu   sync.Mutex
	rand *rand.Rand
}

func newBackoff(base, max time.Duration, jitter float64) *backoff {
	return &backoff{
		base:   base,
		max:    max,
		jitter: jitter,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// next returns the delay before retry n (n >= 1).
func (b *backoff) next(n int) time.Duration {
	if b.base <= 0 || n < 1 {
		return 0
	}
	d := b.base
	for i := 1; i < n; i++ {
		d *= 2
		if b.max > 0 && d >= b.max {
			d = b.max
			break
		}
	}
	if b.max > 0 && d > b.max {
		d = b.max
	}
	if b.jitter <= 0 {
		return d
	}
	b.mu.Lock()
	f := 1 + b.jitter*(2*b.rand.Float64()-1)
	b.mu.Unlock()
	return time.Duration(float64(d) * f)
}
