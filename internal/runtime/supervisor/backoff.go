package supervisor

import (
	"math/rand/v2"
	"time"
)

// Backoff yields doubling waits from Min up to Max. The zero value waits
// nothing; copy it before use if it is shared.
type Backoff struct {
	Min time.Duration
	Max time.Duration
	// Jitter adds up to a fifth of each wait.
	Jitter bool

	cur time.Duration
}

func (b *Backoff) Next() time.Duration {
	hi := max(b.Max, b.Min)
	if b.cur < b.Min {
		b.cur = b.Min
	}
	wait := min(b.cur, hi)
	b.cur = min(b.cur*2, hi)
	if b.Jitter {
		if j := wait / 5; j > 0 {
			wait += rand.N(j + 1)
		}
	}
	return wait
}

// Reset starts the next Next from Min again.
func (b *Backoff) Reset() { b.cur = 0 }
