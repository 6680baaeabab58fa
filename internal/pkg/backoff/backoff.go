package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes a jittered exponential backoff schedule shared by the
// polling coordinator and the token refresh path.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	MaxRetries int
}

// Default returns the stock policy: 1s base, doubling, capped at 5 minutes.
// MaxRetries counts retries after the first attempt, so the default allows
// five attempts in total before the failure is surfaced.
func Default() Policy {
	return Policy{
		Base:       time.Second,
		Multiplier: 2,
		Cap:        time.Minute * 5,
		MaxRetries: 4,
	}
}

// Delay returns the pause before retry number attempt (counting from 0).
// Jitter keeps the result in the upper half of the exponential window so
// concurrent accounts do not hammer the API in lockstep.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}

	d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt))
	if cap := float64(p.Cap); p.Cap > 0 && d > cap {
		d = cap
	}

	half := d / 2
	return time.Duration(half + rand.Float64()*half)
}

// Exhausted reports whether attempt (counting from 0) is past the retry
// budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxRetries
}
