package backoff

import (
	"testing"
	"time"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{
		Base:       time.Second,
		Multiplier: 2,
		Cap:        time.Second * 8,
		MaxRetries: 5,
	}

	cases := []struct {
		attempt int
		max     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 8 * time.Second}, // capped
		{10, 8 * time.Second},
	}

	for _, tc := range cases {
		d := p.Delay(tc.attempt)
		if d > tc.max {
			t.Errorf("attempt %d: delay %s above window max %s", tc.attempt, d, tc.max)
		}
		if d < tc.max/2 {
			t.Errorf("attempt %d: delay %s below jitter floor %s", tc.attempt, d, tc.max/2)
		}
	}
}

func TestDelayZeroPolicy(t *testing.T) {
	var p Policy
	if d := p.Delay(3); d != 0 {
		t.Errorf("zero policy should not delay, got %s", d)
	}
}

func TestDefaultRetryBudget(t *testing.T) {
	p := Default()

	// four retries after the first attempt: five attempts in total
	if p.MaxRetries != 4 {
		t.Errorf("got MaxRetries %d, want 4", p.MaxRetries)
	}
	for attempt := 0; attempt < 4; attempt++ {
		if p.Exhausted(attempt) {
			t.Errorf("attempt %d should be within the budget", attempt)
		}
	}
	if !p.Exhausted(4) {
		t.Error("fifth failure should exhaust the budget")
	}
}

func TestExhausted(t *testing.T) {
	p := Default()

	if p.Exhausted(0) {
		t.Error("first attempt should not be exhausted")
	}
	if p.Exhausted(p.MaxRetries - 1) {
		t.Error("attempt within budget reported exhausted")
	}
	if !p.Exhausted(p.MaxRetries) {
		t.Error("attempt past budget not reported exhausted")
	}
}
