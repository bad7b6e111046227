package outbox

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Schedule computes the durable retry delay for an anchor request. The delay
// doubles from Initial up to Max with a jitter band, and is a pure function
// of the attempt count, so the resulting nextAttemptAt survives worker
// restarts in the outbox row instead of living in anyone's memory.
type Schedule struct {
	Initial       time.Duration
	Max           time.Duration
	Multiplier    float64
	Randomization float64
}

func DefaultSchedule() Schedule {
	return Schedule{
		Initial:       10 * time.Second,
		Max:           10 * time.Minute,
		Multiplier:    2,
		Randomization: 0.25,
	}
}

// Delay returns the backoff before try number attempt (1-based).
func (s Schedule) Delay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.Initial
	bo.MaxInterval = s.Max
	bo.Multiplier = s.Multiplier
	bo.RandomizationFactor = s.Randomization
	if bo.Multiplier <= 1 {
		bo.Multiplier = 2
	}
	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}
