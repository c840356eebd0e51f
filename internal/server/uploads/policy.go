package uploads

import (
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Policy is the retry policy of a batch: the first delay, doubled after
// every sleep, and a ceiling on the total time spent sleeping.
type Policy struct {
	InitialDelay time.Duration
	Ceiling      time.Duration
}

// DefaultPolicy retries for about a day before giving up.
var DefaultPolicy = Policy{InitialDelay: time.Second, Ceiling: 24 * time.Hour}

const multiplier = 2

// sleepLedger is a backoff.Clock whose time only moves by the amount the
// batch actually slept, so the ceiling bounds cumulative backoff rather than
// wall time spent in puts and ledger writes.
type sleepLedger struct {
	slept time.Duration
}

func (l *sleepLedger) Now() time.Time {
	return time.Unix(0, 0).Add(l.slept)
}

func (l *sleepLedger) advance(d time.Duration) {
	l.slept += d
}

// newBackOff returns a fresh exponential schedule for one batch.
// NextBackOff yields backoff.Stop once slept+next would pass the ceiling.
func (p Policy) newBackOff() (*backoff.ExponentialBackOff, *sleepLedger) {
	ledger := &sleepLedger{}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         p.Ceiling,
		MaxElapsedTime:      p.Ceiling,
		Stop:                backoff.Stop,
		Clock:               ledger,
	}
	b.Reset()
	return b, ledger
}

func (p Policy) withDefaults() Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultPolicy.InitialDelay
	}
	if p.Ceiling <= 0 {
		p.Ceiling = DefaultPolicy.Ceiling
	}
	return p
}
