package scheduler

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// retryDelay returns the delay before attempt number retries+1 of a failed
// job.
func retryDelay(c clock.Clock, o *Options, retries int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.RetryInitialInterval
	b.MaxInterval = o.RetryMaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Clock = c
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < retries; i++ {
		d = b.NextBackOff()
	}

	return d
}
