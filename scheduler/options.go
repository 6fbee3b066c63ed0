package scheduler

import (
	"time"
)

type Options struct {
	// Pollers is the number of goroutines leasing due jobs.
	Pollers int

	// MaxParallelJobs limits concurrently delivered jobs. Zero means no limit.
	MaxParallelJobs int64

	// PollingInterval is the delay between polls when no job was due.
	PollingInterval time.Duration

	// MaxRetries is the number of times a failing job is retried before it is
	// abandoned.
	MaxRetries int

	// RetryInitialInterval and RetryMaxInterval bound the exponential backoff
	// between retries of a failing job.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// LockRetryDelay is the delay before a job that lost the race for its
	// instance lock is delivered again. Contention does not count as a retry.
	LockRetryDelay time.Duration
}

var DefaultOptions = Options{
	Pollers:              1,
	MaxParallelJobs:      0,
	PollingInterval:      200 * time.Millisecond,
	MaxRetries:           5,
	RetryInitialInterval: time.Second,
	RetryMaxInterval:     time.Minute,
	LockRetryDelay:       100 * time.Millisecond,
}

type Option func(*Options)

func WithPollers(n int) Option {
	return func(o *Options) {
		o.Pollers = n
	}
}

func WithMaxParallelJobs(n int64) Option {
	return func(o *Options) {
		o.MaxParallelJobs = n
	}
}

func WithPollingInterval(d time.Duration) Option {
	return func(o *Options) {
		o.PollingInterval = d
	}
}

func WithMaxRetries(n int) Option {
	return func(o *Options) {
		o.MaxRetries = n
	}
}

func WithRetryInterval(initial, max time.Duration) Option {
	return func(o *Options) {
		o.RetryInitialInterval = initial
		o.RetryMaxInterval = max
	}
}

func WithLockRetryDelay(d time.Duration) Option {
	return func(o *Options) {
		o.LockRetryDelay = d
	}
}

func ApplyOptions(opts ...Option) Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	return options
}
