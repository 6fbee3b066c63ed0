package engine

import (
	"time"

	"github.com/cschleiden/go-bpm/events"
	"github.com/cschleiden/go-bpm/lock"
	"github.com/cschleiden/go-bpm/process"
	"github.com/cschleiden/go-bpm/scheduler"
)

type Options struct {
	// ExecutionBudget limits how long a single job executes reactions. When it
	// runs out, execution continues in a new job.
	ExecutionBudget time.Duration

	// LockTimeout is how long a job waits for the instance lock before it is
	// rescheduled.
	LockTimeout time.Duration

	// VolatileInvokeChecks keeps invocation timeout jobs in memory only.
	VolatileInvokeChecks bool

	// Locks defaults to a process local lock manager.
	Locks lock.Manager

	Exchange MessageExchange

	Sink events.Sink

	Evaluator *process.Evaluator

	SchedulerOptions []scheduler.Option
}

var DefaultOptions = Options{
	ExecutionBudget: 500 * time.Millisecond,
	LockTimeout:     250 * time.Millisecond,
}

type Option func(*Options)

func WithExecutionBudget(d time.Duration) Option {
	return func(o *Options) {
		o.ExecutionBudget = d
	}
}

func WithLockTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.LockTimeout = d
	}
}

func WithVolatileInvokeChecks() Option {
	return func(o *Options) {
		o.VolatileInvokeChecks = true
	}
}

func WithLockManager(m lock.Manager) Option {
	return func(o *Options) {
		o.Locks = m
	}
}

func WithMessageExchange(x MessageExchange) Option {
	return func(o *Options) {
		o.Exchange = x
	}
}

// WithSink publishes committed events. Multiple sinks are combined.
func WithSink(s events.Sink) Option {
	return func(o *Options) {
		if o.Sink != nil {
			o.Sink = events.Multi(o.Sink, s)
			return
		}

		o.Sink = s
	}
}

func WithEvaluator(e *process.Evaluator) Option {
	return func(o *Options) {
		o.Evaluator = e
	}
}

func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(o *Options) {
		o.SchedulerOptions = append(o.SchedulerOptions, opts...)
	}
}

func ApplyOptions(opts ...Option) Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Sink == nil {
		options.Sink = events.Discard
	}

	if options.Evaluator == nil {
		options.Evaluator = process.NewEvaluator()
	}

	return options
}
