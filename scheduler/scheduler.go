// Package scheduler delivers persisted jobs to the engine. A job is delivered
// inside a backend transaction together with its removal, so a job is
// either fully processed or delivered again.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-bpm/backend"
	"github.com/cschleiden/go-bpm/internal/metrickeys"
	im "github.com/cschleiden/go-bpm/internal/metrics"
	"github.com/cschleiden/go-bpm/internal/worker"
	"github.com/cschleiden/go-bpm/log"
	"github.com/cschleiden/go-bpm/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

// Handler processes a due job inside the transaction that removes it.
type Handler interface {
	ProcessJob(ctx context.Context, tx *backend.Transaction, job *backend.Job) error
}

type HandlerFunc func(ctx context.Context, tx *backend.Transaction, job *backend.Job) error

func (f HandlerFunc) ProcessJob(ctx context.Context, tx *backend.Transaction, job *backend.Job) error {
	return f(ctx, tx, job)
}

type Scheduler struct {
	backend backend.Backend
	handler Handler
	options Options

	logger  *slog.Logger
	clock   clock.Clock
	metrics metrics.Client
	tracer  trace.Tracer

	mu       sync.Mutex
	volatile map[string]*backend.Job
	inflight map[string]bool

	w *worker.Worker[backend.Job, result]
}

type result struct {
	err error
}

func New(b backend.Backend, handler Handler, opts ...Option) *Scheduler {
	options := ApplyOptions(opts...)
	bo := b.Options()

	s := &Scheduler{
		backend:  b,
		handler:  handler,
		options:  options,
		logger:   bo.Logger,
		clock:    bo.Clock,
		metrics:  bo.Metrics,
		tracer:   bo.TracerProvider.Tracer(backend.TracerName),
		volatile: map[string]*backend.Job{},
		inflight: map[string]bool{},
	}

	s.w = worker.NewWorker[backend.Job, result](&taskWorker{s: s}, bo.Logger, bo.Clock, &worker.Options{
		Pollers:           options.Pollers,
		MaxParallelTasks:  options.MaxParallelJobs,
		HeartbeatInterval: bo.JobLeaseTimeout / 2,
		PollingInterval:   options.PollingInterval,
		PollTimeout:       30 * time.Second,
	})

	return s
}

// Schedule persists a job as part of tx. The job is never delivered before
// its due time and not before tx commits.
func (s *Scheduler) Schedule(ctx context.Context, tx *backend.Transaction, job *backend.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	if job.Due.IsZero() {
		job.Due = s.clock.Now()
	}

	if job.Volatile {
		j := job.Clone()
		tx.OnCommit(func(context.Context) {
			s.mu.Lock()
			defer s.mu.Unlock()

			s.volatile[j.ID] = j
		})
	} else if err := tx.InsertJob(ctx, job); err != nil {
		return "", fmt.Errorf("scheduling job: %w", err)
	}

	s.metrics.Counter(metrickeys.JobScheduled, metrics.Tags{metrickeys.JobKind: string(job.Kind)}, 1)

	s.logger.DebugContext(ctx, "scheduled job",
		log.JobIDKey, job.ID,
		log.JobKindKey, job.Kind,
		log.InstanceIDKey, job.InstanceID,
		log.AtKey, job.Due,
	)

	return job.ID, nil
}

// ScheduleVolatile schedules a job that is only kept in memory. It is lost
// when the process stops but otherwise follows the same contract as
// persisted jobs.
func (s *Scheduler) ScheduleVolatile(ctx context.Context, tx *backend.Transaction, job *backend.Job) (string, error) {
	job.Volatile = true
	return s.Schedule(ctx, tx, job)
}

// Cancel removes a job that has not been delivered yet. Cancellation is best
// effort: a job that is currently being delivered is not canceled, and the
// receiver has to ignore it.
func (s *Scheduler) Cancel(ctx context.Context, tx *backend.Transaction, jobID string) (bool, error) {
	s.mu.Lock()
	_, volatile := s.volatile[jobID]
	leased := s.inflight[jobID]
	s.mu.Unlock()

	if volatile {
		if leased {
			return false, nil
		}

		tx.OnCommit(func(context.Context) {
			s.mu.Lock()
			defer s.mu.Unlock()

			if !s.inflight[jobID] {
				delete(s.volatile, jobID)
			}
		})

		return true, nil
	}

	ok, err := tx.CancelJob(ctx, jobID, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("canceling job: %w", err)
	}

	return ok, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	return s.w.Start(ctx)
}

func (s *Scheduler) WaitForCompletion() error {
	return s.w.WaitForCompletion()
}

// RunDue synchronously delivers jobs that are due until none is left. It
// returns the number of delivered jobs and the errors of abandoned jobs.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	var errs error
	n := 0

	for {
		job, err := s.next(ctx)
		if err != nil {
			return n, multierr.Append(errs, err)
		}

		if job == nil {
			return n, errs
		}

		n++

		r := s.deliver(ctx, job)
		if err := s.complete(ctx, job, r); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
}

// next returns the next due job, preferring volatile jobs. The returned job is
// leased.
func (s *Scheduler) next(ctx context.Context) (*backend.Job, error) {
	now := s.clock.Now()

	if j := s.nextVolatile(now); j != nil {
		return j, nil
	}

	var jobs []*backend.Job
	if err := backend.RunInTx(ctx, s.backend, func(ctx context.Context, tx *backend.Transaction) error {
		var err error
		jobs, err = tx.LeaseDueJobs(ctx, now, now.Add(s.backend.Options().JobLeaseTimeout), 1)
		return err
	}); err != nil {
		return nil, fmt.Errorf("leasing jobs: %w", err)
	}

	if len(jobs) == 0 {
		return nil, nil
	}

	return jobs[0], nil
}

func (s *Scheduler) nextVolatile(now time.Time) *backend.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*backend.Job
	for id, j := range s.volatile {
		if !s.inflight[id] && !j.Due.After(now) {
			due = append(due, j)
		}
	}

	if len(due) == 0 {
		return nil
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].Due.Equal(due[j].Due) {
			return due[i].ID < due[j].ID
		}

		return due[i].Due.Before(due[j].Due)
	})

	s.inflight[due[0].ID] = true
	return due[0].Clone()
}

func (s *Scheduler) deliver(ctx context.Context, job *backend.Job) *result {
	tags := metrics.Tags{metrickeys.JobKind: string(job.Kind)}
	s.metrics.Distribution(metrickeys.JobDelay, tags, float64(s.clock.Since(job.Due)/time.Millisecond))

	timer := im.NewTimer(s.metrics, s.clock, metrickeys.JobDuration, tags)
	defer timer.Stop()

	ctx, span := s.tracer.Start(ctx, "Scheduler.Deliver", trace.WithAttributes(
		attribute.String(log.JobIDKey, job.ID),
		attribute.String(log.JobKindKey, string(job.Kind)),
		attribute.String(log.InstanceIDKey, job.InstanceID),
		attribute.Int(log.JobRetriesKey, job.Retries),
	))
	defer span.End()

	err := backend.RunInTx(ctx, s.backend, func(ctx context.Context, tx *backend.Transaction) error {
		if err := s.handler.ProcessJob(ctx, tx, job); err != nil {
			return err
		}

		if !job.Volatile {
			if _, err := tx.DeleteJob(ctx, job.ID); err != nil {
				return fmt.Errorf("removing delivered job: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return &result{err: err}
}

// complete records the outcome of a delivery: volatile jobs are dropped,
// failed jobs rescheduled or abandoned.
func (s *Scheduler) complete(ctx context.Context, job *backend.Job, r *result) error {
	o := classify(r.err)
	s.metrics.Counter(metrickeys.JobDelivered, metrics.Tags{
		metrickeys.JobKind: string(job.Kind),
		metrickeys.Outcome: string(o),
	}, 1)

	logger := s.logger.With(
		log.JobIDKey, job.ID,
		log.JobKindKey, job.Kind,
		log.InstanceIDKey, job.InstanceID,
	)

	switch o {
	case outcomeDelivered:
		if job.Volatile {
			s.dropVolatile(job.ID)
		}

		return nil

	case outcomeContention:
		s.metrics.Counter(metrickeys.LockContention, metrics.Tags{}, 1)
		logger.DebugContext(ctx, "instance locked, delaying job", "error", r.err)

		job.Due = s.clock.Now().Add(s.options.LockRetryDelay)
		return s.reschedule(ctx, job)

	case outcomeRetry:
		if job.Retries < s.options.MaxRetries {
			job.Retries++
			job.Due = s.clock.Now().Add(retryDelay(s.clock, &s.options, job.Retries))

			s.metrics.Counter(metrickeys.JobRetried, metrics.Tags{metrickeys.JobKind: string(job.Kind)}, 1)
			logger.WarnContext(ctx, "job failed, retrying",
				log.JobRetriesKey, job.Retries,
				log.AtKey, job.Due,
				"error", r.err,
			)

			return s.reschedule(ctx, job)
		}

		fallthrough

	default:
		s.metrics.Counter(metrickeys.JobAbandoned, metrics.Tags{metrickeys.JobKind: string(job.Kind)}, 1)
		logger.ErrorContext(ctx, "abandoning job", log.JobRetriesKey, job.Retries, "error", r.err)

		if job.Volatile {
			s.dropVolatile(job.ID)
		} else if err := backend.RunInTx(ctx, s.backend, func(ctx context.Context, tx *backend.Transaction) error {
			_, err := tx.DeleteJob(ctx, job.ID)
			return err
		}); err != nil {
			return multierr.Append(r.err, fmt.Errorf("removing abandoned job: %w", err))
		}

		return fmt.Errorf("job %s abandoned: %w", job.ID, r.err)
	}
}

func (s *Scheduler) reschedule(ctx context.Context, job *backend.Job) error {
	if job.Volatile {
		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.inflight, job.ID)
		s.volatile[job.ID] = job
		return nil
	}

	err := backend.RunInTx(ctx, s.backend, func(ctx context.Context, tx *backend.Transaction) error {
		return tx.UpdateJob(ctx, job)
	})
	if err != nil && !errors.Is(err, backend.ErrJobNotFound) {
		// Lease runs out and the job is delivered again
		return fmt.Errorf("rescheduling job: %w", err)
	}

	return nil
}

func (s *Scheduler) dropVolatile(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inflight, id)
	delete(s.volatile, id)
}

type taskWorker struct {
	s *Scheduler
}

var _ worker.TaskWorker[backend.Job, result] = (*taskWorker)(nil)

func (tw *taskWorker) Get(ctx context.Context) (*backend.Job, error) {
	return tw.s.next(ctx)
}

func (tw *taskWorker) Extend(ctx context.Context, job *backend.Job) error {
	if job.Volatile {
		return nil
	}

	until := tw.s.clock.Now().Add(tw.s.backend.Options().JobLeaseTimeout)

	return backend.RunInTx(ctx, tw.s.backend, func(ctx context.Context, tx *backend.Transaction) error {
		return tx.ExtendLease(ctx, job.ID, until)
	})
}

func (tw *taskWorker) Execute(ctx context.Context, job *backend.Job) (*result, error) {
	return tw.s.deliver(ctx, job), nil
}

func (tw *taskWorker) Complete(ctx context.Context, r *result, job *backend.Job) error {
	return tw.s.complete(ctx, job, r)
}
