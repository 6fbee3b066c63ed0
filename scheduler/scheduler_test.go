package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-bpm/backend"
	"github.com/cschleiden/go-bpm/backend/memory"
	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/lock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recordingHandler struct {
	mu    sync.Mutex
	jobs  []*backend.Job
	errFn func(n int, job *backend.Job) error
}

func (h *recordingHandler) ProcessJob(ctx context.Context, tx *backend.Transaction, job *backend.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.jobs = append(h.jobs, job.Clone())
	if h.errFn != nil {
		return h.errFn(len(h.jobs), job)
	}

	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.jobs)
}

func newTestScheduler(t *testing.T, h Handler, opts ...Option) (*Scheduler, backend.Backend, *clock.Mock) {
	t.Helper()

	c := clock.NewMock()
	b := memory.NewMemoryBackend(backend.WithClock(c))

	opts = append([]Option{
		WithRetryInterval(time.Second, 10*time.Second),
		WithLockRetryDelay(100 * time.Millisecond),
	}, opts...)

	return New(b, h, opts...), b, c
}

func schedule(t *testing.T, s *Scheduler, b backend.Backend, job *backend.Job) string {
	t.Helper()

	var id string
	require.NoError(t, backend.RunInTx(context.Background(), b, func(ctx context.Context, tx *backend.Transaction) error {
		var err error
		id, err = s.Schedule(ctx, tx, job)
		return err
	}))

	return id
}

func Test_Scheduler_NotBeforeDue(t *testing.T) {
	h := &recordingHandler{}
	s, b, c := newTestScheduler(t, h)
	ctx := context.Background()

	id := schedule(t, s, b, &backend.Job{InstanceID: "i1", Kind: backend.JobTimer, Due: c.Now().Add(time.Minute)})
	require.NotEmpty(t, id)

	n, err := s.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	c.Add(59 * time.Second)
	n, err = s.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	c.Add(time.Second)
	n, err = s.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, id, h.jobs[0].ID)

	// Delivered jobs are removed
	n, err = s.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func Test_Scheduler_DueOrder(t *testing.T) {
	h := &recordingHandler{}
	s, b, c := newTestScheduler(t, h)

	schedule(t, s, b, &backend.Job{ID: "b", Kind: backend.JobTimer, Due: c.Now().Add(2 * time.Second)})
	schedule(t, s, b, &backend.Job{ID: "a", Kind: backend.JobTimer, Due: c.Now().Add(time.Second)})
	schedule(t, s, b, &backend.Job{ID: "c", Kind: backend.JobTimer, Due: c.Now().Add(3 * time.Second)})

	c.Add(time.Hour)

	n, err := s.RunDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "a", h.jobs[0].ID)
	require.Equal(t, "b", h.jobs[1].ID)
	require.Equal(t, "c", h.jobs[2].ID)
}

func Test_Scheduler_RolledBackScheduleIsDiscarded(t *testing.T) {
	h := &recordingHandler{}
	s, b, _ := newTestScheduler(t, h)
	ctx := context.Background()

	err := backend.RunInTx(ctx, b, func(ctx context.Context, tx *backend.Transaction) error {
		if _, err := s.Schedule(ctx, tx, &backend.Job{Kind: backend.JobExecute}); err != nil {
			return err
		}

		if _, err := s.ScheduleVolatile(ctx, tx, &backend.Job{Kind: backend.JobExecute}); err != nil {
			return err
		}

		return errors.New("abort")
	})
	require.Error(t, err)

	n, err := s.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func Test_Scheduler_HandlerRunsInTransaction(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{}
	var c *clock.Mock
	s, b, c := newTestScheduler(t, HandlerFunc(func(ctx context.Context, tx *backend.Transaction, job *backend.Job) error {
		if err := h.ProcessJob(ctx, tx, job); err != nil {
			return err
		}

		if err := tx.CreateInstance(ctx, core.NewInstance(fmt.Sprintf("i%d", h.count()), "p", c.Now())); err != nil {
			return err
		}

		if h.count() == 1 {
			return errors.New("fail after write")
		}

		return nil
	}))

	schedule(t, s, b, &backend.Job{Kind: backend.JobExecute})

	n, err := s.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The first attempt was rolled back
	require.NoError(t, backend.RunInTx(ctx, b, func(ctx context.Context, tx *backend.Transaction) error {
		_, err := tx.GetInstance(ctx, "i1")
		require.ErrorIs(t, err, backend.ErrInstanceNotFound)
		return nil
	}))

	c.Add(time.Second)

	n, err = s.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, backend.RunInTx(ctx, b, func(ctx context.Context, tx *backend.Transaction) error {
		_, err := tx.GetInstance(ctx, "i2")
		return err
	}))
}

func Test_Scheduler_RetryWithBackoff(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{
		errFn: func(n int, _ *backend.Job) error {
			if n <= 2 {
				return Retryable(errors.New("transient"))
			}

			return nil
		},
	}
	s, b, c := newTestScheduler(t, h, WithMaxRetries(3))

	schedule(t, s, b, &backend.Job{Kind: backend.JobResume})

	n, err := s.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// First retry after the initial interval
	c.Add(999 * time.Millisecond)
	n, _ = s.RunDue(ctx)
	require.Equal(t, 0, n)

	c.Add(time.Millisecond)
	n, _ = s.RunDue(ctx)
	require.Equal(t, 1, n)
	require.Equal(t, 1, h.jobs[1].Retries)

	// Second retry after a longer interval
	c.Add(time.Second)
	n, _ = s.RunDue(ctx)
	require.Equal(t, 0, n)

	c.Add(500 * time.Millisecond)
	n, err = s.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 2, h.jobs[2].Retries)

	c.Add(time.Hour)
	n, _ = s.RunDue(ctx)
	require.Equal(t, 0, n)
}

func Test_Scheduler_AbandonsAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{
		errFn: func(int, *backend.Job) error {
			return errors.New("always")
		},
	}
	s, b, c := newTestScheduler(t, h, WithMaxRetries(2))

	id := schedule(t, s, b, &backend.Job{Kind: backend.JobResume})

	var lastErr error
	for i := 0; i < 5; i++ {
		_, err := s.RunDue(ctx)
		if err != nil {
			lastErr = err
		}

		c.Add(time.Minute)
	}

	require.Equal(t, 3, h.count())
	require.ErrorContains(t, lastErr, "abandoned")

	require.NoError(t, backend.RunInTx(ctx, b, func(ctx context.Context, tx *backend.Transaction) error {
		_, err := tx.GetJob(ctx, id)
		require.ErrorIs(t, err, backend.ErrJobNotFound)
		return nil
	}))
}

func Test_Scheduler_FatalErrorAbandonsImmediately(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{
		errFn: func(int, *backend.Job) error {
			return Fatal(errors.New("corrupt"))
		},
	}
	s, b, c := newTestScheduler(t, h)

	schedule(t, s, b, &backend.Job{Kind: backend.JobResume})

	n, err := s.RunDue(ctx)
	require.Equal(t, 1, n)

	var fe *FatalError
	require.ErrorAs(t, err, &fe)

	c.Add(time.Hour)
	n, err = s.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func Test_Scheduler_ContentionDoesNotConsumeRetries(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{
		errFn: func(n int, _ *backend.Job) error {
			if n <= 5 {
				return fmt.Errorf("locking instance: %w", lock.ErrTimeout)
			}

			return nil
		},
	}
	s, b, c := newTestScheduler(t, h, WithMaxRetries(0))

	schedule(t, s, b, &backend.Job{Kind: backend.JobResume})

	for i := 0; i < 6; i++ {
		n, err := s.RunDue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		c.Add(100 * time.Millisecond)
	}

	require.Equal(t, 6, h.count())
	for _, j := range h.jobs {
		require.Equal(t, 0, j.Retries)
	}
}

func Test_Scheduler_Cancel(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{}
	s, b, c := newTestScheduler(t, h)

	id := schedule(t, s, b, &backend.Job{Kind: backend.JobTimer, Due: c.Now().Add(time.Second)})

	require.NoError(t, backend.RunInTx(ctx, b, func(ctx context.Context, tx *backend.Transaction) error {
		ok, err := s.Cancel(ctx, tx, id)
		require.True(t, ok)
		return err
	}))

	// Canceling again is not an error
	require.NoError(t, backend.RunInTx(ctx, b, func(ctx context.Context, tx *backend.Transaction) error {
		ok, err := s.Cancel(ctx, tx, id)
		require.False(t, ok)
		return err
	}))

	c.Add(time.Minute)
	n, err := s.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func Test_Scheduler_VolatileJobs(t *testing.T) {
	ctx := context.Background()
	h := &recordingHandler{
		errFn: func(n int, _ *backend.Job) error {
			if n == 2 {
				return errors.New("transient")
			}

			return nil
		},
	}
	s, b, c := newTestScheduler(t, h)

	var first, second string
	require.NoError(t, backend.RunInTx(ctx, b, func(ctx context.Context, tx *backend.Transaction) error {
		var err error
		first, err = s.ScheduleVolatile(ctx, tx, &backend.Job{Kind: backend.JobExecute, Due: c.Now().Add(time.Second)})
		if err != nil {
			return err
		}

		second, err = s.ScheduleVolatile(ctx, tx, &backend.Job{Kind: backend.JobExecute, Due: c.Now().Add(2 * time.Second)})
		return err
	}))

	n, err := s.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	c.Add(time.Second)
	n, err = s.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, first, h.jobs[0].ID)

	// Failed volatile jobs are retried like persisted ones
	c.Add(time.Second)
	n, err = s.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, backend.RunInTx(ctx, b, func(ctx context.Context, tx *backend.Transaction) error {
		ok, err := s.Cancel(ctx, tx, second)
		require.True(t, ok)
		return err
	}))

	c.Add(time.Hour)
	n, err = s.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Empty(t, s.volatile)
}

func Test_Scheduler_Start(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := &recordingHandler{}
	b := memory.NewMemoryBackend()
	s := New(b, h, WithPollers(2), WithMaxParallelJobs(2), WithPollingInterval(time.Millisecond))

	for i := 0; i < 10; i++ {
		schedule(t, s, b, &backend.Job{Kind: backend.JobExecute, InstanceID: fmt.Sprintf("i%d", i)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool { return h.count() == 10 }, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, s.WaitForCompletion())
}

func Test_Classify(t *testing.T) {
	require.Equal(t, outcomeDelivered, classify(nil))
	require.Equal(t, outcomeRetry, classify(errors.New("x")))
	require.Equal(t, outcomeRetry, classify(Retryable(errors.New("x"))))
	require.Equal(t, outcomeAbandoned, classify(fmt.Errorf("wrapped: %w", Fatal(errors.New("x")))))
	require.Equal(t, outcomeContention, classify(fmt.Errorf("wrapped: %w", lock.ErrTimeout)))
}

func Test_RetryDelay(t *testing.T) {
	o := DefaultOptions
	o.RetryInitialInterval = time.Second
	o.RetryMaxInterval = 2 * time.Second

	c := clock.NewMock()
	require.Equal(t, time.Second, retryDelay(c, &o, 1))
	require.Equal(t, 1500*time.Millisecond, retryDelay(c, &o, 2))
	require.Equal(t, 2*time.Second, retryDelay(c, &o, 3))
	require.Equal(t, 2*time.Second, retryDelay(c, &o, 10))
}
