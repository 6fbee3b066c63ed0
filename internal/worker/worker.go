package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type TaskWorker[Task, Result any] interface {
	Get(context.Context) (*Task, error)
	Extend(context.Context, *Task) error
	Execute(context.Context, *Task) (*Result, error)
	Complete(context.Context, *Result, *Task) error
}

type Worker[Task, TaskResult any] struct {
	options *Options

	tw TaskWorker[Task, TaskResult]

	wq *workQueue[Task]

	logger *slog.Logger
	clock  clock.Clock

	pollersWg sync.WaitGroup

	dispatcherDone chan struct{}
}

func NewWorker[Task, TaskResult any](
	tw TaskWorker[Task, TaskResult], logger *slog.Logger, clk clock.Clock, options *Options,
) *Worker[Task, TaskResult] {
	if options == nil {
		o := DefaultOptions
		options = &o
	}

	if options.Pollers <= 0 {
		options.Pollers = 1
	}

	if options.PollingInterval <= 0 {
		options.PollingInterval = DefaultOptions.PollingInterval
	}

	if logger == nil {
		logger = slog.Default()
	}

	if clk == nil {
		clk = clock.New()
	}

	return &Worker[Task, TaskResult]{
		tw:             tw,
		options:        options,
		wq:             newWorkQueue[Task](options.MaxParallelTasks),
		logger:         logger,
		clock:          clk,
		dispatcherDone: make(chan struct{}, 1),
	}
}

func (w *Worker[Task, TaskResult]) Start(ctx context.Context) error {
	w.pollersWg.Add(w.options.Pollers)

	for i := 0; i < w.options.Pollers; i++ {
		go w.poller(ctx)
	}

	go w.dispatcher()

	return nil
}

// WaitForCompletion blocks until all pollers have stopped and every task
// handed to the dispatcher has finished. The context passed to Start needs to
// be canceled first.
func (w *Worker[Task, TaskResult]) WaitForCompletion() error {
	// Wait for task pollers to finish
	w.pollersWg.Wait()

	// Wait for tasks to finish
	close(w.wq.tasks)
	<-w.dispatcherDone

	return nil
}

func (w *Worker[Task, TaskResult]) poller(ctx context.Context) {
	defer w.pollersWg.Done()

	ticker := w.clock.Ticker(w.options.PollingInterval)
	defer ticker.Stop()

	for {
		// Only lease work when there is capacity to handle it
		if err := w.wq.reserve(ctx); err != nil {
			return
		}

		task, err := w.poll(ctx, w.options.PollTimeout)
		if err != nil {
			w.wq.release()
			w.logger.ErrorContext(ctx, "error polling task", "error", err)
		} else if task != nil {
			if err := w.wq.add(ctx, task); err != nil {
				// Lease expires and the task is picked up again
				w.wq.release()
				return
			}

			continue // check for new tasks right away
		} else {
			w.wq.release()
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker[Task, TaskResult]) dispatcher() {
	var wg sync.WaitGroup

	for t := range w.wq.tasks {
		wg.Add(1)

		go func(t *Task) {
			defer wg.Done()
			defer w.wq.release()

			// Create new context to allow tasks to complete when root context is canceled
			taskCtx := context.Background()
			if err := w.handle(taskCtx, t); err != nil {
				w.logger.ErrorContext(taskCtx, "error handling task", "error", err)
			}
		}(t)
	}

	wg.Wait()

	w.dispatcherDone <- struct{}{}
}

func (w *Worker[Task, TaskResult]) handle(ctx context.Context, t *Task) error {
	if w.options.HeartbeatInterval > 0 {
		// Start heartbeat while processing task
		heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
		defer cancelHeartbeat()
		go w.heartbeatTask(heartbeatCtx, t)
	}

	result, err := w.tw.Execute(ctx, t)
	if err != nil {
		return fmt.Errorf("executing task: %w", err)
	}

	return w.tw.Complete(ctx, result, t)
}

func (w *Worker[Task, TaskResult]) heartbeatTask(ctx context.Context, task *Task) {
	t := w.clock.Ticker(w.options.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.tw.Extend(ctx, task); err != nil {
				w.logger.ErrorContext(ctx, "could not heartbeat task", "error", err)
			}
		}
	}
}

func (w *Worker[Task, TaskResult]) poll(ctx context.Context, timeout time.Duration) (*Task, error) {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	task, err := w.tw.Get(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, nil
		}

		return nil, err
	}

	return task, nil
}
