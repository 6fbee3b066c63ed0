package worker

import (
	"context"

	"golang.org/x/sync/semaphore"
)

type workQueue[Task any] struct {
	tasks chan *Task
	slots *semaphore.Weighted
}

func newWorkQueue[Task any](maxParallelTasks int64) *workQueue[Task] {
	var slots *semaphore.Weighted
	if maxParallelTasks > 0 {
		slots = semaphore.NewWeighted(maxParallelTasks)
	}

	return &workQueue[Task]{
		tasks: make(chan *Task),
		slots: slots,
	}
}

func (w *workQueue[Task]) reserve(ctx context.Context) error {
	if w.slots == nil {
		return nil // No limit on parallel tasks, no reservation needed
	}

	return w.slots.Acquire(ctx, 1)
}

func (w *workQueue[Task]) add(ctx context.Context, task *Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case w.tasks <- task:
		return nil
	}
}

func (w *workQueue[Task]) release() {
	if w.slots == nil {
		return
	}

	w.slots.Release(1)
}
