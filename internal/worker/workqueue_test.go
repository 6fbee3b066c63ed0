package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testTask struct {
	ID   int
	Data string
}

func TestNewWorkQueue(t *testing.T) {
	t.Run("unlimited parallelism", func(t *testing.T) {
		wq := newWorkQueue[testTask](0)

		require.NotNil(t, wq.tasks)
		require.Nil(t, wq.slots)
	})

	t.Run("limited parallelism", func(t *testing.T) {
		wq := newWorkQueue[testTask](5)

		require.NotNil(t, wq.tasks)
		require.NotNil(t, wq.slots)
	})

	t.Run("negative max parallel tasks treated as unlimited", func(t *testing.T) {
		wq := newWorkQueue[testTask](-1)

		require.Nil(t, wq.slots)
	})
}

func TestWorkQueue_Reserve(t *testing.T) {
	t.Run("unlimited parallelism - no reservation needed", func(t *testing.T) {
		wq := newWorkQueue[testTask](0)

		require.NoError(t, wq.reserve(context.Background()))
	})

	t.Run("reservation blocks when slots full", func(t *testing.T) {
		wq := newWorkQueue[testTask](1)

		require.NoError(t, wq.reserve(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		require.ErrorIs(t, wq.reserve(ctx), context.DeadlineExceeded)
	})

	t.Run("release frees slot", func(t *testing.T) {
		wq := newWorkQueue[testTask](1)
		ctx := context.Background()

		require.NoError(t, wq.reserve(ctx))
		wq.release()
		require.NoError(t, wq.reserve(ctx))
	})

	t.Run("canceled context", func(t *testing.T) {
		wq := newWorkQueue[testTask](1)
		require.NoError(t, wq.reserve(context.Background()))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		require.ErrorIs(t, wq.reserve(ctx), context.Canceled)
	})
}

func TestWorkQueue_Add(t *testing.T) {
	t.Run("successful add", func(t *testing.T) {
		wq := newWorkQueue[testTask](0)
		task := &testTask{ID: 1, Data: "test"}

		errC := make(chan error, 1)
		go func() {
			errC <- wq.add(context.Background(), task)
		}()

		select {
		case received := <-wq.tasks:
			require.Equal(t, task, received)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for task")
		}

		require.NoError(t, <-errC)
	})

	t.Run("no reader", func(t *testing.T) {
		wq := newWorkQueue[testTask](0)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		require.ErrorIs(t, wq.add(ctx, &testTask{ID: 1}), context.DeadlineExceeded)
	})
}

func TestWorkQueue_ConcurrentReserves(t *testing.T) {
	wq := newWorkQueue[testTask](3)
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := wq.reserve(ctx); err != nil {
				return
			}

			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()

			wq.release()
		}()
	}

	wg.Wait()

	require.LessOrEqual(t, maxInside, 3)
}

func BenchmarkWorkQueue_Reserve(b *testing.B) {
	wq := newWorkQueue[testTask](1000)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = wq.reserve(ctx)
			wq.release()
		}
	})
}
