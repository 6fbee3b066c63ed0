package worker

import "time"

type Options struct {
	// Pollers is the number of goroutines polling for tasks.
	Pollers int

	// MaxParallelTasks limits the number of tasks handled at the same time. Zero
	// means no limit.
	MaxParallelTasks int64

	// HeartbeatInterval is the interval in which in-flight tasks are extended.
	// Zero disables heartbeats.
	HeartbeatInterval time.Duration

	// PollingInterval is the delay between polls when no task was available.
	PollingInterval time.Duration

	// PollTimeout bounds a single call to Get.
	PollTimeout time.Duration
}

var DefaultOptions = Options{
	Pollers:           1,
	MaxParallelTasks:  0,
	HeartbeatInterval: 0,
	PollingInterval:   200 * time.Millisecond,
	PollTimeout:       30 * time.Second,
}
