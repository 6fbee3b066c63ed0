package activity

import (
	"time"

	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/correlation"
	"github.com/cschleiden/go-bpm/events"
)

// Environment is everything outside the soup an activity can reach. The
// engine binds an environment to the transaction of the job being processed,
// so all side effects commit or roll back together with the instance state.
type Environment interface {
	Now() time.Time

	InstanceID() string

	ProcessID() string

	// NewID returns a fresh identifier for invocations.
	NewID() string

	// ScheduleTimer schedules a timer message for channel at due and returns
	// the job id.
	ScheduleTimer(channel string, due time.Time) (string, error)

	// ScheduleInvokeCheck schedules a failure response for the invocation if it
	// has not been answered by due.
	ScheduleInvokeCheck(channel, invocationID string, due time.Time) (string, error)

	// CancelJob cancels a previously scheduled job, best effort.
	CancelJob(jobID string) error

	// Invoke sends a request to a partner once the transaction commits.
	Invoke(inv *core.Invocation) error

	// Reply answers an inbound request once the transaction commits.
	Reply(r *core.Reply) error

	// RegisterRoutes makes channel receive messages matching the selectors.
	// If a matching message is already queued it is returned instead and no
	// route is registered.
	RegisterRoutes(channel string, selectors []correlation.Selector) (*Received, error)

	// RemoveRoutes removes all routes of a channel.
	RemoveRoutes(channel string, selectors []correlation.Selector) error

	Emit(e *events.Event)
}
