package events

import (
	"context"
	"time"
)

type Type string

const (
	InstanceCreated      Type = "InstanceCreated"
	InstanceStateChanged Type = "InstanceStateChanged"

	ActivityCompleted Type = "ActivityCompleted"

	// ActivityFailure means an activity failed and waits for an operator
	// to decide how to recover.
	ActivityFailure  Type = "ActivityFailure"
	ActivityRetry    Type = "ActivityRetry"
	ActivityRecovery Type = "ActivityRecovery"

	LinkStatus Type = "LinkStatus"

	MessageRouted Type = "MessageRouted"
	MessageQueued Type = "MessageQueued"
)

// Event is an audit record of something that happened to a process instance.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	InstanceID string `json:"instance_id"`
	ProcessID  string `json:"process_id,omitempty"`

	ActivityID string `json:"activity_id,omitempty"`
	FrameID    int64  `json:"frame_id,omitempty"`

	// State is the new instance state for lifecycle events.
	State string `json:"state,omitempty"`

	Fault  string `json:"fault,omitempty"`
	Reason string `json:"reason,omitempty"`

	RetryCount int      `json:"retry_count,omitempty"`
	Actions    []string `json:"actions,omitempty"`
	Action     string   `json:"action,omitempty"`

	Link       string `json:"link,omitempty"`
	LinkStatus *bool  `json:"link_status,omitempty"`

	MexID string `json:"mex_id,omitempty"`
}

// Sink receives events after the transaction that produced them committed.
type Sink interface {
	Emit(ctx context.Context, e *Event)
}

type SinkFunc func(ctx context.Context, e *Event)

func (f SinkFunc) Emit(ctx context.Context, e *Event) {
	f(ctx, e)
}

// Discard drops all events.
var Discard Sink = SinkFunc(func(context.Context, *Event) {})

type multiSink []Sink

// Multi fans out events to all given sinks.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

func (m multiSink) Emit(ctx context.Context, e *Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}
