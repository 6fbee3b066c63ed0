package events

import (
	"context"
	"sync"
)

// Recorder keeps all emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(_ context.Context, e *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*Event(nil), r.events...)
}

// OfType returns the recorded events of the given type for an instance. An
// empty instance id matches all instances.
func (r *Recorder) OfType(instanceID string, t Type) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*Event
	for _, e := range r.events {
		if e.Type == t && (instanceID == "" || e.InstanceID == instanceID) {
			result = append(result, e)
		}
	}

	return result
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = nil
}
