package core

import "time"

type Instance struct {
	// ID is the ID of the process instance.
	ID string `json:"id,omitempty"`

	// ProcessID identifies the deployed process the instance executes.
	ProcessID string `json:"process_id,omitempty"`

	State InstanceState `json:"state"`

	// Data is the serialized execution state of the instance: the continuation
	// soup, variables, correlation values and outstanding requests.
	Data []byte `json:"data,omitempty"`

	// Fault is the name of the fault the instance completed with, if any.
	Fault string `json:"fault,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	LastActive  time.Time  `json:"last_active"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func NewInstance(id, processID string, now time.Time) *Instance {
	return &Instance{
		ID:         id,
		ProcessID:  processID,
		State:      InstanceStateNew,
		CreatedAt:  now,
		LastActive: now,
	}
}

// Clone returns a deep copy of the instance.
func (i *Instance) Clone() *Instance {
	c := *i
	if i.Data != nil {
		c.Data = append([]byte(nil), i.Data...)
	}

	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}

	return &c
}
