package backend

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/correlation"
	"github.com/cschleiden/go-bpm/events"
)

var (
	ErrInstanceNotFound      = errors.New("process instance not found")
	ErrInstanceAlreadyExists = errors.New("process instance already exists")
	ErrJobNotFound           = errors.New("job not found")
)

const TracerName = "go-bpm"

type JobKind string

const (
	// JobResume delivers a message to a channel of a waiting instance.
	JobResume JobKind = "resume"

	// JobTimer fires a timer channel.
	JobTimer JobKind = "timer"

	// JobInvokeCheck fails an invoke that did not receive a response in time.
	JobInvokeCheck JobKind = "invoke-check"

	// JobExecute continues an instance that ran out of execution budget, or
	// runs a new instance for the first time.
	JobExecute JobKind = "execute"
)

// Job is a unit of work that must not run before Due.
type Job struct {
	ID         string  `json:"id"`
	InstanceID string  `json:"instance_id"`
	ProcessID  string  `json:"process_id,omitempty"`
	Kind       JobKind `json:"kind"`

	// Channel is the soup channel the payload is delivered to.
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	Due     time.Time `json:"due"`
	Retries int       `json:"retries"`

	// Volatile jobs are kept in memory only and are lost on restart.
	Volatile bool `json:"-"`
}

func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}

	return &c
}

type Backend interface {
	// Begin starts a transaction. Every state change of the runtime happens
	// inside exactly one transaction.
	Begin(ctx context.Context) (Tx, error)

	// Options returns the options the backend was configured with
	Options() Options

	Close() error
}

// Tx is a backend transaction. Writes become visible to other transactions
// only after Commit. Rollback after Commit is a no-op.
type Tx interface {
	// CreateInstance stores a new process instance. Returns ErrInstanceAlreadyExists
	// if an instance with the same id exists.
	CreateInstance(ctx context.Context, instance *core.Instance) error

	// GetInstance returns ErrInstanceNotFound for unknown instances.
	GetInstance(ctx context.Context, instanceID string) (*core.Instance, error)

	UpdateInstance(ctx context.Context, instance *core.Instance) error

	// GetCorrelator returns the correlator of a process partner link operation,
	// or an empty one if it does not exist yet.
	GetCorrelator(ctx context.Context, processID, correlatorID string) (*correlation.Correlator, error)

	SaveCorrelator(ctx context.Context, processID string, c *correlation.Correlator) error

	InsertJob(ctx context.Context, job *Job) error

	GetJob(ctx context.Context, jobID string) (*Job, error)

	// UpdateJob reschedules a job and releases its lease.
	UpdateJob(ctx context.Context, job *Job) error

	// DeleteJob removes a job regardless of its lease.
	DeleteJob(ctx context.Context, jobID string) (bool, error)

	// CancelJob removes a job unless a worker currently holds a lease on it.
	CancelJob(ctx context.Context, jobID string, now time.Time) (bool, error)

	// LeaseDueJobs leases up to limit jobs with Due <= now that are not leased
	// by anyone else, in due order.
	LeaseDueJobs(ctx context.Context, now time.Time, until time.Time, limit int) ([]*Job, error)

	// ExtendLease moves the lease of a job forward.
	ExtendLease(ctx context.Context, jobID string, until time.Time) error

	AppendEvent(ctx context.Context, e *events.Event) error

	Events(ctx context.Context, instanceID string) ([]*events.Event, error)

	Commit() error

	Rollback() error
}
