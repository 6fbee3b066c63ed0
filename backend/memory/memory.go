package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cschleiden/go-bpm/backend"
	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/correlation"
	"github.com/cschleiden/go-bpm/events"
	"golang.org/x/sync/semaphore"
)

var errTxDone = errors.New("transaction already finished")

type jobRecord struct {
	job         *backend.Job
	leasedUntil *time.Time
}

// memoryBackend keeps all state in maps. Transactions are fully serialized:
// only one transaction is open at a time, and changes are undone on rollback.
type memoryBackend struct {
	options backend.Options

	sem *semaphore.Weighted

	instances   map[string]*core.Instance
	correlators map[string][]byte
	jobs        map[string]*jobRecord
	events      map[string][]*events.Event
}

func NewMemoryBackend(opts ...backend.BackendOption) backend.Backend {
	return &memoryBackend{
		options:     backend.ApplyOptions(opts...),
		sem:         semaphore.NewWeighted(1),
		instances:   map[string]*core.Instance{},
		correlators: map[string][]byte{},
		jobs:        map[string]*jobRecord{},
		events:      map[string][]*events.Event{},
	}
}

func (mb *memoryBackend) Options() backend.Options {
	return mb.options
}

func (mb *memoryBackend) Close() error {
	return nil
}

func (mb *memoryBackend) Begin(ctx context.Context) (backend.Tx, error) {
	if err := mb.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	return &memoryTx{b: mb}, nil
}

type memoryTx struct {
	b    *memoryBackend
	undo []func()
	done bool
}

var _ backend.Tx = (*memoryTx)(nil)

func (tx *memoryTx) record(fn func()) {
	tx.undo = append(tx.undo, fn)
}

func (tx *memoryTx) check() error {
	if tx.done {
		return errTxDone
	}

	return nil
}

func (tx *memoryTx) Commit() error {
	if err := tx.check(); err != nil {
		return err
	}

	tx.done = true
	tx.undo = nil
	tx.b.sem.Release(1)

	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}

	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}

	tx.done = true
	tx.undo = nil
	tx.b.sem.Release(1)

	return nil
}

func (tx *memoryTx) CreateInstance(ctx context.Context, instance *core.Instance) error {
	if err := tx.check(); err != nil {
		return err
	}

	if _, ok := tx.b.instances[instance.ID]; ok {
		return backend.ErrInstanceAlreadyExists
	}

	tx.b.instances[instance.ID] = instance.Clone()
	tx.record(func() { delete(tx.b.instances, instance.ID) })

	return nil
}

func (tx *memoryTx) GetInstance(ctx context.Context, instanceID string) (*core.Instance, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}

	i, ok := tx.b.instances[instanceID]
	if !ok {
		return nil, backend.ErrInstanceNotFound
	}

	return i.Clone(), nil
}

func (tx *memoryTx) UpdateInstance(ctx context.Context, instance *core.Instance) error {
	if err := tx.check(); err != nil {
		return err
	}

	prev, ok := tx.b.instances[instance.ID]
	if !ok {
		return backend.ErrInstanceNotFound
	}

	tx.b.instances[instance.ID] = instance.Clone()
	tx.record(func() { tx.b.instances[instance.ID] = prev })

	return nil
}

func correlatorKey(processID, correlatorID string) string {
	return processID + "/" + correlatorID
}

func (tx *memoryTx) GetCorrelator(ctx context.Context, processID, correlatorID string) (*correlation.Correlator, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}

	data, ok := tx.b.correlators[correlatorKey(processID, correlatorID)]
	if !ok {
		return correlation.NewCorrelator(correlatorID), nil
	}

	var c correlation.Correlator
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding correlator: %w", err)
	}

	return &c, nil
}

func (tx *memoryTx) SaveCorrelator(ctx context.Context, processID string, c *correlation.Correlator) error {
	if err := tx.check(); err != nil {
		return err
	}

	key := correlatorKey(processID, c.ID)

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding correlator: %w", err)
	}

	prev, existed := tx.b.correlators[key]
	tx.b.correlators[key] = data
	tx.record(func() {
		if existed {
			tx.b.correlators[key] = prev
		} else {
			delete(tx.b.correlators, key)
		}
	})

	return nil
}

func (tx *memoryTx) InsertJob(ctx context.Context, job *backend.Job) error {
	if err := tx.check(); err != nil {
		return err
	}

	if _, ok := tx.b.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	tx.b.jobs[job.ID] = &jobRecord{job: job.Clone()}
	tx.record(func() { delete(tx.b.jobs, job.ID) })

	return nil
}

func (tx *memoryTx) GetJob(ctx context.Context, jobID string) (*backend.Job, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}

	r, ok := tx.b.jobs[jobID]
	if !ok {
		return nil, backend.ErrJobNotFound
	}

	return r.job.Clone(), nil
}

func (tx *memoryTx) UpdateJob(ctx context.Context, job *backend.Job) error {
	if err := tx.check(); err != nil {
		return err
	}

	prev, ok := tx.b.jobs[job.ID]
	if !ok {
		return backend.ErrJobNotFound
	}

	tx.b.jobs[job.ID] = &jobRecord{job: job.Clone()}
	tx.record(func() { tx.b.jobs[job.ID] = prev })

	return nil
}

func (tx *memoryTx) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	if err := tx.check(); err != nil {
		return false, err
	}

	prev, ok := tx.b.jobs[jobID]
	if !ok {
		return false, nil
	}

	delete(tx.b.jobs, jobID)
	tx.record(func() { tx.b.jobs[jobID] = prev })

	return true, nil
}

func (tx *memoryTx) CancelJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	if err := tx.check(); err != nil {
		return false, err
	}

	r, ok := tx.b.jobs[jobID]
	if !ok {
		return false, nil
	}

	if r.leasedUntil != nil && r.leasedUntil.After(now) {
		return false, nil
	}

	return tx.DeleteJob(ctx, jobID)
}

func (tx *memoryTx) LeaseDueJobs(ctx context.Context, now time.Time, until time.Time, limit int) ([]*backend.Job, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}

	var due []*jobRecord
	for _, r := range tx.b.jobs {
		if r.job.Due.After(now) {
			continue
		}

		if r.leasedUntil != nil && r.leasedUntil.After(now) {
			continue
		}

		due = append(due, r)
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].job.Due.Equal(due[j].job.Due) {
			return due[i].job.ID < due[j].job.ID
		}

		return due[i].job.Due.Before(due[j].job.Due)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	jobs := make([]*backend.Job, 0, len(due))
	for _, r := range due {
		r := r
		prev := r.leasedUntil
		u := until
		r.leasedUntil = &u
		tx.record(func() { r.leasedUntil = prev })

		jobs = append(jobs, r.job.Clone())
	}

	return jobs, nil
}

func (tx *memoryTx) ExtendLease(ctx context.Context, jobID string, until time.Time) error {
	if err := tx.check(); err != nil {
		return err
	}

	r, ok := tx.b.jobs[jobID]
	if !ok {
		return backend.ErrJobNotFound
	}

	prev := r.leasedUntil
	u := until
	r.leasedUntil = &u
	tx.record(func() { r.leasedUntil = prev })

	return nil
}

func (tx *memoryTx) AppendEvent(ctx context.Context, e *events.Event) error {
	if err := tx.check(); err != nil {
		return err
	}

	c := *e
	prev := tx.b.events[e.InstanceID]
	tx.b.events[e.InstanceID] = append(prev[:len(prev):len(prev)], &c)
	tx.record(func() { tx.b.events[e.InstanceID] = prev })

	return nil
}

func (tx *memoryTx) Events(ctx context.Context, instanceID string) ([]*events.Event, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}

	return append([]*events.Event(nil), tx.b.events[instanceID]...), nil
}
