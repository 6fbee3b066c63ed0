package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cschleiden/go-bpm/backend"
	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/correlation"
	"github.com/cschleiden/go-bpm/events"
	bolt "go.etcd.io/bbolt"
)

var (
	instancesBucket   = []byte("instances")
	correlatorsBucket = []byte("correlators")
	jobsBucket        = []byte("jobs")
	jobsDueBucket     = []byte("jobs_due")
	eventsBucket      = []byte("events")
)

// NewBoltBackend stores all state in a single bbolt file. bbolt allows one
// writable transaction at a time, so transactions are serialized.
func NewBoltBackend(path string, opts ...backend.BackendOption) (*boltBackend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{instancesBucket, correlatorsBucket, jobsBucket, jobsDueBucket, eventsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}

		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &boltBackend{
		db:      db,
		options: backend.ApplyOptions(opts...),
	}, nil
}

type boltBackend struct {
	db      *bolt.DB
	options backend.Options
}

var _ backend.Backend = (*boltBackend)(nil)

func (bb *boltBackend) Options() backend.Options {
	return bb.options
}

func (bb *boltBackend) Close() error {
	return bb.db.Close()
}

func (bb *boltBackend) Begin(ctx context.Context) (backend.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := bb.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}

	return &boltTx{tx: tx}, nil
}

type boltTx struct {
	tx *bolt.Tx
}

var _ backend.Tx = (*boltTx)(nil)

func (t *boltTx) Commit() error {
	return t.tx.Commit()
}

func (t *boltTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, bolt.ErrTxClosed) {
		return err
	}

	return nil
}

func (t *boltTx) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return t.tx.Bucket(bucket).Put([]byte(key), data)
}

func (t *boltTx) get(bucket []byte, key string, v any) (bool, error) {
	data := t.tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return false, nil
	}

	return true, json.Unmarshal(data, v)
}

func (t *boltTx) CreateInstance(ctx context.Context, i *core.Instance) error {
	if t.tx.Bucket(instancesBucket).Get([]byte(i.ID)) != nil {
		return backend.ErrInstanceAlreadyExists
	}

	if err := t.put(instancesBucket, i.ID, i); err != nil {
		return fmt.Errorf("storing instance: %w", err)
	}

	return nil
}

func (t *boltTx) GetInstance(ctx context.Context, instanceID string) (*core.Instance, error) {
	var i core.Instance
	ok, err := t.get(instancesBucket, instanceID, &i)
	if err != nil {
		return nil, fmt.Errorf("decoding instance: %w", err)
	}

	if !ok {
		return nil, backend.ErrInstanceNotFound
	}

	return &i, nil
}

func (t *boltTx) UpdateInstance(ctx context.Context, i *core.Instance) error {
	if t.tx.Bucket(instancesBucket).Get([]byte(i.ID)) == nil {
		return backend.ErrInstanceNotFound
	}

	if err := t.put(instancesBucket, i.ID, i); err != nil {
		return fmt.Errorf("storing instance: %w", err)
	}

	return nil
}

func correlatorKey(processID, correlatorID string) string {
	return processID + "/" + correlatorID
}

func (t *boltTx) GetCorrelator(ctx context.Context, processID, correlatorID string) (*correlation.Correlator, error) {
	var c correlation.Correlator
	ok, err := t.get(correlatorsBucket, correlatorKey(processID, correlatorID), &c)
	if err != nil {
		return nil, fmt.Errorf("decoding correlator: %w", err)
	}

	if !ok {
		return correlation.NewCorrelator(correlatorID), nil
	}

	return &c, nil
}

func (t *boltTx) SaveCorrelator(ctx context.Context, processID string, c *correlation.Correlator) error {
	if err := t.put(correlatorsBucket, correlatorKey(processID, c.ID), c); err != nil {
		return fmt.Errorf("storing correlator: %w", err)
	}

	return nil
}

type jobRecord struct {
	Job         *backend.Job `json:"job"`
	LeasedUntil *time.Time   `json:"leased_until,omitempty"`
}

func (r *jobRecord) leased(now time.Time) bool {
	return r.LeasedUntil != nil && r.LeasedUntil.After(now)
}

// dueKey orders the due index by due time, then job id.
func dueKey(job *backend.Job) []byte {
	k := make([]byte, 8, 8+len(job.ID))
	binary.BigEndian.PutUint64(k, uint64(job.Due.UnixNano()))
	return append(k, job.ID...)
}

func (t *boltTx) getJob(jobID string) (*jobRecord, error) {
	var r jobRecord
	ok, err := t.get(jobsBucket, jobID, &r)
	if err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}

	if !ok {
		return nil, backend.ErrJobNotFound
	}

	return &r, nil
}

func (t *boltTx) InsertJob(ctx context.Context, job *backend.Job) error {
	if t.tx.Bucket(jobsBucket).Get([]byte(job.ID)) != nil {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	if err := t.put(jobsBucket, job.ID, &jobRecord{Job: job}); err != nil {
		return fmt.Errorf("storing job: %w", err)
	}

	return t.tx.Bucket(jobsDueBucket).Put(dueKey(job), []byte(job.ID))
}

func (t *boltTx) GetJob(ctx context.Context, jobID string) (*backend.Job, error) {
	r, err := t.getJob(jobID)
	if err != nil {
		return nil, err
	}

	return r.Job, nil
}

func (t *boltTx) UpdateJob(ctx context.Context, job *backend.Job) error {
	r, err := t.getJob(job.ID)
	if err != nil {
		return err
	}

	if err := t.tx.Bucket(jobsDueBucket).Delete(dueKey(r.Job)); err != nil {
		return err
	}

	if err := t.put(jobsBucket, job.ID, &jobRecord{Job: job}); err != nil {
		return fmt.Errorf("storing job: %w", err)
	}

	return t.tx.Bucket(jobsDueBucket).Put(dueKey(job), []byte(job.ID))
}

func (t *boltTx) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	r, err := t.getJob(jobID)
	if err != nil {
		if errors.Is(err, backend.ErrJobNotFound) {
			return false, nil
		}

		return false, err
	}

	if err := t.tx.Bucket(jobsDueBucket).Delete(dueKey(r.Job)); err != nil {
		return false, err
	}

	if err := t.tx.Bucket(jobsBucket).Delete([]byte(jobID)); err != nil {
		return false, err
	}

	return true, nil
}

func (t *boltTx) CancelJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	r, err := t.getJob(jobID)
	if err != nil {
		if errors.Is(err, backend.ErrJobNotFound) {
			return false, nil
		}

		return false, err
	}

	if r.leased(now) {
		return false, nil
	}

	return t.DeleteJob(ctx, jobID)
}

func (t *boltTx) LeaseDueJobs(ctx context.Context, now time.Time, until time.Time, limit int) ([]*backend.Job, error) {
	var jobs []*backend.Job
	var records []*jobRecord

	c := t.tx.Bucket(jobsDueBucket).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if int64(binary.BigEndian.Uint64(k[:8])) > now.UnixNano() {
			break
		}

		r, err := t.getJob(string(v))
		if err != nil {
			return nil, err
		}

		if r.leased(now) {
			continue
		}

		records = append(records, r)
		jobs = append(jobs, r.Job)

		if limit > 0 && len(jobs) == limit {
			break
		}
	}

	for _, r := range records {
		u := until
		r.LeasedUntil = &u
		if err := t.put(jobsBucket, r.Job.ID, r); err != nil {
			return nil, fmt.Errorf("leasing job: %w", err)
		}
	}

	return jobs, nil
}

func (t *boltTx) ExtendLease(ctx context.Context, jobID string, until time.Time) error {
	r, err := t.getJob(jobID)
	if err != nil {
		return err
	}

	r.LeasedUntil = &until

	return t.put(jobsBucket, jobID, r)
}

func (t *boltTx) AppendEvent(ctx context.Context, e *events.Event) error {
	b, err := t.tx.Bucket(eventsBucket).CreateBucketIfNotExists([]byte(e.InstanceID))
	if err != nil {
		return fmt.Errorf("creating event bucket: %w", err)
	}

	seq, err := b.NextSequence()
	if err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)

	return b.Put(k, data)
}

func (t *boltTx) Events(ctx context.Context, instanceID string) ([]*events.Event, error) {
	b := t.tx.Bucket(eventsBucket).Bucket([]byte(instanceID))
	if b == nil {
		return nil, nil
	}

	var evs []*events.Event
	err := b.ForEach(func(k, v []byte) error {
		var e events.Event
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}

		evs = append(evs, &e)
		return nil
	})

	return evs, err
}
