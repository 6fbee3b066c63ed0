package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cschleiden/go-bpm/backend"
	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/correlation"
	"github.com/cschleiden/go-bpm/events"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

func NewInMemoryBackend(opts ...option) *sqliteBackend {
	b := newSqliteBackend(fmt.Sprintf("file:%s?mode=memory&_pragma=foreign_keys(1)", uuid.NewString()), opts...)

	// An in-memory database only lives as long as its connection
	b.db.SetMaxOpenConns(1)
	b.db.SetConnMaxLifetime(0)
	b.db.SetConnMaxIdleTime(0)

	b.migrate()

	return b
}

func NewSqliteBackend(path string, opts ...option) *sqliteBackend {
	b := newSqliteBackend(fmt.Sprintf("file:%v?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate", path), opts...)

	// SQLite allows a single writer
	b.db.SetMaxOpenConns(1)

	b.migrate()

	return b
}

func newSqliteBackend(dsn string, opts ...option) *sqliteBackend {
	options := &options{
		Options:         backend.ApplyOptions(),
		ApplyMigrations: true,
	}

	for _, opt := range opts {
		opt(options)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		panic(err)
	}

	return &sqliteBackend{
		db:      db,
		options: options,
	}
}

type sqliteBackend struct {
	db      *sql.DB
	options *options
}

var _ backend.Backend = (*sqliteBackend)(nil)

func (sb *sqliteBackend) migrate() {
	if !sb.options.ApplyMigrations {
		return
	}

	if err := sb.Migrate(); err != nil {
		panic(err)
	}
}

// Migrate applies any pending database migrations.
func (sb *sqliteBackend) Migrate() error {
	dbi, err := sqlite.WithInstance(sb.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "sqlite", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	// Closing m would close the shared database handle.
	return nil
}

func (sb *sqliteBackend) Options() backend.Options {
	return sb.options.Options
}

func (sb *sqliteBackend) Close() error {
	return sb.db.Close()
}

func (sb *sqliteBackend) Begin(ctx context.Context) (backend.Tx, error) {
	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}

	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

var _ backend.Tx = (*sqliteTx)(nil)

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}

	return nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func (t *sqliteTx) CreateInstance(ctx context.Context, i *core.Instance) error {
	var exists int
	err := t.tx.QueryRowContext(ctx, "SELECT 1 FROM `instances` WHERE id = ?", i.ID).Scan(&exists)
	if err == nil {
		return backend.ErrInstanceAlreadyExists
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking for existing instance: %w", err)
	}

	var completedAt *int64
	if i.CompletedAt != nil {
		n := toNanos(*i.CompletedAt)
		completedAt = &n
	}

	if _, err := t.tx.ExecContext(
		ctx,
		"INSERT INTO `instances` (id, process_id, state, data, fault, created_at, last_active, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		i.ID,
		i.ProcessID,
		i.State,
		i.Data,
		i.Fault,
		toNanos(i.CreatedAt),
		toNanos(i.LastActive),
		completedAt,
	); err != nil {
		return fmt.Errorf("inserting instance: %w", err)
	}

	return nil
}

func (t *sqliteTx) GetInstance(ctx context.Context, instanceID string) (*core.Instance, error) {
	row := t.tx.QueryRowContext(
		ctx,
		"SELECT id, process_id, state, data, fault, created_at, last_active, completed_at FROM `instances` WHERE id = ?",
		instanceID,
	)

	var i core.Instance
	var createdAt, lastActive int64
	var completedAt sql.NullInt64

	if err := row.Scan(&i.ID, &i.ProcessID, &i.State, &i.Data, &i.Fault, &createdAt, &lastActive, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrInstanceNotFound
		}

		return nil, fmt.Errorf("scanning instance: %w", err)
	}

	i.CreatedAt = fromNanos(createdAt)
	i.LastActive = fromNanos(lastActive)

	if completedAt.Valid {
		t := fromNanos(completedAt.Int64)
		i.CompletedAt = &t
	}

	return &i, nil
}

func (t *sqliteTx) UpdateInstance(ctx context.Context, i *core.Instance) error {
	var completedAt *int64
	if i.CompletedAt != nil {
		n := toNanos(*i.CompletedAt)
		completedAt = &n
	}

	res, err := t.tx.ExecContext(
		ctx,
		"UPDATE `instances` SET state = ?, data = ?, fault = ?, last_active = ?, completed_at = ? WHERE id = ?",
		i.State,
		i.Data,
		i.Fault,
		toNanos(i.LastActive),
		completedAt,
		i.ID,
	)
	if err != nil {
		return fmt.Errorf("updating instance: %w", err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return backend.ErrInstanceNotFound
	}

	return nil
}

func (t *sqliteTx) GetCorrelator(ctx context.Context, processID, correlatorID string) (*correlation.Correlator, error) {
	var data []byte
	err := t.tx.QueryRowContext(
		ctx,
		"SELECT data FROM `correlators` WHERE process_id = ? AND correlator_id = ?",
		processID, correlatorID,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return correlation.NewCorrelator(correlatorID), nil
		}

		return nil, fmt.Errorf("loading correlator: %w", err)
	}

	var c correlation.Correlator
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding correlator: %w", err)
	}

	return &c, nil
}

func (t *sqliteTx) SaveCorrelator(ctx context.Context, processID string, c *correlation.Correlator) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding correlator: %w", err)
	}

	if _, err := t.tx.ExecContext(
		ctx,
		"INSERT INTO `correlators` (process_id, correlator_id, data) VALUES (?, ?, ?) ON CONFLICT (process_id, correlator_id) DO UPDATE SET data = excluded.data",
		processID, c.ID, data,
	); err != nil {
		return fmt.Errorf("saving correlator: %w", err)
	}

	return nil
}

func (t *sqliteTx) InsertJob(ctx context.Context, job *backend.Job) error {
	if _, err := t.tx.ExecContext(
		ctx,
		"INSERT INTO `jobs` (id, instance_id, process_id, kind, channel, payload, due_at, retries) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		job.ID,
		job.InstanceID,
		job.ProcessID,
		string(job.Kind),
		job.Channel,
		[]byte(job.Payload),
		toNanos(job.Due),
		job.Retries,
	); err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}

	return nil
}

const jobColumns = "id, instance_id, process_id, kind, channel, payload, due_at, retries"

func scanJob(scan func(dest ...any) error) (*backend.Job, error) {
	var j backend.Job
	var kind string
	var payload []byte
	var due int64

	if err := scan(&j.ID, &j.InstanceID, &j.ProcessID, &kind, &j.Channel, &payload, &due, &j.Retries); err != nil {
		return nil, err
	}

	j.Kind = backend.JobKind(kind)
	j.Payload = payload
	j.Due = fromNanos(due)

	return &j, nil
}

func (t *sqliteTx) GetJob(ctx context.Context, jobID string) (*backend.Job, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM `jobs` WHERE id = ?", jobID)

	j, err := scanJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrJobNotFound
		}

		return nil, fmt.Errorf("scanning job: %w", err)
	}

	return j, nil
}

func (t *sqliteTx) UpdateJob(ctx context.Context, job *backend.Job) error {
	res, err := t.tx.ExecContext(
		ctx,
		"UPDATE `jobs` SET due_at = ?, retries = ?, payload = ?, leased_until = NULL WHERE id = ?",
		toNanos(job.Due),
		job.Retries,
		[]byte(job.Payload),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return backend.ErrJobNotFound
	}

	return nil
}

func (t *sqliteTx) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, "DELETE FROM `jobs` WHERE id = ?", jobID)
	if err != nil {
		return false, fmt.Errorf("deleting job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

func (t *sqliteTx) CancelJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(
		ctx,
		"DELETE FROM `jobs` WHERE id = ? AND (leased_until IS NULL OR leased_until <= ?)",
		jobID, toNanos(now),
	)
	if err != nil {
		return false, fmt.Errorf("canceling job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

func (t *sqliteTx) LeaseDueJobs(ctx context.Context, now time.Time, until time.Time, limit int) ([]*backend.Job, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := t.tx.QueryContext(
		ctx,
		"SELECT "+jobColumns+" FROM `jobs` WHERE due_at <= ? AND (leased_until IS NULL OR leased_until <= ?) ORDER BY due_at, id LIMIT ?",
		toNanos(now), toNanos(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying due jobs: %w", err)
	}

	var jobs []*backend.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning job: %w", err)
		}

		jobs = append(jobs, j)
	}

	if err := rows.Close(); err != nil {
		return nil, err
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, j := range jobs {
		if _, err := t.tx.ExecContext(ctx, "UPDATE `jobs` SET leased_until = ? WHERE id = ?", toNanos(until), j.ID); err != nil {
			return nil, fmt.Errorf("leasing job: %w", err)
		}
	}

	return jobs, nil
}

func (t *sqliteTx) ExtendLease(ctx context.Context, jobID string, until time.Time) error {
	res, err := t.tx.ExecContext(ctx, "UPDATE `jobs` SET leased_until = ? WHERE id = ?", toNanos(until), jobID)
	if err != nil {
		return fmt.Errorf("extending lease: %w", err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return backend.ErrJobNotFound
	}

	return nil
}

func (t *sqliteTx) AppendEvent(ctx context.Context, e *events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	if _, err := t.tx.ExecContext(
		ctx,
		"INSERT INTO `events` (instance_id, type, timestamp, data) VALUES (?, ?, ?, ?)",
		e.InstanceID, string(e.Type), toNanos(e.Timestamp), data,
	); err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	return nil
}

func (t *sqliteTx) Events(ctx context.Context, instanceID string) ([]*events.Event, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT data FROM `events` WHERE instance_id = ? ORDER BY sequence_id", instanceID)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var evs []*events.Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}

		var e events.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decoding event: %w", err)
		}

		evs = append(evs, &e)
	}

	return evs, rows.Err()
}
