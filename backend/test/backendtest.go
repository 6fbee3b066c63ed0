package test

import (
	"context"
	"testing"
	"time"

	"github.com/cschleiden/go-bpm/backend"
	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/correlation"
	"github.com/cschleiden/go-bpm/events"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func inTx(t *testing.T, ctx context.Context, b backend.Backend, fn func(tx backend.Tx)) {
	t.Helper()

	tx, err := b.Begin(ctx)
	require.NoError(t, err)

	fn(tx)

	require.NoError(t, tx.Commit())
}

func newJob(instanceID string, due time.Time) *backend.Job {
	return &backend.Job{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		ProcessID:  "process",
		Kind:       backend.JobResume,
		Channel:    "ch1",
		Payload:    []byte(`{"kind":"response"}`),
		Due:        due,
	}
}

// BackendTest runs the shared behavior tests against a backend implementation.
func BackendTest(t *testing.T, setup func(options ...backend.BackendOption) backend.Backend, teardown func(b backend.Backend)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, b backend.Backend)
	}{
		{
			name: "CreateInstance_GetInstance",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				i := core.NewInstance(uuid.NewString(), "process", now)
				i.Data = []byte(`{"soup":{}}`)

				inTx(t, ctx, b, func(tx backend.Tx) {
					require.NoError(t, tx.CreateInstance(ctx, i))
				})

				inTx(t, ctx, b, func(tx backend.Tx) {
					got, err := tx.GetInstance(ctx, i.ID)
					require.NoError(t, err)
					require.Equal(t, i.ID, got.ID)
					require.Equal(t, "process", got.ProcessID)
					require.Equal(t, core.InstanceStateNew, got.State)
					require.Equal(t, i.Data, got.Data)
					require.True(t, now.Equal(got.CreatedAt))
					require.Nil(t, got.CompletedAt)
				})
			},
		},
		{
			name: "CreateInstance_SameInstanceIDErrors",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				i := core.NewInstance(uuid.NewString(), "process", now)

				inTx(t, ctx, b, func(tx backend.Tx) {
					require.NoError(t, tx.CreateInstance(ctx, i))
				})

				tx, err := b.Begin(ctx)
				require.NoError(t, err)
				defer tx.Rollback()

				require.ErrorIs(t, tx.CreateInstance(ctx, i), backend.ErrInstanceAlreadyExists)
			},
		},
		{
			name: "GetInstance_NotFound",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				inTx(t, ctx, b, func(tx backend.Tx) {
					_, err := tx.GetInstance(ctx, "does-not-exist")
					require.ErrorIs(t, err, backend.ErrInstanceNotFound)
				})
			},
		},
		{
			name: "UpdateInstance",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				i := core.NewInstance(uuid.NewString(), "process", now)

				inTx(t, ctx, b, func(tx backend.Tx) {
					require.NoError(t, tx.CreateInstance(ctx, i))
				})

				completed := now.Add(time.Minute)
				i.State = core.InstanceStateCompletedWithFault
				i.Fault = "activityFailure"
				i.Data = []byte(`{"done":true}`)
				i.LastActive = completed
				i.CompletedAt = &completed

				inTx(t, ctx, b, func(tx backend.Tx) {
					require.NoError(t, tx.UpdateInstance(ctx, i))
				})

				inTx(t, ctx, b, func(tx backend.Tx) {
					got, err := tx.GetInstance(ctx, i.ID)
					require.NoError(t, err)
					require.Equal(t, core.InstanceStateCompletedWithFault, got.State)
					require.Equal(t, "activityFailure", got.Fault)
					require.Equal(t, i.Data, got.Data)
					require.True(t, completed.Equal(got.LastActive))
					require.NotNil(t, got.CompletedAt)
					require.True(t, completed.Equal(*got.CompletedAt))
				})
			},
		},
		{
			name: "UpdateInstance_NotFound",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				tx, err := b.Begin(ctx)
				require.NoError(t, err)
				defer tx.Rollback()

				err = tx.UpdateInstance(ctx, core.NewInstance(uuid.NewString(), "process", now))
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)
			},
		},
		{
			name: "Rollback_DiscardsChanges",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				i := core.NewInstance(uuid.NewString(), "process", now)
				job := newJob(i.ID, now)

				tx, err := b.Begin(ctx)
				require.NoError(t, err)
				require.NoError(t, tx.CreateInstance(ctx, i))
				require.NoError(t, tx.InsertJob(ctx, job))
				require.NoError(t, tx.AppendEvent(ctx, &events.Event{Type: events.InstanceCreated, InstanceID: i.ID, Timestamp: now}))
				require.NoError(t, tx.Rollback())

				inTx(t, ctx, b, func(tx backend.Tx) {
					_, err := tx.GetInstance(ctx, i.ID)
					require.ErrorIs(t, err, backend.ErrInstanceNotFound)

					_, err = tx.GetJob(ctx, job.ID)
					require.ErrorIs(t, err, backend.ErrJobNotFound)

					evs, err := tx.Events(ctx, i.ID)
					require.NoError(t, err)
					require.Empty(t, evs)
				})
			},
		},
		{
			name: "Correlator_RoundTrip",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				processID := uuid.NewString()
				id := correlation.ID("customer", "confirm")

				inTx(t, ctx, b, func(tx backend.Tx) {
					c, err := tx.GetCorrelator(ctx, processID, id)
					require.NoError(t, err)
					require.True(t, c.Empty())
					require.Equal(t, id, c.ID)

					c.AddRoutes([]*correlation.Route{{InstanceID: "i1", Channel: "ch1", Key: correlation.NewKey("order", "42")}})
					c.Enqueue(&correlation.QueuedMessage{MexID: "mex1", Keys: []correlation.Key{correlation.NewKey("order", "7")}, Payload: []byte(`{}`)})
					require.NoError(t, tx.SaveCorrelator(ctx, processID, c))
				})

				inTx(t, ctx, b, func(tx backend.Tx) {
					c, err := tx.GetCorrelator(ctx, processID, id)
					require.NoError(t, err)
					require.Len(t, c.Routes, 1)
					require.Equal(t, "i1", c.Routes[0].InstanceID)
					require.Len(t, c.Messages, 1)
					require.Equal(t, "mex1", c.Messages[0].MexID)

					// Correlators are scoped to their process
					other, err := tx.GetCorrelator(ctx, uuid.NewString(), id)
					require.NoError(t, err)
					require.True(t, other.Empty())
				})
			},
		},
		{
			name: "LeaseDueJobs_NotBeforeDue",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				instanceID := uuid.NewString()
				due := newJob(instanceID, now)
				future := newJob(instanceID, now.Add(time.Minute))

				inTx(t, ctx, b, func(tx backend.Tx) {
					require.NoError(t, tx.InsertJob(ctx, future))
					require.NoError(t, tx.InsertJob(ctx, due))
				})

				inTx(t, ctx, b, func(tx backend.Tx) {
					jobs, err := tx.LeaseDueJobs(ctx, now, now.Add(time.Minute), 10)
					require.NoError(t, err)
					require.Len(t, jobs, 1)
					require.Equal(t, due.ID, jobs[0].ID)
					require.Equal(t, backend.JobResume, jobs[0].Kind)
					require.Equal(t, "ch1", jobs[0].Channel)
					require.JSONEq(t, string(due.Payload), string(jobs[0].Payload))
					require.True(t, now.Equal(jobs[0].Due))
				})
			},
		},
		{
			name: "LeaseDueJobs_SkipsLeasedJobs",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				job := newJob(uuid.NewString(), now)

				inTx(t, ctx, b, func(tx backend.Tx) {
					require.NoError(t, tx.InsertJob(ctx, job))
				})

				inTx(t, ctx, b, func(tx backend.Tx) {
					jobs, err := tx.LeaseDueJobs(ctx, now, now.Add(time.Minute), 10)
					require.NoError(t, err)
					require.Len(t, jobs, 1)
				})

				inTx(t, ctx, b, func(tx backend.Tx) {
					jobs, err := tx.LeaseDueJobs(ctx, now.Add(time.Second), now.Add(time.Minute), 10)
					require.NoError(t, err)
					require.Empty(t, jobs)
				})

				// Lease expired, job is handed out again
				inTx(t, ctx, b, func(tx backend.Tx) {
					jobs, err := tx.LeaseDueJobs(ctx, now.Add(2*time.Minute), now.Add(3*time.Minute), 10)
					require.NoError(t, err)
					require.Len(t, jobs, 1)
				})
			},
		},
		{
			name: "LeaseDueJobs_Limit",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				instanceID := uuid.NewString()

				inTx(t, ctx, b, func(tx backend.Tx) {
					for i := 0; i < 5; i++ {
						require.NoError(t, tx.InsertJob(ctx, newJob(instanceID, now.Add(-time.Duration(i)*time.Second))))
					}
				})

				inTx(t, ctx, b, func(tx backend.Tx) {
					jobs, err := tx.LeaseDueJobs(ctx, now, now.Add(time.Minute), 2)
					require.NoError(t, err)
					require.Len(t, jobs, 2)
					require.True(t, jobs[0].Due.Before(jobs[1].Due))
				})
			},
		},
		{
			name: "CancelJob",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				pending := newJob(uuid.NewString(), now.Add(time.Hour))
				leased := newJob(uuid.NewString(), now)

				inTx(t, ctx, b, func(tx backend.Tx) {
					require.NoError(t, tx.InsertJob(ctx, pending))
					require.NoError(t, tx.InsertJob(ctx, leased))
				})

				inTx(t, ctx, b, func(tx backend.Tx) {
					_, err := tx.LeaseDueJobs(ctx, now, now.Add(time.Minute), 10)
					require.NoError(t, err)
				})

				inTx(t, ctx, b, func(tx backend.Tx) {
					ok, err := tx.CancelJob(ctx, pending.ID, now)
					require.NoError(t, err)
					require.True(t, ok)

					ok, err = tx.CancelJob(ctx, leased.ID, now)
					require.NoError(t, err)
					require.False(t, ok, "leased jobs cannot be canceled")

					ok, err = tx.CancelJob(ctx, "does-not-exist", now)
					require.NoError(t, err)
					require.False(t, ok)
				})

				inTx(t, ctx, b, func(tx backend.Tx) {
					_, err := tx.GetJob(ctx, pending.ID)
					require.ErrorIs(t, err, backend.ErrJobNotFound)

					_, err = tx.GetJob(ctx, leased.ID)
					require.NoError(t, err)
				})
			},
		},
		{
			name: "UpdateJob_ReleasesLease",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				job := newJob(uuid.NewString(), now)

				inTx(t, ctx, b, func(tx backend.Tx) {
					require.NoError(t, tx.InsertJob(ctx, job))
				})

				inTx(t, ctx, b, func(tx backend.Tx) {
					jobs, err := tx.LeaseDueJobs(ctx, now, now.Add(time.Hour), 10)
					require.NoError(t, err)
					require.Len(t, jobs, 1)

					j := jobs[0]
					j.Retries = 1
					j.Due = now.Add(time.Second)
					require.NoError(t, tx.UpdateJob(ctx, j))
				})

				inTx(t, ctx, b, func(tx backend.Tx) {
					jobs, err := tx.LeaseDueJobs(ctx, now.Add(time.Second), now.Add(time.Minute), 10)
					require.NoError(t, err)
					require.Len(t, jobs, 1)
					require.Equal(t, 1, jobs[0].Retries)
				})
			},
		},
		{
			name: "ExtendLease",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				job := newJob(uuid.NewString(), now)

				inTx(t, ctx, b, func(tx backend.Tx) {
					require.NoError(t, tx.InsertJob(ctx, job))
					_, err := tx.LeaseDueJobs(ctx, now, now.Add(time.Minute), 10)
					require.NoError(t, err)
					require.NoError(t, tx.ExtendLease(ctx, job.ID, now.Add(time.Hour)))
				})

				inTx(t, ctx, b, func(tx backend.Tx) {
					jobs, err := tx.LeaseDueJobs(ctx, now.Add(2*time.Minute), now.Add(3*time.Minute), 10)
					require.NoError(t, err)
					require.Empty(t, jobs)
				})
			},
		},
		{
			name: "DeleteJob",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				job := newJob(uuid.NewString(), now)

				inTx(t, ctx, b, func(tx backend.Tx) {
					require.NoError(t, tx.InsertJob(ctx, job))
				})

				inTx(t, ctx, b, func(tx backend.Tx) {
					ok, err := tx.DeleteJob(ctx, job.ID)
					require.NoError(t, err)
					require.True(t, ok)

					ok, err = tx.DeleteJob(ctx, job.ID)
					require.NoError(t, err)
					require.False(t, ok)
				})
			},
		},
		{
			name: "Events_InOrder",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				instanceID := uuid.NewString()
				status := false

				inTx(t, ctx, b, func(tx backend.Tx) {
					require.NoError(t, tx.AppendEvent(ctx, &events.Event{Type: events.InstanceCreated, InstanceID: instanceID, Timestamp: now}))
					require.NoError(t, tx.AppendEvent(ctx, &events.Event{
						Type: events.LinkStatus, InstanceID: instanceID, Timestamp: now, ActivityID: "a", Link: "l", LinkStatus: &status,
					}))
				})

				inTx(t, ctx, b, func(tx backend.Tx) {
					require.NoError(t, tx.AppendEvent(ctx, &events.Event{Type: events.InstanceStateChanged, InstanceID: instanceID, Timestamp: now, State: "Active"}))
				})

				inTx(t, ctx, b, func(tx backend.Tx) {
					evs, err := tx.Events(ctx, instanceID)
					require.NoError(t, err)
					require.Len(t, evs, 3)
					require.Equal(t, events.InstanceCreated, evs[0].Type)
					require.Equal(t, events.LinkStatus, evs[1].Type)
					require.NotNil(t, evs[1].LinkStatus)
					require.False(t, *evs[1].LinkStatus)
					require.Equal(t, "Active", evs[2].State)
				})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setup()
			ctx := context.Background()
			tt.f(t, ctx, b)
			if teardown != nil {
				teardown(b)
			}
		})
	}
}
