package engine

import (
	"context"
	"testing"
	"time"

	"github.com/cschleiden/go-bpm/backend"
	"github.com/cschleiden/go-bpm/backend/memory"
	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/correlation"
	"github.com/cschleiden/go-bpm/events"
	"github.com/stretchr/testify/require"
)

func Test_Environment_CheckpointDropsBufferedEffects(t *testing.T) {
	ctx := context.Background()
	b := memory.NewMemoryBackend()
	e := New(b, nil)

	instance := &core.Instance{ID: "i1", ProcessID: "p1"}
	sel := []correlation.Selector{{PartnerLink: "customer", Operation: "confirm", Key: correlation.NewKey("order", "1")}}

	var kept, dropped string

	err := backend.RunInTx(ctx, b, func(ctx context.Context, tx *backend.Transaction) error {
		env := newEnvironment(ctx, e, tx, instance)

		var err error
		kept, err = env.ScheduleTimer("t1", env.Now().Add(time.Hour))
		require.NoError(t, err)
		env.Emit(&events.Event{Type: events.ActivityCompleted})

		restore := env.Checkpoint()

		dropped, err = env.ScheduleTimer("t2", env.Now().Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, env.CancelJob(kept))
		require.NoError(t, env.Invoke(&core.Invocation{ID: "inv"}))
		require.NoError(t, env.Reply(&core.Reply{MexID: "mex"}))
		env.Emit(&events.Event{Type: events.ActivityFailure})

		r, err := env.RegisterRoutes("c1", sel)
		require.NoError(t, err)
		require.Nil(t, r)

		restore()

		require.Empty(t, env.invocations)
		require.Empty(t, env.replies)
		require.Len(t, env.events, 1)

		return env.flush()
	})
	require.NoError(t, err)

	err = backend.RunInTx(ctx, b, func(ctx context.Context, tx *backend.Transaction) error {
		_, err := tx.GetJob(ctx, kept)
		require.NoError(t, err)

		_, err = tx.GetJob(ctx, dropped)
		require.ErrorIs(t, err, backend.ErrJobNotFound)

		c, err := tx.GetCorrelator(ctx, instance.ProcessID, correlation.ID("customer", "confirm"))
		require.NoError(t, err)
		require.Empty(t, c.Routes)

		evs, err := tx.Events(ctx, instance.ID)
		require.NoError(t, err)
		require.Len(t, evs, 1)
		require.Equal(t, events.ActivityCompleted, evs[0].Type)

		return nil
	})
	require.NoError(t, err)
}

func Test_Environment_CancelBufferedJob(t *testing.T) {
	ctx := context.Background()
	b := memory.NewMemoryBackend()
	e := New(b, nil)

	instance := &core.Instance{ID: "i1", ProcessID: "p1"}

	var id string

	err := backend.RunInTx(ctx, b, func(ctx context.Context, tx *backend.Transaction) error {
		env := newEnvironment(ctx, e, tx, instance)

		var err error
		id, err = env.ScheduleTimer("t1", env.Now().Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, env.CancelJob(id))
		require.Empty(t, env.cancels)

		return env.flush()
	})
	require.NoError(t, err)

	err = backend.RunInTx(ctx, b, func(ctx context.Context, tx *backend.Transaction) error {
		_, err := tx.GetJob(ctx, id)
		require.ErrorIs(t, err, backend.ErrJobNotFound)

		return nil
	})
	require.NoError(t, err)
}
