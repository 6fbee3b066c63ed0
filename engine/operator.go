package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cschleiden/go-bpm/backend"
	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/events"
	"github.com/cschleiden/go-bpm/internal/activity"
	"github.com/cschleiden/go-bpm/internal/vm"
	"github.com/cschleiden/go-bpm/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Recovery actions an operator can take for a failed activity.
const (
	ActionRetry  = activity.ActionRetry
	ActionCancel = activity.ActionCancel
	ActionFault  = activity.ActionFault
)

var (
	ErrNoFailure     = activity.ErrNoFailure
	ErrIllegalAction = activity.ErrIllegalAction
)

// Failure is an activity that failed and waits for an operator.
type Failure struct {
	ActivityID string
	FrameID    int64
	Reason     string
	Timestamp  time.Time
	RetryCount int
	Actions    []string
}

func (e *Engine) Instance(ctx context.Context, instanceID string) (*core.Instance, error) {
	var instance *core.Instance

	err := backend.RunInTx(ctx, e.backend, func(ctx context.Context, tx *backend.Transaction) error {
		var err error
		instance, err = tx.GetInstance(ctx, instanceID)
		return err
	})

	return instance, err
}

func (e *Engine) Events(ctx context.Context, instanceID string) ([]*events.Event, error) {
	var evs []*events.Event

	err := backend.RunInTx(ctx, e.backend, func(ctx context.Context, tx *backend.Transaction) error {
		var err error
		evs, err = tx.Events(ctx, instanceID)
		return err
	})

	return evs, err
}

// Failures lists the activities of an instance waiting for recovery.
func (e *Engine) Failures(ctx context.Context, instanceID string) ([]*Failure, error) {
	var fs []*Failure

	err := backend.RunInTx(ctx, e.backend, func(ctx context.Context, tx *backend.Transaction) error {
		_, state, err := e.load(ctx, tx, instanceID)
		if err != nil {
			return err
		}

		for _, f := range state.Failures {
			fs = append(fs, &Failure{
				ActivityID: f.ActivityID,
				FrameID:    int64(f.FrameID),
				Reason:     f.Reason,
				Timestamp:  f.Timestamp,
				RetryCount: f.RetryCount,
				Actions:    append([]string(nil), f.Actions...),
			})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(fs, func(i, j int) bool {
		return fs[i].FrameID < fs[j].FrameID
	})

	return fs, nil
}

func (e *Engine) load(ctx context.Context, tx *backend.Transaction, instanceID string) (*core.Instance, *activity.State, error) {
	instance, err := tx.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}

	_, state, err := activity.Decode(instance.Data)
	if err != nil {
		return nil, nil, err
	}

	return instance, state, nil
}

// Recover applies an operator action to a failed activity. The action is
// validated against the failure and then delivered to the activity.
func (e *Engine) Recover(ctx context.Context, instanceID string, frameID int64, action string) error {
	ctx, span := e.tracer.Start(ctx, "Engine.Recover", trace.WithAttributes(
		attribute.String(log.InstanceIDKey, instanceID),
		attribute.Int64(log.FrameIDKey, frameID),
		attribute.String(log.ActionKey, action),
	))
	defer span.End()

	err := backend.RunInTx(ctx, e.backend, func(ctx context.Context, tx *backend.Transaction) error {
		if err := e.lockInstance(ctx, tx, instanceID); err != nil {
			return err
		}

		instance, state, err := e.load(ctx, tx, instanceID)
		if err != nil {
			return err
		}

		if instance.State.Terminal() {
			return ErrInstanceFinished
		}

		f := state.Failures[vm.FrameID(frameID)]
		if err := activity.ValidateAction(f, action); err != nil {
			return err
		}

		return e.resume(ctx, tx, instanceID, instance.ProcessID, f.Channel, activity.MsgRecover, &activity.RecoverRequest{Action: action})
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	e.logger.InfoContext(ctx, "recovery requested", log.InstanceIDKey, instanceID, log.FrameIDKey, frameID, log.ActionKey, action)

	return nil
}

// Terminate stops an instance. Running activities are terminated and pending
// recoveries are discarded.
func (e *Engine) Terminate(ctx context.Context, instanceID string) error {
	ctx, span := e.tracer.Start(ctx, "Engine.Terminate", trace.WithAttributes(
		attribute.String(log.InstanceIDKey, instanceID),
	))
	defer span.End()

	err := backend.RunInTx(ctx, e.backend, func(ctx context.Context, tx *backend.Transaction) error {
		if err := e.lockInstance(ctx, tx, instanceID); err != nil {
			return err
		}

		instance, state, err := e.load(ctx, tx, instanceID)
		if err != nil {
			return err
		}

		if instance.State.Terminal() {
			return ErrInstanceFinished
		}

		// Not running yet, there are no activities to terminate
		if instance.State == core.InstanceStateNew || instance.State == core.InstanceStateReady {
			return e.terminateUnstarted(ctx, tx, instance, state)
		}

		if state.Termination == "" {
			// Already terminating
			return nil
		}

		return e.resume(ctx, tx, instanceID, instance.ProcessID, state.Termination, activity.MsgTerminate, nil)
	})
	if err != nil {
		if !errors.Is(err, ErrInstanceFinished) {
			span.SetStatus(codes.Error, err.Error())
		}

		return err
	}

	return nil
}

func (e *Engine) terminateUnstarted(ctx context.Context, tx *backend.Transaction, instance *core.Instance, state *activity.State) error {
	env := newEnvironment(ctx, e, tx, instance)

	if err := e.transition(ctx, env, instance, core.TriggerTerminate); err != nil {
		return err
	}

	now := e.clock.Now()
	instance.CompletedAt = &now
	state.Outcome = &activity.Outcome{Terminated: true}

	e.failOpenRequests(env, state)

	data, err := activity.Encode(vm.NewSoup(), state)
	if err != nil {
		return err
	}

	instance.Data = data

	if err := tx.UpdateInstance(ctx, instance); err != nil {
		return fmt.Errorf("updating instance: %w", err)
	}

	return env.flush()
}
