package core

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"
)

type Trigger string

const (
	TriggerStart     Trigger = "start"
	TriggerRun       Trigger = "run"
	TriggerComplete  Trigger = "complete"
	TriggerFault     Trigger = "fault"
	TriggerTerminate Trigger = "terminate"
)

// Transition moves the instance along its lifecycle:
//
//	New -> Ready -> Active -> {CompletedOK, CompletedWithFault, Terminated}
//
// Instances that have not started running yet can be terminated as well.
func (i *Instance) Transition(ctx context.Context, trigger Trigger) error {
	sm := lifecycle(i)
	if err := sm.FireCtx(ctx, trigger); err != nil {
		return fmt.Errorf("instance %s: cannot %s in state %s: %w", i.ID, trigger, i.State, err)
	}

	return nil
}

// CanTransition reports whether the trigger is permitted in the current state.
func (i *Instance) CanTransition(trigger Trigger) bool {
	ok, err := lifecycle(i).CanFire(trigger)
	return err == nil && ok
}

func lifecycle(i *Instance) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return i.State, nil
		},
		func(_ context.Context, s stateless.State) error {
			i.State = s.(InstanceState)
			return nil
		},
		stateless.FiringImmediate,
	)

	sm.Configure(InstanceStateNew).
		Permit(TriggerStart, InstanceStateReady).
		Permit(TriggerTerminate, InstanceStateTerminated)

	sm.Configure(InstanceStateReady).
		Permit(TriggerRun, InstanceStateActive).
		Permit(TriggerTerminate, InstanceStateTerminated)

	sm.Configure(InstanceStateActive).
		PermitReentry(TriggerRun).
		Permit(TriggerComplete, InstanceStateCompletedOK).
		Permit(TriggerFault, InstanceStateCompletedWithFault).
		Permit(TriggerTerminate, InstanceStateTerminated)

	return sm
}
