package activity

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/qmuntal/stateless"
)

// Recovery states of a failing activity.
const (
	RecoveryRunning  = "running"
	RecoveryFailed   = "failed"
	RecoveryCanceled = "canceled"
	RecoveryFaulted  = "faulted"
)

// Operator actions for a failed activity.
const (
	ActionRetry  = "retry"
	ActionCancel = "cancel"
	ActionFault  = "fault"
)

const triggerFailure = "failure"

var (
	ErrNoFailure     = errors.New("activity is not waiting for recovery")
	ErrIllegalAction = errors.New("recovery action not allowed")
)

// recoveryActions are offered for every failure.
var recoveryActions = []string{ActionRetry, ActionCancel, ActionFault}

// recovery is the state machine of the failure protocol:
//
//	running -> failed -> {running, canceled, faulted}
func recovery(state *string) *stateless.StateMachine {
	if *state == "" {
		*state = RecoveryRunning
	}

	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return *state, nil
		},
		func(_ context.Context, s stateless.State) error {
			*state = s.(string)
			return nil
		},
		stateless.FiringImmediate,
	)

	sm.Configure(RecoveryRunning).
		Permit(triggerFailure, RecoveryFailed)

	sm.Configure(RecoveryFailed).
		Permit(ActionRetry, RecoveryRunning).
		Permit(ActionCancel, RecoveryCanceled).
		Permit(ActionFault, RecoveryFaulted)

	return sm
}

// ValidateAction checks that action can be applied to the failure.
func ValidateAction(f *Failure, action string) error {
	if f == nil {
		return ErrNoFailure
	}

	if !slices.Contains(f.Actions, action) {
		return fmt.Errorf("%w: %q", ErrIllegalAction, action)
	}

	state := RecoveryFailed
	if ok, err := recovery(&state).CanFire(action); err != nil || !ok {
		return fmt.Errorf("%w: %q", ErrIllegalAction, action)
	}

	return nil
}
