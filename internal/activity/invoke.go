package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/events"
	"github.com/cschleiden/go-bpm/internal/faults"
	"github.com/cschleiden/go-bpm/internal/vm"
	"github.com/cschleiden/go-bpm/log"
	"github.com/cschleiden/go-bpm/process"
)

func (x *execution) startInvoke() error {
	x.s.Recovery = RecoveryRunning
	return x.invoke()
}

// invoke sends one attempt of the invocation. Each attempt has its own id so
// late responses to earlier attempts are ignored.
func (x *execution) invoke() error {
	var payload json.RawMessage
	if x.a.InputVariable != "" {
		v, ok := x.vars()[x.a.InputVariable]
		if !ok {
			return x.complete(faults.Newf(faults.UninitializedVariable, "variable %s", x.a.InputVariable))
		}

		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding invocation: %w", err)
		}

		payload = b
	}

	if x.s.Channel == "" && !x.a.OneWay {
		x.s.Channel = x.t.NewChannel(MsgResponse)
	}

	x.s.InvocationID = x.r.env.NewID()

	if err := x.r.env.Invoke(&core.Invocation{
		ID:          x.s.InvocationID,
		InstanceID:  x.r.env.InstanceID(),
		ProcessID:   x.r.env.ProcessID(),
		ActivityID:  x.a.ID,
		PartnerLink: x.a.PartnerLink,
		Operation:   x.a.Operation,
		Channel:     x.s.Channel,
		Payload:     payload,
		OneWay:      x.a.OneWay,
	}); err != nil {
		return err
	}

	if x.a.OneWay {
		return x.complete(nil)
	}

	if x.a.Timeout > 0 {
		job, err := x.r.env.ScheduleInvokeCheck(x.s.Channel, x.s.InvocationID, x.r.env.Now().Add(x.a.Timeout))
		if err != nil {
			return err
		}

		x.s.CheckJob = job
	}

	return x.wait(x.s.Channel)
}

func (x *execution) resumeInvoke(in *vm.Input) error {
	switch in.Channel {
	case x.s.Channel:
		return x.invokeResponse(in.Message)

	case x.s.RetryChannel:
		x.t.Close(x.s.RetryChannel)
		x.s.RetryChannel = ""
		x.s.RetryJob = ""

		return x.invoke()

	default:
		if f, ok := x.r.state.Failures[x.f.ID]; ok && f.Channel == in.Channel {
			var req RecoverRequest
			if err := in.Message.Decode(&req); err != nil {
				return fmt.Errorf("decoding recover request: %w", err)
			}

			return x.recover(f, req.Action)
		}
	}

	return fmt.Errorf("activity %s: unexpected message on %s", x.a.ID, in.Channel)
}

func (x *execution) invokeResponse(m *vm.Message) error {
	var resp Response
	if err := m.Decode(&resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if resp.InvocationID != x.s.InvocationID || x.s.Recovery != RecoveryRunning || x.s.RetryChannel != "" {
		x.r.logger.Debug("ignoring stale response", log.ActivityIDKey, x.a.ID, log.FrameIDKey, x.f.ID)
		return x.waitInvoke()
	}

	// A check job that is being delivered right now is not canceled
	if err := x.cancelJob(x.s.CheckJob); err != nil {
		return err
	}

	x.s.CheckJob = ""

	switch m.Kind {
	case MsgResponse:
		if x.a.OutputVariable != "" {
			var v any
			if len(resp.Payload) > 0 {
				if err := json.Unmarshal(resp.Payload, &v); err != nil {
					return x.complete(faults.Newf(faults.InvocationFailure, "invalid response payload: %v", err))
				}
			}

			x.r.state.Variables[x.a.OutputVariable] = v
		}

		return x.complete(nil)

	case MsgFault:
		f := faults.New(resp.Fault, resp.Reason)
		if len(resp.Payload) > 0 {
			var data any
			if err := json.Unmarshal(resp.Payload, &data); err == nil {
				f.Data = data
			}
		}

		return x.complete(f)

	case MsgFailure:
		return x.failed(resp.Reason)
	}

	return fmt.Errorf("activity %s: unexpected %s message", x.a.ID, m.Kind)
}

// waitInvoke blocks on whatever the invoke currently waits for.
func (x *execution) waitInvoke() error {
	chs := []string{x.s.Channel}

	if x.s.RetryChannel != "" {
		chs = append(chs, x.s.RetryChannel)
	}

	if f, ok := x.r.state.Failures[x.f.ID]; ok {
		chs = append(chs, f.Channel)
	}

	return x.wait(chs...)
}

func (x *execution) failureHandling() process.FailureHandling {
	if x.a.FailureHandling != nil {
		return *x.a.FailureHandling
	}

	if x.r.process.FailureHandling != nil {
		return *x.r.process.FailureHandling
	}

	return process.FailureHandling{}
}

// failed applies the failure policy: retry automatically, fault, or wait for
// an operator.
func (x *execution) failed(reason string) error {
	policy := x.failureHandling()
	x.s.FailureReason = reason

	if x.s.Retries < policy.RetryFor {
		x.s.Retries++

		x.emit(&events.Event{
			Type:       events.ActivityRetry,
			Reason:     reason,
			RetryCount: x.s.Retries,
		})

		x.s.RetryChannel = x.t.NewChannel(MsgTimer)

		job, err := x.r.env.ScheduleTimer(x.s.RetryChannel, x.r.env.Now().Add(policy.RetryDelay))
		if err != nil {
			return err
		}

		x.s.RetryJob = job

		return x.waitInvoke()
	}

	if policy.FaultOnFailure {
		return x.complete(faults.New(faults.ActivityFailure, reason))
	}

	if err := recovery(&x.s.Recovery).Fire(triggerFailure); err != nil {
		return fmt.Errorf("activity %s: %w", x.a.ID, err)
	}

	f := &Failure{
		ActivityID: x.a.ID,
		FrameID:    x.f.ID,
		Channel:    x.t.NewChannel(MsgRecover),
		Reason:     reason,
		Timestamp:  x.r.env.Now(),
		RetryCount: x.s.Retries,
		Actions:    slices.Clone(recoveryActions),
	}

	x.r.state.Failures[x.f.ID] = f

	x.emit(&events.Event{
		Type:       events.ActivityFailure,
		Reason:     reason,
		RetryCount: f.RetryCount,
		Actions:    f.Actions,
	})

	x.r.logger.Warn("activity failed, waiting for recovery",
		log.ActivityIDKey, x.a.ID,
		log.FrameIDKey, x.f.ID,
		log.ReasonKey, reason,
	)

	return x.waitInvoke()
}

// recover applies an operator action to a failed activity.
func (x *execution) recover(f *Failure, action string) error {
	if err := ValidateAction(f, action); err != nil {
		x.r.logger.Warn("ignoring recovery action", log.ActivityIDKey, x.a.ID, log.ActionKey, action, "error", err)
		return x.waitInvoke()
	}

	if err := recovery(&x.s.Recovery).FireCtx(context.Background(), action); err != nil {
		return fmt.Errorf("activity %s: %w", x.a.ID, err)
	}

	delete(x.r.state.Failures, x.f.ID)
	x.t.Close(f.Channel)

	x.emit(&events.Event{
		Type:   events.ActivityRecovery,
		Action: action,
		Reason: f.Reason,
	})

	switch action {
	case ActionRetry:
		x.s.Retries = 0
		return x.invoke()

	case ActionCancel:
		// Completes without fault, but nothing depending on it runs
		if err := x.dpeSources(x.a); err != nil {
			return err
		}

		return x.finish(&Completion{})

	default:
		return x.complete(faults.New(faults.ActivityFailure, f.Reason))
	}
}
