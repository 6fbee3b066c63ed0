package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cschleiden/go-bpm/backend"
	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/events"
	"github.com/cschleiden/go-bpm/internal/activity"
	"github.com/cschleiden/go-bpm/internal/metrickeys"
	im "github.com/cschleiden/go-bpm/internal/metrics"
	"github.com/cschleiden/go-bpm/internal/vm"
	"github.com/cschleiden/go-bpm/log"
	"github.com/cschleiden/go-bpm/metrics"
	"github.com/cschleiden/go-bpm/process"
	"github.com/cschleiden/go-bpm/scheduler"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const invokeTimeoutReason = "invocation timed out"

// lockInstance acquires the instance lock for the rest of the transaction.
func (e *Engine) lockInstance(ctx context.Context, tx *backend.Transaction, instanceID string) error {
	token, err := e.locks.Lock(ctx, instanceID, e.options.LockTimeout)
	if err != nil {
		e.metrics.Counter(metrickeys.LockContention, metrics.Tags{}, 1)
		return fmt.Errorf("locking instance %s: %w", instanceID, err)
	}

	tx.OnComplete(func(ctx context.Context, _ bool) {
		e.locks.Unlock(ctx, instanceID, token)
	})

	return nil
}

// ProcessJob executes the instance a job belongs to. It is called by the
// scheduler inside the transaction that removes the job.
func (e *Engine) ProcessJob(ctx context.Context, tx *backend.Transaction, job *backend.Job) error {
	ctx, span := e.tracer.Start(ctx, "Engine.ProcessJob", trace.WithAttributes(
		attribute.String(log.InstanceIDKey, job.InstanceID),
		attribute.String(log.JobKindKey, string(job.Kind)),
	))
	defer span.End()

	logger := e.logger.With(log.InstanceIDKey, job.InstanceID, log.JobIDKey, job.ID, log.JobKindKey, job.Kind)

	if err := e.lockInstance(ctx, tx, job.InstanceID); err != nil {
		return err
	}

	instance, err := tx.GetInstance(ctx, job.InstanceID)
	if err != nil {
		if errors.Is(err, backend.ErrInstanceNotFound) {
			logger.WarnContext(ctx, "discarding job of unknown instance")
			return nil
		}

		return err
	}

	if instance.State.Terminal() {
		logger.DebugContext(ctx, "discarding job of finished instance", log.StateKey, instance.State)
		return nil
	}

	p, err := e.provider.Process(ctx, instance.ProcessID)
	if err != nil {
		return fmt.Errorf("resolving process %s: %w", instance.ProcessID, err)
	}

	soup, state, err := activity.Decode(instance.Data)
	if err != nil {
		return scheduler.Fatal(err)
	}

	env := newEnvironment(ctx, e, tx, instance)
	rt := activity.NewRuntime(p, e.options.Evaluator, env, state, logger)
	v := vm.New(soup, rt, vm.WithClock(e.clock), vm.WithLogger(logger))

	if instance.State == core.InstanceStateReady {
		if err := rt.Start(v); err != nil {
			return err
		}

		if err := e.transition(ctx, env, instance, core.TriggerRun); err != nil {
			return scheduler.Fatal(err)
		}
	}

	if job.Kind != backend.JobExecute {
		m, err := jobMessage(job)
		if err != nil {
			return scheduler.Fatal(err)
		}

		if err := v.Deliver(job.Channel, m); err != nil {
			if errors.Is(err, vm.ErrChannelNotFound) {
				logger.DebugContext(ctx, "discarding message for closed channel", log.ChannelKey, job.Channel)
				return nil
			}

			return err
		}
	}

	timer := im.NewTimer(e.metrics, e.clock, metrickeys.JobDuration, metrics.Tags{metrickeys.JobKind: string(job.Kind)})
	res, err := v.Execute(ctx, e.options.ExecutionBudget)
	timer.Stop()
	if err != nil {
		return fmt.Errorf("executing instance: %w", err)
	}

	e.metrics.Counter(metrickeys.ReactionsExecuted, metrics.Tags{}, int64(res.Reactions))
	span.SetAttributes(attribute.Int(log.ReactionsKey, res.Reactions))

	if res.Pending {
		e.metrics.Counter(metrickeys.BudgetExhausted, metrics.Tags{}, 1)
		logger.DebugContext(ctx, "execution budget exhausted", log.ReactionsKey, res.Reactions)

		if _, err := e.scheduler.Schedule(ctx, tx, &backend.Job{
			InstanceID: instance.ID,
			ProcessID:  instance.ProcessID,
			Kind:       backend.JobExecute,
		}); err != nil {
			return err
		}
	}

	if state.Done() {
		if err := e.finish(ctx, env, p, instance, state); err != nil {
			return err
		}
	}

	data, err := activity.Encode(v.Soup(), state)
	if err != nil {
		return scheduler.Fatal(err)
	}

	instance.Data = data
	instance.LastActive = e.clock.Now()

	if err := tx.UpdateInstance(ctx, instance); err != nil {
		return fmt.Errorf("updating instance: %w", err)
	}

	return env.flush()
}

// jobMessage converts a due job into the message for its channel.
func jobMessage(job *backend.Job) (*vm.Message, error) {
	switch job.Kind {
	case backend.JobResume:
		m := &vm.Message{}
		if err := json.Unmarshal(job.Payload, m); err != nil {
			return nil, fmt.Errorf("decoding job message: %w", err)
		}

		return m, nil

	case backend.JobTimer:
		return vm.NewMessage(activity.MsgTimer, nil)

	case backend.JobInvokeCheck:
		var invocationID string
		if err := json.Unmarshal(job.Payload, &invocationID); err != nil {
			return nil, fmt.Errorf("decoding invocation id: %w", err)
		}

		return vm.NewMessage(activity.MsgFailure, &activity.Response{
			InvocationID: invocationID,
			Reason:       invokeTimeoutReason,
		})
	}

	return nil, fmt.Errorf("unknown job kind %q", job.Kind)
}

// finish completes the lifecycle of an instance whose process activity
// completed. Requests still waiting for a reply are failed.
func (e *Engine) finish(ctx context.Context, env *environment, p *process.Process, instance *core.Instance, state *activity.State) error {
	trigger := core.TriggerComplete
	switch {
	case state.Outcome.Terminated:
		trigger = core.TriggerTerminate
	case state.Outcome.Fault != nil:
		trigger = core.TriggerFault
		instance.Fault = state.Outcome.Fault.Name
	}

	if err := e.transition(ctx, env, instance, trigger); err != nil {
		return scheduler.Fatal(err)
	}

	now := e.clock.Now()
	instance.CompletedAt = &now

	if err := env.removeInstanceRoutes(receivedOperations(p)); err != nil {
		return err
	}

	e.failOpenRequests(env, state)

	e.metrics.Counter(metrickeys.InstanceFinished, metrics.Tags{metrickeys.State: instance.State.String()}, 1)

	e.logger.DebugContext(ctx, "instance finished",
		log.InstanceIDKey, instance.ID,
		log.StateKey, instance.State,
		log.FaultKey, instance.Fault,
	)

	return nil
}

func (e *Engine) failOpenRequests(env *environment, state *activity.State) {
	reason := "instance completed without reply"
	if state.Outcome != nil && state.Outcome.Terminated {
		reason = "instance terminated"
	}

	for _, mexID := range state.Outstanding.ReleaseAll() {
		env.reply(&core.Reply{MexID: mexID, InstanceID: env.instance.ID, Failure: reason})
	}

	if state.Initial != nil && state.Initial.MexID != "" {
		env.reply(&core.Reply{MexID: state.Initial.MexID, InstanceID: env.instance.ID, Failure: reason})
		state.Initial = nil
	}
}

func (e *Engine) transition(ctx context.Context, env *environment, instance *core.Instance, trigger core.Trigger) error {
	if err := instance.Transition(ctx, trigger); err != nil {
		return err
	}

	env.Emit(&events.Event{
		Type:  events.InstanceStateChanged,
		State: instance.State.String(),
		Fault: instance.Fault,
	})

	return nil
}

// receivedOperations lists the partner link operations the process receives.
func receivedOperations(p *process.Process) [][2]string {
	seen := map[[2]string]bool{}
	var ops [][2]string

	add := func(partnerLink, operation string) {
		op := [2]string{partnerLink, operation}
		if !seen[op] {
			seen[op] = true
			ops = append(ops, op)
		}
	}

	p.Activity.Walk(func(a *process.Activity) {
		switch a.Kind {
		case process.KindReceive:
			add(a.PartnerLink, a.Operation)
		case process.KindPick:
			for _, m := range a.OnMessages {
				add(m.PartnerLink, m.Operation)
			}
		}
	})

	return ops
}
