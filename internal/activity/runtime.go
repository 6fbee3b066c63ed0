// Package activity implements the behavior of process activities on top of
// the continuation VM. Every activity instance is a frame; parents and
// children talk through completion and termination channels only.
package activity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cschleiden/go-bpm/events"
	"github.com/cschleiden/go-bpm/internal/faults"
	"github.com/cschleiden/go-bpm/internal/vm"
	"github.com/cschleiden/go-bpm/log"
	"github.com/cschleiden/go-bpm/process"
)

var (
	ErrUnknownActivity = errors.New("unknown activity")
	ErrUnknownKind     = errors.New("unknown activity kind")
)

// Runtime interprets the activities of one process instance. It is created
// per job and bound to the environment of that job.
type Runtime struct {
	process *process.Process
	eval    *process.Evaluator
	env     Environment
	state   *State
	logger  *slog.Logger
}

var (
	_ vm.Program      = (*Runtime)(nil)
	_ vm.Checkpointer = (*Runtime)(nil)
)

// checkpointer is implemented by environments that buffer side effects until
// the job commits. The returned function drops everything buffered since.
type checkpointer interface {
	Checkpoint() func()
}

func NewRuntime(p *process.Process, eval *process.Evaluator, env Environment, state *State, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runtime{
		process: p,
		eval:    eval,
		env:     env,
		state:   state,
		logger:  logger.With(log.InstanceIDKey, env.InstanceID()),
	}
}

// Start injects the root frame of a new instance.
func (r *Runtime) Start(v *vm.VM) error {
	_, err := v.Inject(RootActivity, 0, nil)
	return err
}

func (r *Runtime) React(t *vm.Thread, f *vm.Frame, in *vm.Input) error {
	if f.Activity == RootActivity {
		return r.reactRoot(t, in)
	}

	x, err := r.execution(t, f)
	if err != nil {
		return err
	}

	if err := x.react(in); err != nil {
		return err
	}

	if t.Finished() {
		return nil
	}

	return t.SetState(x.s)
}

// Uncaught turns a panic inside a reaction into an uncaughtFault completion
// of the activity.
func (r *Runtime) Uncaught(t *vm.Thread, f *vm.Frame, rec any) error {
	fault := faults.FromPanic(rec)

	if f.Activity == RootActivity {
		r.state.Outcome = &Outcome{Fault: fault}
		r.state.Termination = ""
		t.Finish()

		return nil
	}

	// The frame state is still the one from before the failed reaction
	x, err := r.execution(t, f)
	if err != nil {
		return err
	}

	r.logger.Error("activity panicked", log.ActivityIDKey, x.a.ID, log.FrameIDKey, f.ID, log.FaultKey, fault.Message)

	if err := x.terminateChildren(); err != nil {
		return err
	}

	if err := x.cleanup(); err != nil {
		return err
	}

	return x.complete(fault)
}

// Checkpoint captures the instance state and the buffered side effects of the
// environment, so a panicking reaction leaves no trace besides its fault.
func (r *Runtime) Checkpoint() (func(), error) {
	saved, err := json.Marshal(r.state)
	if err != nil {
		return nil, fmt.Errorf("checkpointing instance state: %w", err)
	}

	var undo func()
	if c, ok := r.env.(checkpointer); ok {
		undo = c.Checkpoint()
	}

	return func() {
		s := &State{}
		if err := json.Unmarshal(saved, s); err != nil {
			r.logger.Error("restoring instance state", "error", err)
		} else {
			s.normalize()
			*r.state = *s
		}

		if undo != nil {
			undo()
		}
	}, nil
}

func (r *Runtime) execution(t *vm.Thread, f *vm.Frame) (*execution, error) {
	a, ok := r.process.ActivityByID(f.Activity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActivity, f.Activity)
	}

	s := &frameState{}
	if err := t.State(s); err != nil {
		return nil, err
	}

	return &execution{r: r, t: t, f: f, a: a, s: s}, nil
}

type rootState struct {
	Child *child `json:"child,omitempty"`
}

// reactRoot runs the process activity and records its outcome.
func (r *Runtime) reactRoot(t *vm.Thread, in *vm.Input) error {
	var s rootState
	if err := t.State(&s); err != nil {
		return err
	}

	if s.Child == nil {
		r.state.Termination = t.NewChannel(MsgTerminate)

		c, err := spawn(t, r.process.Activity, nil)
		if err != nil {
			return err
		}

		s.Child = c
		if err := t.SetState(&s); err != nil {
			return err
		}

		return t.Wait(c.Completion, r.state.Termination)
	}

	if in == nil {
		return fmt.Errorf("root frame resumed without input")
	}

	switch in.Channel {
	case r.state.Termination:
		r.logger.Debug("terminating instance")

		if err := t.SendValue(s.Child.Termination, MsgTerminate, nil); err != nil && !errors.Is(err, vm.ErrChannelNotFound) {
			return err
		}

		return t.Wait(s.Child.Completion)

	case s.Child.Completion:
		var c Completion
		if err := in.Message.Decode(&c); err != nil {
			return fmt.Errorf("decoding completion: %w", err)
		}

		r.state.Outcome = &Outcome{Fault: c.Fault, Terminated: c.Terminated}
		r.state.Termination = ""
		t.Finish()

		return nil
	}

	return fmt.Errorf("root frame resumed on unexpected channel %s", in.Channel)
}

// spawn starts a child activity with fresh completion and termination
// channels owned by the current frame.
func spawn(t *vm.Thread, a *process.Activity, links map[string]string) (*child, error) {
	c := &child{
		Activity:    a.ID,
		Completion:  t.NewChannel(MsgCompleted),
		Termination: t.NewChannel(MsgTerminate),
	}

	id, err := t.Spawn(a.ID, &frameState{
		Completion:  c.Completion,
		Termination: c.Termination,
		Links:       links,
	})
	if err != nil {
		return nil, err
	}

	c.Frame = id

	return c, nil
}

// execution is one reaction of one activity instance.
type execution struct {
	r *Runtime
	t *vm.Thread
	f *vm.Frame
	a *process.Activity
	s *frameState
}

func (x *execution) react(in *vm.Input) error {
	if x.s.Phase == phaseJoin {
		return x.join(in)
	}

	if in != nil && in.Channel == x.s.Termination {
		x.s.Terminating = true
		return x.terminate()
	}

	return x.resume(in)
}

// join waits for the status of all incoming links and evaluates the join
// condition before the activity starts.
func (x *execution) join(in *vm.Input) error {
	if in != nil {
		if in.Channel == x.s.Termination {
			// Terminated before it started
			x.s.Terminating = true
			if err := x.dpe(x.a); err != nil {
				return err
			}

			return x.finish(&Completion{Terminated: true})
		}

		if in.Message != nil && in.Message.Kind == MsgLink {
			var ls LinkStatus
			if err := in.Message.Decode(&ls); err != nil {
				return fmt.Errorf("decoding link status: %w", err)
			}

			if x.s.Incoming == nil {
				x.s.Incoming = map[string]bool{}
			}

			x.s.Incoming[ls.Link] = ls.Status
		}
	}

	var pending []string
	for _, l := range x.a.Targets {
		if _, ok := x.s.Incoming[l]; ok {
			continue
		}

		ch, ok := x.s.Links[l]
		if !ok {
			return fmt.Errorf("activity %s: no channel for link %s", x.a.ID, l)
		}

		pending = append(pending, ch)
	}

	if len(pending) > 0 {
		return x.t.Wait(append(pending, x.s.Termination)...)
	}

	ok, err := x.joinCondition()
	if err != nil {
		if err := x.dpe(x.a); err != nil {
			return err
		}

		return x.finish(&Completion{Fault: faults.FromError(faults.SubLanguageExecutionFault, err)})
	}

	if !ok {
		// Dead path: nothing in this subtree will run
		if err := x.dpe(x.a); err != nil {
			return err
		}

		if x.a.SuppressJoinFailure {
			return x.finish(&Completion{})
		}

		return x.finish(&Completion{Fault: faults.Newf(faults.JoinFailure, "join condition of %s is false", x.a.ID)})
	}

	x.s.Phase = phaseRun

	return x.start()
}

func (x *execution) joinCondition() (bool, error) {
	if len(x.a.Targets) == 0 {
		return true, nil
	}

	if x.a.JoinCondition == "" {
		for _, l := range x.a.Targets {
			if x.s.Incoming[l] {
				return true, nil
			}
		}

		return false, nil
	}

	env := make(map[string]any, len(x.s.Incoming))
	for l, v := range x.s.Incoming {
		env[l] = v
	}

	return x.r.eval.EvalBool(x.a.JoinCondition, env)
}

func (x *execution) start() error {
	switch x.a.Kind {
	case process.KindEmpty:
		return x.complete(nil)
	case process.KindSequence:
		return x.startSequence()
	case process.KindFlow:
		return x.startFlow()
	case process.KindScope:
		return x.startScope()
	case process.KindIf:
		return x.startIf()
	case process.KindWhile:
		return x.startWhile()
	case process.KindAssign:
		return x.startAssign()
	case process.KindThrow:
		return x.startThrow()
	case process.KindWait:
		return x.startWait()
	case process.KindReceive:
		return x.startReceive()
	case process.KindReply:
		return x.startReply()
	case process.KindPick:
		return x.startPick()
	case process.KindInvoke:
		return x.startInvoke()
	}

	return fmt.Errorf("%w: %s", ErrUnknownKind, x.a.Kind)
}

func (x *execution) resume(in *vm.Input) error {
	if in == nil {
		return fmt.Errorf("activity %s resumed without input", x.a.ID)
	}

	switch x.a.Kind {
	case process.KindSequence:
		return x.resumeSequence(in)
	case process.KindFlow:
		return x.resumeFlow(in)
	case process.KindScope:
		return x.resumeScope(in)
	case process.KindIf:
		return x.resumeIf(in)
	case process.KindWhile:
		return x.resumeWhile(in)
	case process.KindWait:
		return x.resumeWait(in)
	case process.KindReceive:
		return x.resumeReceive(in)
	case process.KindPick:
		return x.resumePick(in)
	case process.KindInvoke:
		return x.resumeInvoke(in)
	}

	return fmt.Errorf("activity %s (%s) cannot be resumed", x.a.ID, x.a.Kind)
}

// terminate stops the activity on request of its parent. Activities with
// running children terminate those first and complete once all of them
// reported back.
func (x *execution) terminate() error {
	if x.running() > 0 {
		if err := x.terminateChildren(); err != nil {
			return err
		}

		return x.waitChildren()
	}

	if err := x.cleanup(); err != nil {
		return err
	}

	if x.a.Kind == process.KindPick && !x.s.Selected {
		for _, b := range pickBranches(x.a) {
			if err := x.dpe(b); err != nil {
				return err
			}
		}
	}

	if x.a.Kind == process.KindSequence {
		if err := x.dpeRemaining(); err != nil {
			return err
		}
	}

	return x.terminated()
}

// cleanup releases everything outside the soup the activity may hold:
// outstanding receives, routes, scheduled jobs and failure records.
func (x *execution) cleanup() error {
	if x.s.Channel != "" {
		if e, ok := x.r.state.Outstanding.Entry(x.s.Channel); ok && !e.Bound() {
			x.r.state.Outstanding.Cancel(x.s.Channel)

			if err := x.r.env.RemoveRoutes(x.s.Channel, e.Selectors); err != nil {
				return err
			}
		}
	}

	for _, job := range []string{x.s.Timer, x.s.CheckJob, x.s.RetryJob} {
		if err := x.cancelJob(job); err != nil {
			return err
		}
	}

	for _, al := range x.s.Alarms {
		if err := x.cancelJob(al.Job); err != nil {
			return err
		}
	}

	// Pending recoveries are dropped without an event
	delete(x.r.state.Failures, x.f.ID)

	return nil
}

func (x *execution) cancelJob(id string) error {
	if id == "" {
		return nil
	}

	return x.r.env.CancelJob(id)
}

// complete finishes the activity. On success the outgoing links are
// evaluated, on a fault all of them are set to false.
func (x *execution) complete(fault *faults.Fault) error {
	if fault == nil {
		statuses, err := x.transitionConditions()
		if err != nil {
			fault = faults.FromError(faults.SubLanguageExecutionFault, err)
		} else {
			for i, src := range x.a.Sources {
				if err := x.sendLink(src.Link, statuses[i]); err != nil {
					return err
				}
			}
		}
	}

	if fault != nil {
		if err := x.dpeSources(x.a); err != nil {
			return err
		}
	}

	return x.finish(&Completion{Fault: fault, Compensations: x.s.Compensations})
}

// terminated finishes an activity stopped by its parent.
func (x *execution) terminated() error {
	if err := x.dpeSources(x.a); err != nil {
		return err
	}

	return x.finish(&Completion{Terminated: true})
}

func (x *execution) finish(c *Completion) error {
	e := &events.Event{
		Type:       events.ActivityCompleted,
		ActivityID: x.a.ID,
		FrameID:    int64(x.f.ID),
	}

	if c.Fault != nil {
		e.Fault = c.Fault.Name
	}

	if c.Terminated {
		e.Reason = "terminated"
	}

	x.r.env.Emit(e)

	if err := x.t.SendValue(x.s.Completion, MsgCompleted, c); err != nil && !errors.Is(err, vm.ErrChannelNotFound) {
		return err
	}

	x.t.Finish()

	return nil
}

func (x *execution) transitionConditions() ([]bool, error) {
	statuses := make([]bool, len(x.a.Sources))

	for i, src := range x.a.Sources {
		ok, err := x.r.eval.EvalBool(src.Condition, x.r.state.Variables)
		if err != nil {
			return nil, fmt.Errorf("transition condition of link %s: %w", src.Link, err)
		}

		statuses[i] = ok
	}

	return statuses, nil
}

func (x *execution) sendLink(link string, status bool) error {
	ch, ok := x.s.Links[link]
	if !ok {
		// Link declared inside a subtree that never ran
		return nil
	}

	if err := x.t.SendValue(ch, MsgLink, &LinkStatus{Link: link, Status: status}); err != nil {
		if errors.Is(err, vm.ErrChannelNotFound) {
			return nil
		}

		return err
	}

	x.r.env.Emit(&events.Event{
		Type:       events.LinkStatus,
		ActivityID: x.a.ID,
		FrameID:    int64(x.f.ID),
		Link:       link,
		LinkStatus: &status,
	})

	return nil
}

// dpeSources sets all outgoing links of a to false.
func (x *execution) dpeSources(a *process.Activity) error {
	for _, src := range a.Sources {
		if err := x.sendLink(src.Link, false); err != nil {
			return err
		}
	}

	return nil
}

// dpe eliminates the dead path of an activity that will not run: every
// outgoing link in its subtree is set to false.
func (x *execution) dpe(a *process.Activity) error {
	if a == nil {
		return nil
	}

	for _, n := range process.Subtree(a) {
		if err := x.dpeSources(n); err != nil {
			return err
		}
	}

	return nil
}

func (x *execution) vars() map[string]any {
	return x.r.state.Variables
}

// wait blocks on the given channels and, unless the activity is already
// terminating, on its termination channel.
func (x *execution) wait(channels ...string) error {
	if !x.s.Terminating {
		channels = append(channels, x.s.Termination)
	}

	return x.t.Wait(channels...)
}

func (x *execution) emit(e *events.Event) {
	e.ActivityID = x.a.ID
	e.FrameID = int64(x.f.ID)
	x.r.env.Emit(e)
}
