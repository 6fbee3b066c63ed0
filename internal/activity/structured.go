package activity

import (
	"errors"
	"fmt"

	"github.com/cschleiden/go-bpm/internal/faults"
	"github.com/cschleiden/go-bpm/internal/vm"
	"github.com/cschleiden/go-bpm/process"
)

func (x *execution) spawnChild(a *process.Activity, links map[string]string) error {
	if links == nil {
		links = x.s.Links
	}

	c, err := spawn(x.t, a, links)
	if err != nil {
		return err
	}

	x.s.Children = append(x.s.Children, c)

	return nil
}

func (x *execution) running() int {
	n := 0
	for _, c := range x.s.Children {
		if !c.Done {
			n++
		}
	}

	return n
}

func (x *execution) waitChildren() error {
	var chs []string
	for _, c := range x.s.Children {
		if !c.Done {
			chs = append(chs, c.Completion)
		}
	}

	return x.wait(chs...)
}

func (x *execution) terminateChildren() error {
	for _, c := range x.s.Children {
		if c.Done {
			continue
		}

		if err := x.t.SendValue(c.Termination, MsgTerminate, nil); err != nil && !errors.Is(err, vm.ErrChannelNotFound) {
			return err
		}
	}

	return nil
}

// childCompleted decodes the completion of a child and marks it done. The
// compensations of successful children are collected.
func (x *execution) childCompleted(in *vm.Input) (*child, *Completion, error) {
	var c *child
	for _, ch := range x.s.Children {
		if ch.Completion == in.Channel {
			c = ch
			break
		}
	}

	if c == nil || c.Done {
		return nil, nil, fmt.Errorf("activity %s: unexpected message on %s", x.a.ID, in.Channel)
	}

	comp := &Completion{}
	if err := in.Message.Decode(comp); err != nil {
		return nil, nil, fmt.Errorf("decoding completion: %w", err)
	}

	c.Done = true
	x.t.Close(c.Completion)
	x.t.Close(c.Termination)

	if comp.Fault == nil && !comp.Terminated {
		x.s.Compensations = append(x.s.Compensations, comp.Compensations...)
	}

	return c, comp, nil
}

// sequence

func (x *execution) startSequence() error {
	if len(x.a.Activities) == 0 {
		return x.complete(nil)
	}

	x.s.Index = 0
	if err := x.spawnChild(x.a.Activities[0], nil); err != nil {
		return err
	}

	return x.waitChildren()
}

func (x *execution) resumeSequence(in *vm.Input) error {
	_, comp, err := x.childCompleted(in)
	if err != nil {
		return err
	}

	if x.s.Terminating {
		if err := x.dpeRemaining(); err != nil {
			return err
		}

		return x.terminated()
	}

	if comp.Fault != nil {
		if err := x.dpeRemaining(); err != nil {
			return err
		}

		return x.complete(comp.Fault)
	}

	x.s.Index++
	if x.s.Index >= len(x.a.Activities) {
		return x.complete(nil)
	}

	if err := x.spawnChild(x.a.Activities[x.s.Index], nil); err != nil {
		return err
	}

	return x.waitChildren()
}

// dpeRemaining eliminates the children of a sequence that did not start.
func (x *execution) dpeRemaining() error {
	for i := x.s.Index + 1; i < len(x.a.Activities); i++ {
		if err := x.dpe(x.a.Activities[i]); err != nil {
			return err
		}
	}

	return nil
}

// flow

func (x *execution) startFlow() error {
	if len(x.a.Activities) == 0 {
		return x.complete(nil)
	}

	links := make(map[string]string, len(x.s.Links)+len(x.a.Links))
	for l, ch := range x.s.Links {
		links[l] = ch
	}

	for _, l := range x.a.Links {
		links[l] = x.t.NewChannel(MsgLink)
	}

	for _, c := range x.a.Activities {
		if err := x.spawnChild(c, links); err != nil {
			return err
		}
	}

	return x.waitChildren()
}

func (x *execution) resumeFlow(in *vm.Input) error {
	_, comp, err := x.childCompleted(in)
	if err != nil {
		return err
	}

	if comp.Fault != nil && x.s.Fault == nil && !x.s.Terminating {
		// First fault wins, the other branches are stopped
		x.s.Fault = comp.Fault
		if err := x.terminateChildren(); err != nil {
			return err
		}
	}

	if x.running() > 0 {
		return x.waitChildren()
	}

	if x.s.Terminating {
		return x.terminated()
	}

	return x.complete(x.s.Fault)
}

// scope

func (x *execution) startScope() error {
	if err := x.spawnChild(x.a.Body, nil); err != nil {
		return err
	}

	return x.waitChildren()
}

func (x *execution) resumeScope(in *vm.Input) error {
	_, comp, err := x.childCompleted(in)
	if err != nil {
		return err
	}

	if x.s.Terminating {
		return x.terminated()
	}

	if x.s.Handling {
		// The fault handler decides the outcome of the scope
		return x.complete(comp.Fault)
	}

	if comp.Fault == nil {
		x.s.Compensations = append(x.s.Compensations, x.a.ID)
		return x.complete(nil)
	}

	handler := x.faultHandler(comp.Fault)
	if handler == nil {
		return x.complete(comp.Fault)
	}

	x.s.Handling = true
	x.s.Fault = comp.Fault

	if err := x.spawnChild(handler, nil); err != nil {
		return err
	}

	return x.waitChildren()
}

func (x *execution) faultHandler(f *faults.Fault) *process.Activity {
	for _, c := range x.a.Catches {
		if c.FaultName == f.Name {
			return c.Activity
		}
	}

	return x.a.CatchAll
}

// if

func (x *execution) startIf() error {
	ok, err := x.r.eval.EvalBool(x.a.Condition, x.vars())
	if err != nil {
		if err := x.dpe(x.a.Then); err != nil {
			return err
		}

		if err := x.dpe(x.a.Else); err != nil {
			return err
		}

		return x.complete(faults.FromError(faults.SubLanguageExecutionFault, err))
	}

	branch, other := x.a.Then, x.a.Else
	if !ok {
		branch, other = other, branch
	}

	if err := x.dpe(other); err != nil {
		return err
	}

	if branch == nil {
		return x.complete(nil)
	}

	if err := x.spawnChild(branch, nil); err != nil {
		return err
	}

	return x.waitChildren()
}

func (x *execution) resumeIf(in *vm.Input) error {
	_, comp, err := x.childCompleted(in)
	if err != nil {
		return err
	}

	if x.s.Terminating {
		return x.terminated()
	}

	return x.complete(comp.Fault)
}

// while

func (x *execution) startWhile() error {
	ok, err := x.r.eval.EvalBool(x.a.Condition, x.vars())
	if err != nil {
		return x.complete(faults.FromError(faults.SubLanguageExecutionFault, err))
	}

	if !ok {
		return x.complete(nil)
	}

	x.s.Index++

	// Only the running iteration is kept
	x.s.Children = x.s.Children[:0]
	if err := x.spawnChild(x.a.Body, nil); err != nil {
		return err
	}

	return x.waitChildren()
}

func (x *execution) resumeWhile(in *vm.Input) error {
	_, comp, err := x.childCompleted(in)
	if err != nil {
		return err
	}

	if x.s.Terminating {
		return x.terminated()
	}

	if comp.Fault != nil {
		return x.complete(comp.Fault)
	}

	return x.startWhile()
}
