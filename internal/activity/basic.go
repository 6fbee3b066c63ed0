package activity

import (
	"fmt"
	"strings"
	"time"

	"github.com/cschleiden/go-bpm/internal/faults"
	"github.com/cschleiden/go-bpm/internal/vm"
)

// assign

// startAssign applies all copies or none of them.
func (x *execution) startAssign() error {
	vars := x.vars()
	next := make(map[string]any, len(vars))
	for k, v := range vars {
		next[k] = v
	}

	for _, c := range x.a.Copies {
		v, err := x.r.eval.Eval(c.From, next)
		if err != nil {
			return x.complete(faults.FromError(faults.SubLanguageExecutionFault, err))
		}

		if v == nil {
			return x.complete(faults.Newf(faults.UninitializedVariable, "copy from %q has no value", c.From))
		}

		if err := setPath(next, c.To, v); err != nil {
			return x.complete(faults.FromError(faults.SubLanguageExecutionFault, err))
		}
	}

	x.r.state.Variables = next

	return x.complete(nil)
}

// setPath assigns v to a dotted variable path. Maps along the path are copied
// so values shared with the previous variables are never modified.
func setPath(vars map[string]any, path string, v any) error {
	parts := strings.Split(path, ".")
	m := vars

	for i, p := range parts[:len(parts)-1] {
		var next map[string]any

		switch cur := m[p].(type) {
		case nil:
			next = map[string]any{}
		case map[string]any:
			next = make(map[string]any, len(cur)+1)
			for k, v := range cur {
				next[k] = v
			}
		default:
			return fmt.Errorf("cannot assign %s: %s is not an object", path, strings.Join(parts[:i+1], "."))
		}

		m[p] = next
		m = next
	}

	m[parts[len(parts)-1]] = v

	return nil
}

// throw

func (x *execution) startThrow() error {
	f := faults.New(x.a.FaultName, "")

	if x.a.Variable != "" {
		v, ok := x.vars()[x.a.Variable]
		if !ok {
			return x.complete(faults.Newf(faults.UninitializedVariable, "variable %s", x.a.Variable))
		}

		f.Data = v
	}

	return x.complete(f)
}

// wait

func (x *execution) startWait() error {
	due, err := x.deadline(x.a.For, x.a.Until)
	if err != nil {
		return x.complete(faults.FromError(faults.SubLanguageExecutionFault, err))
	}

	if !due.After(x.r.env.Now()) {
		return x.complete(nil)
	}

	x.s.Channel = x.t.NewChannel(MsgTimer)
	if x.s.Timer, err = x.r.env.ScheduleTimer(x.s.Channel, due); err != nil {
		return err
	}

	return x.wait(x.s.Channel)
}

func (x *execution) resumeWait(in *vm.Input) error {
	if in.Channel != x.s.Channel {
		return fmt.Errorf("activity %s: unexpected message on %s", x.a.ID, in.Channel)
	}

	x.s.Timer = ""

	return x.complete(nil)
}

// deadline computes the due time of a wait or alarm. Until is an expression
// evaluating to a time or an RFC 3339 string.
func (x *execution) deadline(d time.Duration, until string) (time.Time, error) {
	if until == "" {
		return x.r.env.Now().Add(d), nil
	}

	v, err := x.r.eval.Eval(until, x.vars())
	if err != nil {
		return time.Time{}, err
	}

	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		due, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("deadline %q: %w", until, err)
		}

		return due, nil
	}

	return time.Time{}, fmt.Errorf("deadline %q evaluated to %T", until, v)
}
