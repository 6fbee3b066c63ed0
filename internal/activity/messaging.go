package activity

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/correlation"
	"github.com/cschleiden/go-bpm/internal/faults"
	"github.com/cschleiden/go-bpm/internal/vm"
	"github.com/cschleiden/go-bpm/process"
)

// inbound is a message a receive or a pick branch accepts.
type inbound struct {
	PartnerLink     string
	Operation       string
	MessageExchange string
	Variable        string
	Correlations    []*process.CorrelationRef
	OneWay          bool
}

func inboundsOf(a *process.Activity) []*inbound {
	if a.Kind == process.KindReceive {
		return []*inbound{{
			PartnerLink:     a.PartnerLink,
			Operation:       a.Operation,
			MessageExchange: a.MessageExchange,
			Variable:        a.Variable,
			Correlations:    a.Correlations,
			OneWay:          a.OneWay,
		}}
	}

	inbounds := make([]*inbound, 0, len(a.OnMessages))
	for _, m := range a.OnMessages {
		inbounds = append(inbounds, &inbound{
			PartnerLink:     m.PartnerLink,
			Operation:       m.Operation,
			MessageExchange: m.MessageExchange,
			Variable:        m.Variable,
			Correlations:    m.Correlations,
			OneWay:          m.OneWay,
		})
	}

	return inbounds
}

// routeKey is the correlation key a receive waits for. Receives following an
// initialized correlation set only accept messages with its values; all
// others accept any message for the operation.
func (x *execution) routeKey(in *inbound) (correlation.Key, *faults.Fault) {
	for _, ref := range in.Correlations {
		if ref.Initiate {
			continue
		}

		k, ok := x.r.state.Correlations[ref.Set]
		if !ok {
			return correlation.Key{}, faults.Newf(faults.CorrelationViolation, "correlation set %s is not initialized", ref.Set)
		}

		return k, nil
	}

	return correlation.Key{}, nil
}

// register starts waiting for one of the given messages. It returns a message
// that can be consumed right away, either the one that created the instance
// or one that was queued before.
func (x *execution) register(inbounds []*inbound, createInstance bool) (*Received, *faults.Fault, error) {
	sels := make([]correlation.Selector, 0, len(inbounds))
	for _, in := range inbounds {
		key, f := x.routeKey(in)
		if f != nil {
			return nil, f, nil
		}

		sels = append(sels, correlation.Selector{
			PartnerLink:     in.PartnerLink,
			Operation:       in.Operation,
			MessageExchange: in.MessageExchange,
			Key:             key,
			OneWay:          in.OneWay,
		})
	}

	ch := x.t.NewChannel(MsgMessage)

	if err := x.r.state.Outstanding.Register(ch, sels); err != nil {
		var ce *correlation.ConflictError
		if errors.As(err, &ce) {
			return nil, faults.FromError(faults.ConflictingReceive, err), nil
		}

		return nil, nil, err
	}

	x.s.Channel = ch

	if initial := x.r.state.Initial; createInstance && initial != nil {
		for i, s := range sels {
			if s.PartnerLink == initial.PartnerLink && s.Operation == initial.Operation {
				x.r.state.Initial = nil

				return &Received{Index: i, MexID: initial.MexID, Payload: initial.Payload}, nil, nil
			}
		}
	}

	rcv, err := x.r.env.RegisterRoutes(ch, sels)
	if err != nil {
		return nil, nil, err
	}

	return rcv, nil, nil
}

// accept processes a received message: the request is bound for a later
// reply, correlation sets are initialized or checked and the payload is
// stored in the variable.
func (x *execution) accept(in *inbound, rcv *Received) (*faults.Fault, error) {
	// Routes of the other selectors may still be registered
	if e, ok := x.r.state.Outstanding.Entry(x.s.Channel); ok {
		if err := x.r.env.RemoveRoutes(x.s.Channel, e.Selectors); err != nil {
			return nil, err
		}
	}

	if in.OneWay || rcv.MexID == "" {
		x.r.state.Outstanding.Cancel(x.s.Channel)
	} else if err := x.r.state.Outstanding.Associate(x.s.Channel, rcv.MexID); err != nil {
		return nil, err
	}

	var payload any
	if len(rcv.Payload) > 0 {
		if err := json.Unmarshal(rcv.Payload, &payload); err != nil {
			return faults.Newf(faults.InvocationFailure, "invalid message payload: %v", err), nil
		}
	}

	for _, ref := range in.Correlations {
		key, err := x.messageKey(ref.Set, in.PartnerLink, in.Operation, payload)
		if err != nil {
			return faults.FromError(faults.CorrelationViolation, err), nil
		}

		cur, initialized := x.r.state.Correlations[ref.Set]
		switch {
		case initialized && !cur.Equal(key):
			return faults.Newf(faults.CorrelationViolation, "correlation set %s is %s, message has %s", ref.Set, cur, key), nil
		case !initialized && !ref.Initiate:
			return faults.Newf(faults.CorrelationViolation, "correlation set %s is not initialized", ref.Set), nil
		case !initialized:
			x.r.state.Correlations[ref.Set] = key
		}
	}

	if in.Variable != "" {
		x.r.state.Variables[in.Variable] = payload
	}

	return nil, nil
}

// messageKey extracts the values of a correlation set from a message.
func (x *execution) messageKey(set, partnerLink, operation string, payload any) (correlation.Key, error) {
	return MessageKey(x.r.process, x.r.eval, set, partnerLink, operation, payload)
}

// MessageKey computes the key of a correlation set from a message payload
// using the property aliases of the operation.
func MessageKey(p *process.Process, eval *process.Evaluator, set, partnerLink, operation string, payload any) (correlation.Key, error) {
	cs := p.CorrelationSet(set)
	if cs == nil {
		return correlation.Key{}, fmt.Errorf("unknown correlation set %s", set)
	}

	values := make([]string, 0, len(cs.Properties))
	for _, name := range cs.Properties {
		prop := p.Property(name)
		if prop == nil {
			return correlation.Key{}, fmt.Errorf("unknown property %s", name)
		}

		alias := prop.Alias(partnerLink, operation)
		if alias == nil {
			return correlation.Key{}, fmt.Errorf("property %s has no alias for %s.%s", name, partnerLink, operation)
		}

		v, err := eval.Eval(alias.Query, map[string]any{"msg": payload})
		if err != nil {
			return correlation.Key{}, err
		}

		if v == nil {
			return correlation.Key{}, fmt.Errorf("property %s is missing in message", name)
		}

		values = append(values, fmt.Sprint(v))
	}

	return correlation.NewKey(set, values...), nil
}

// receive

func (x *execution) startReceive() error {
	inbounds := inboundsOf(x.a)

	rcv, f, err := x.register(inbounds, x.a.CreateInstance)
	if err != nil {
		return err
	}

	if f != nil {
		return x.complete(f)
	}

	if rcv != nil {
		return x.received(inbounds, rcv)
	}

	return x.wait(x.s.Channel)
}

func (x *execution) resumeReceive(in *vm.Input) error {
	if in.Channel != x.s.Channel {
		return fmt.Errorf("activity %s: unexpected message on %s", x.a.ID, in.Channel)
	}

	var rcv Received
	if err := in.Message.Decode(&rcv); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}

	return x.received(inboundsOf(x.a), &rcv)
}

func (x *execution) received(inbounds []*inbound, rcv *Received) error {
	if rcv.Index < 0 || rcv.Index >= len(inbounds) {
		return fmt.Errorf("activity %s: message for unknown selector %d", x.a.ID, rcv.Index)
	}

	f, err := x.accept(inbounds[rcv.Index], rcv)
	if err != nil {
		return err
	}

	return x.complete(f)
}

// reply

func (x *execution) startReply() error {
	mexID, ok := x.r.state.Outstanding.Release(x.a.PartnerLink, x.a.Operation, x.a.MessageExchange)
	if !ok {
		return x.complete(faults.Newf(faults.MissingRequest, "no open request for %s.%s", x.a.PartnerLink, x.a.Operation))
	}

	r := &core.Reply{
		MexID:       mexID,
		InstanceID:  x.r.env.InstanceID(),
		PartnerLink: x.a.PartnerLink,
		Operation:   x.a.Operation,
		Fault:       x.a.FaultName,
	}

	if x.a.Variable != "" {
		v, ok := x.vars()[x.a.Variable]
		if !ok {
			return x.complete(faults.Newf(faults.UninitializedVariable, "variable %s", x.a.Variable))
		}

		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding reply: %w", err)
		}

		r.Payload = b
	}

	if err := x.r.env.Reply(r); err != nil {
		return err
	}

	return x.complete(nil)
}

// pick

func pickBranches(a *process.Activity) []*process.Activity {
	var bs []*process.Activity
	for _, m := range a.OnMessages {
		bs = append(bs, m.Activity)
	}

	for _, al := range a.OnAlarms {
		bs = append(bs, al.Activity)
	}

	return bs
}

func (x *execution) startPick() error {
	inbounds := inboundsOf(x.a)

	rcv, f, err := x.register(inbounds, x.a.CreateInstance)
	if err != nil {
		return err
	}

	if f != nil {
		return x.pickFailed(f)
	}

	if rcv != nil {
		return x.pickMessage(inbounds, rcv)
	}

	channels := []string{x.s.Channel}
	for _, al := range x.a.OnAlarms {
		due, err := x.deadline(al.For, al.Until)
		if err != nil {
			return x.pickFailed(faults.FromError(faults.SubLanguageExecutionFault, err))
		}

		ch := x.t.NewChannel(MsgTimer)
		job, err := x.r.env.ScheduleTimer(ch, due)
		if err != nil {
			return err
		}

		x.s.Alarms = append(x.s.Alarms, &alarm{Channel: ch, Job: job})
		channels = append(channels, ch)
	}

	return x.wait(channels...)
}

func (x *execution) resumePick(in *vm.Input) error {
	if x.s.Selected {
		_, comp, err := x.childCompleted(in)
		if err != nil {
			return err
		}

		if x.s.Terminating {
			return x.terminated()
		}

		return x.complete(comp.Fault)
	}

	if in.Channel == x.s.Channel {
		var rcv Received
		if err := in.Message.Decode(&rcv); err != nil {
			return fmt.Errorf("decoding message: %w", err)
		}

		return x.pickMessage(inboundsOf(x.a), &rcv)
	}

	for i, al := range x.s.Alarms {
		if al.Channel != in.Channel {
			continue
		}

		al.Job = ""
		if err := x.cleanup(); err != nil {
			return err
		}

		return x.selectBranch(len(x.a.OnMessages) + i)
	}

	return fmt.Errorf("activity %s: unexpected message on %s", x.a.ID, in.Channel)
}

func (x *execution) pickMessage(inbounds []*inbound, rcv *Received) error {
	if rcv.Index < 0 || rcv.Index >= len(inbounds) {
		return fmt.Errorf("activity %s: message for unknown selector %d", x.a.ID, rcv.Index)
	}

	// The receive is no longer outstanding, only alarms are left
	f, err := x.accept(inbounds[rcv.Index], rcv)
	if err != nil {
		return err
	}

	if err := x.cleanup(); err != nil {
		return err
	}

	if f != nil {
		return x.pickFailed(f)
	}

	return x.selectBranch(rcv.Index)
}

// selectBranch runs the branch with the given index (messages first, then
// alarms) and eliminates all others.
func (x *execution) selectBranch(index int) error {
	branches := pickBranches(x.a)

	for i, b := range branches {
		if i == index {
			continue
		}

		if err := x.dpe(b); err != nil {
			return err
		}
	}

	x.s.Selected = true
	x.s.Index = index
	x.s.Alarms = nil

	if err := x.spawnChild(branches[index], nil); err != nil {
		return err
	}

	return x.waitChildren()
}

func (x *execution) pickFailed(f *faults.Fault) error {
	if err := x.cleanup(); err != nil {
		return err
	}

	for _, b := range pickBranches(x.a) {
		if err := x.dpe(b); err != nil {
			return err
		}
	}

	return x.complete(f)
}
