package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/correlation"
	"github.com/cschleiden/go-bpm/events"
	"github.com/cschleiden/go-bpm/internal/vm"
	"github.com/cschleiden/go-bpm/process"
	"github.com/stretchr/testify/require"
)

type timer struct {
	Channel      string
	InvocationID string
	Due          time.Time
}

// fakeEnv records every side effect and routes messages with a single
// in-memory route table.
type fakeEnv struct {
	now time.Time
	ids int

	jobs        map[string]*timer
	canceled    []string
	invocations []*core.Invocation
	replies     []*core.Reply
	routes      map[string][]correlation.Selector
	queued      []*queued
	events      []*events.Event

	// panicOn makes Invoke panic for the operation after recording it.
	panicOn string
}

type queued struct {
	PartnerLink string
	Operation   string
	Received    *Received
}

var _ Environment = (*fakeEnv)(nil)

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		now:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		jobs:   map[string]*timer{},
		routes: map[string][]correlation.Selector{},
	}
}

func (e *fakeEnv) Now() time.Time     { return e.now }
func (e *fakeEnv) InstanceID() string { return "instance" }
func (e *fakeEnv) ProcessID() string  { return "process" }

func (e *fakeEnv) NewID() string {
	e.ids++
	return fmt.Sprintf("id%d", e.ids)
}

func (e *fakeEnv) ScheduleTimer(channel string, due time.Time) (string, error) {
	id := e.NewID()
	e.jobs[id] = &timer{Channel: channel, Due: due}
	return id, nil
}

func (e *fakeEnv) ScheduleInvokeCheck(channel, invocationID string, due time.Time) (string, error) {
	id := e.NewID()
	e.jobs[id] = &timer{Channel: channel, InvocationID: invocationID, Due: due}
	return id, nil
}

func (e *fakeEnv) CancelJob(jobID string) error {
	if _, ok := e.jobs[jobID]; ok {
		delete(e.jobs, jobID)
		e.canceled = append(e.canceled, jobID)
	}

	return nil
}

func (e *fakeEnv) Invoke(inv *core.Invocation) error {
	e.invocations = append(e.invocations, inv)

	if e.panicOn != "" && inv.Operation == e.panicOn {
		panic("partner link " + inv.PartnerLink + " unavailable")
	}

	return nil
}

func (e *fakeEnv) Checkpoint() func() {
	jobs := maps.Clone(e.jobs)
	routes := maps.Clone(e.routes)
	queued := slices.Clone(e.queued)
	canceled, invocations, replies, evs := len(e.canceled), len(e.invocations), len(e.replies), len(e.events)

	return func() {
		e.jobs = jobs
		e.routes = routes
		e.queued = queued
		e.canceled = e.canceled[:canceled]
		e.invocations = e.invocations[:invocations]
		e.replies = e.replies[:replies]
		e.events = e.events[:evs]
	}
}

func (e *fakeEnv) Reply(r *core.Reply) error {
	e.replies = append(e.replies, r)
	return nil
}

func (e *fakeEnv) RegisterRoutes(channel string, selectors []correlation.Selector) (*Received, error) {
	for i, q := range e.queued {
		for idx, s := range selectors {
			if s.PartnerLink == q.PartnerLink && s.Operation == q.Operation {
				e.queued = append(e.queued[:i], e.queued[i+1:]...)
				r := *q.Received
				r.Index = idx
				return &r, nil
			}
		}
	}

	e.routes[channel] = selectors
	return nil, nil
}

func (e *fakeEnv) RemoveRoutes(channel string, _ []correlation.Selector) error {
	delete(e.routes, channel)
	return nil
}

func (e *fakeEnv) Emit(ev *events.Event) {
	e.events = append(e.events, ev)
}

func (e *fakeEnv) eventsOfType(t events.Type) []*events.Event {
	var r []*events.Event
	for _, ev := range e.events {
		if ev.Type == t {
			r = append(r, ev)
		}
	}

	return r
}

type harness struct {
	t     *testing.T
	p     *process.Process
	eval  *process.Evaluator
	env   *fakeEnv
	state *State
	soup  *vm.Soup
}

func newHarness(t *testing.T, src string) *harness {
	t.Helper()

	p, err := process.Load(strings.NewReader(src))
	require.NoError(t, err)

	eval := process.NewEvaluator()
	require.NoError(t, p.Compile(eval))

	return &harness{
		t:     t,
		p:     p,
		eval:  eval,
		env:   newFakeEnv(),
		state: NewState(),
		soup:  vm.NewSoup(),
	}
}

func (h *harness) vm() *vm.VM {
	rt := NewRuntime(h.p, h.eval, h.env, h.state, slog.Default())
	return vm.New(h.soup, rt)
}

func (h *harness) execute(v *vm.VM) {
	h.t.Helper()

	_, err := v.Execute(context.Background(), 0)
	require.NoError(h.t, err)

	// Every step has to survive persistence
	b, err := Encode(h.soup, h.state)
	require.NoError(h.t, err)

	h.soup, h.state, err = Decode(b)
	require.NoError(h.t, err)
}

// start runs a new instance created by the given message.
func (h *harness) start(partnerLink, operation string, payload any) {
	h.t.Helper()

	h.state.Initial = &InboundMessage{
		PartnerLink: partnerLink,
		Operation:   operation,
		MexID:       "mex-initial",
		Payload:     mustJSON(h.t, payload),
	}

	v := h.vm()
	rt := NewRuntime(h.p, h.eval, h.env, h.state, slog.Default())
	require.NoError(h.t, rt.Start(v))

	h.execute(v)
}

func (h *harness) deliver(channel, kind string, payload any) {
	h.t.Helper()

	m, err := vm.NewMessage(kind, payload)
	require.NoError(h.t, err)

	v := h.vm()
	require.NoError(h.t, v.Deliver(channel, m))

	h.execute(v)
}

// send routes an inbound message to the waiting receive or pick.
func (h *harness) send(partnerLink, operation, mexID string, payload any) {
	h.t.Helper()

	for ch, sels := range h.env.routes {
		for i, s := range sels {
			if s.PartnerLink == partnerLink && s.Operation == operation {
				delete(h.env.routes, ch)
				h.deliver(ch, MsgMessage, &Received{Index: i, MexID: mexID, Payload: mustJSON(h.t, payload)})
				return
			}
		}
	}

	h.t.Fatalf("no route for %s.%s", partnerLink, operation)
}

func (h *harness) respond(inv *core.Invocation, kind string, resp *Response) {
	h.t.Helper()

	resp.InvocationID = inv.ID
	h.deliver(inv.Channel, kind, resp)
}

// fire delivers the due timer jobs of the given channel.
func (h *harness) fire(jobID string) {
	h.t.Helper()

	j, ok := h.env.jobs[jobID]
	require.True(h.t, ok, "job %s not scheduled", jobID)
	delete(h.env.jobs, jobID)

	if j.InvocationID != "" {
		h.deliver(j.Channel, MsgFailure, &Response{InvocationID: j.InvocationID, Reason: "timeout"})
		return
	}

	h.deliver(j.Channel, MsgTimer, nil)
}

func (h *harness) onlyJob() string {
	h.t.Helper()

	require.Len(h.t, h.env.jobs, 1)
	for id := range h.env.jobs {
		return id
	}

	return ""
}

func (h *harness) onlyFailure() *Failure {
	h.t.Helper()

	require.Len(h.t, h.state.Failures, 1)
	for _, f := range h.state.Failures {
		return f
	}

	return nil
}

func (h *harness) terminate() {
	h.t.Helper()

	require.NotEmpty(h.t, h.state.Termination)
	h.deliver(h.state.Termination, MsgTerminate, nil)
}

func (h *harness) requireCompleted() {
	h.t.Helper()

	require.NotNil(h.t, h.state.Outcome, "instance did not complete")
	require.Nil(h.t, h.state.Outcome.Fault)
	require.False(h.t, h.state.Outcome.Terminated)
	require.Empty(h.t, h.soup.Frames)
}

func (h *harness) requireFault(name string) {
	h.t.Helper()

	require.NotNil(h.t, h.state.Outcome, "instance did not complete")
	require.NotNil(h.t, h.state.Outcome.Fault)
	require.Equal(h.t, name, h.state.Outcome.Fault.Name)
}

func (h *harness) requireRunning() {
	h.t.Helper()

	require.Nil(h.t, h.state.Outcome)
}

func (h *harness) invocations(operation string) []*core.Invocation {
	var r []*core.Invocation
	for _, inv := range h.env.invocations {
		if inv.Operation == operation {
			r = append(r, inv)
		}
	}

	return r
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()

	if v == nil {
		return nil
	}

	b, err := json.Marshal(v)
	require.NoError(t, err)

	return b
}
