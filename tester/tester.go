// Package tester runs processes against an in-memory engine with a simulated
// clock. Partner operations are mocked with testify.
package tester

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-bpm/backend"
	"github.com/cschleiden/go-bpm/backend/memory"
	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/engine"
	"github.com/cschleiden/go-bpm/events"
	"github.com/cschleiden/go-bpm/process"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// FaultError is returned by a mocked operation to answer with a fault.
type FaultError struct {
	Name string
	Data any
}

func (e *FaultError) Error() string {
	return "fault " + e.Name
}

func Fault(name string, data any) error {
	return &FaultError{Name: name, Data: data}
}

// ErrPending can be returned by a mocked operation to leave the invocation
// unanswered. It can be answered later with Respond.
var ErrPending = errors.New("invocation pending")

type ProcessTester struct {
	options *options

	clock    *clock.Mock
	backend  backend.Backend
	registry *process.Registry
	engine   *engine.Engine
	recorder *events.Recorder

	ma     *mock.Mock
	mocked map[string]bool

	mu          sync.Mutex
	invocations []*core.Invocation
	pending     []*core.Invocation
	responses   []*core.Response
	replies     []*core.Reply
}

var _ engine.MessageExchange = (*ProcessTester)(nil)

func NewProcessTester(opts ...ProcessTesterOption) *ProcessTester {
	c := clock.NewMock()
	c.Set(time.Now())

	options := &options{
		Logger: slog.Default(),
	}

	for _, o := range opts {
		o(options)
	}

	if options.Backend == nil {
		options.Backend = memory.NewMemoryBackend
	}

	pt := &ProcessTester{
		options:  options,
		clock:    c,
		recorder: events.NewRecorder(),
		ma:       &mock.Mock{},
		mocked:   map[string]bool{},
	}

	pt.backend = options.Backend(backend.WithClock(c), backend.WithLogger(options.Logger))

	eval := process.NewEvaluator()
	pt.registry = process.NewRegistry(eval)

	engineOpts := append([]engine.Option{
		engine.WithEvaluator(eval),
		engine.WithMessageExchange(pt),
		engine.WithSink(pt.recorder),
	}, options.EngineOptions...)

	pt.engine = engine.New(pt.backend, pt.registry, engineOpts...)

	return pt
}

func (pt *ProcessTester) Now() time.Time {
	return pt.clock.Now()
}

func (pt *ProcessTester) Engine() *engine.Engine {
	return pt.engine
}

func (pt *ProcessTester) Registry() *process.Registry {
	return pt.registry
}

func (pt *ProcessTester) Backend() backend.Backend {
	return pt.backend
}

// Deploy loads and deploys a process from its YAML definition.
func (pt *ProcessTester) Deploy(definition string) (*process.Process, error) {
	p, err := process.Load(strings.NewReader(definition))
	if err != nil {
		return nil, err
	}

	if err := pt.registry.Deploy(p); err != nil {
		return nil, err
	}

	return p, nil
}

func operationName(partnerLink, operation string) string {
	return partnerLink + "." + operation
}

// OnInvoke mocks a partner operation. The mocked call receives the decoded
// invocation payload and returns a result payload and an error. A FaultError
// answers with a fault, ErrPending leaves the invocation open and any other
// error answers with a failure.
func (pt *ProcessTester) OnInvoke(partnerLink, operation string, args ...any) *mock.Call {
	name := operationName(partnerLink, operation)

	pt.mu.Lock()
	pt.mocked[name] = true
	pt.mu.Unlock()

	return pt.ma.On(name, args...)
}

func (pt *ProcessTester) AssertExpectations(t *testing.T) {
	pt.ma.AssertExpectations(t)
}

// Invoke is called by the engine for every invocation.
func (pt *ProcessTester) Invoke(_ context.Context, inv *core.Invocation) error {
	name := operationName(inv.PartnerLink, inv.Operation)

	pt.mu.Lock()
	pt.invocations = append(pt.invocations, inv)
	mocked := pt.mocked[name]
	if !mocked && !inv.OneWay {
		pt.pending = append(pt.pending, inv)
	}
	pt.mu.Unlock()

	if !mocked {
		return nil
	}

	var payload any
	if len(inv.Payload) > 0 {
		if err := json.Unmarshal(inv.Payload, &payload); err != nil {
			return err
		}
	}

	rets := pt.ma.MethodCalled(name, payload)
	if inv.OneWay {
		return nil
	}

	var err error
	if len(rets) > 1 {
		err = rets.Error(1)
	}

	var fe *FaultError
	switch {
	case errors.Is(err, ErrPending):
		pt.mu.Lock()
		pt.pending = append(pt.pending, inv)
		pt.mu.Unlock()

		return nil

	case errors.As(err, &fe):
		data, merr := marshal(fe.Data)
		if merr != nil {
			return merr
		}

		pt.respondLater(inv.RespondFault(fe.Name, data))
		return nil

	case err != nil:
		// Reported back as failure response by the engine
		return err
	}

	var result any
	if len(rets) > 0 {
		result = rets.Get(0)
	}

	data, err := marshal(result)
	if err != nil {
		return err
	}

	pt.respondLater(inv.Respond(data))

	return nil
}

func (pt *ProcessTester) respondLater(r *core.Response) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.responses = append(pt.responses, r)
}

func (pt *ProcessTester) Reply(_ context.Context, r *core.Reply) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.replies = append(pt.replies, r)

	return nil
}

func marshal(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}

	return json.Marshal(v)
}

// Run delivers due jobs and mocked responses until the engine is idle.
func (pt *ProcessTester) Run(ctx context.Context) error {
	for {
		n, err := pt.engine.RunDue(ctx)
		if err != nil {
			return err
		}

		pt.mu.Lock()
		responses := pt.responses
		pt.responses = nil
		pt.mu.Unlock()

		for _, r := range responses {
			if err := pt.engine.Respond(ctx, r); err != nil {
				return err
			}
		}

		if n == 0 && len(responses) == 0 {
			return nil
		}
	}
}

// Advance moves the simulated clock forward and runs everything that became
// due.
func (pt *ProcessTester) Advance(ctx context.Context, d time.Duration) error {
	pt.clock.Add(d)
	return pt.Run(ctx)
}

// Send delivers a one-way message and runs the engine.
func (pt *ProcessTester) Send(ctx context.Context, partnerLink, operation string, payload any) (*engine.Receipt, error) {
	return pt.deliver(ctx, partnerLink, operation, "", payload)
}

// Request delivers a request-response message and runs the engine. It
// returns the reply if one was sent.
func (pt *ProcessTester) Request(ctx context.Context, partnerLink, operation string, payload any) (*engine.Receipt, *core.Reply, error) {
	mexID := uuid.NewString()

	r, err := pt.deliver(ctx, partnerLink, operation, mexID, payload)
	if err != nil {
		return nil, nil, err
	}

	return r, pt.ReplyTo(mexID), nil
}

func (pt *ProcessTester) deliver(ctx context.Context, partnerLink, operation, mexID string, payload any) (*engine.Receipt, error) {
	data, err := marshal(payload)
	if err != nil {
		return nil, err
	}

	r, err := pt.engine.Deliver(ctx, &engine.Message{
		PartnerLink: partnerLink,
		Operation:   operation,
		MexID:       mexID,
		Payload:     data,
	})
	if err != nil {
		return nil, err
	}

	return r, pt.Run(ctx)
}

// ReplyTo returns the reply sent for a request, if any.
func (pt *ProcessTester) ReplyTo(mexID string) *core.Reply {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	for _, r := range pt.replies {
		if r.MexID == mexID {
			return r
		}
	}

	return nil
}

// Invocations returns all invocations of a partner operation so far.
func (pt *ProcessTester) Invocations(partnerLink, operation string) []*core.Invocation {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	var r []*core.Invocation
	for _, inv := range pt.invocations {
		if inv.PartnerLink == partnerLink && inv.Operation == operation {
			r = append(r, inv)
		}
	}

	return r
}

// Pending returns the invocations of an operation that were not answered yet.
func (pt *ProcessTester) Pending(partnerLink, operation string) []*core.Invocation {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	var r []*core.Invocation
	for _, inv := range pt.pending {
		if inv.PartnerLink == partnerLink && inv.Operation == operation {
			r = append(r, inv)
		}
	}

	return r
}

// Respond answers a pending invocation and runs the engine.
func (pt *ProcessTester) Respond(ctx context.Context, r *core.Response) error {
	pt.mu.Lock()
	for i, inv := range pt.pending {
		if inv.ID == r.InvocationID {
			pt.pending = append(pt.pending[:i], pt.pending[i+1:]...)
			break
		}
	}
	pt.mu.Unlock()

	if err := pt.engine.Respond(ctx, r); err != nil {
		return err
	}

	return pt.Run(ctx)
}

func (pt *ProcessTester) Recover(ctx context.Context, instanceID string, frameID int64, action string) error {
	if err := pt.engine.Recover(ctx, instanceID, frameID, action); err != nil {
		return err
	}

	return pt.Run(ctx)
}

func (pt *ProcessTester) Terminate(ctx context.Context, instanceID string) error {
	if err := pt.engine.Terminate(ctx, instanceID); err != nil {
		return err
	}

	return pt.Run(ctx)
}

func (pt *ProcessTester) Instance(ctx context.Context, instanceID string) (*core.Instance, error) {
	return pt.engine.Instance(ctx, instanceID)
}

// Events returns the published events of an instance.
func (pt *ProcessTester) Events(instanceID string) []*events.Event {
	var r []*events.Event
	for _, e := range pt.recorder.Events() {
		if e.InstanceID == instanceID {
			r = append(r, e)
		}
	}

	return r
}

func (pt *ProcessTester) EventsOfType(instanceID string, t events.Type) []*events.Event {
	return pt.recorder.OfType(instanceID, t)
}
