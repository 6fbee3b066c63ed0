package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cschleiden/go-bpm/backend"
	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/correlation"
	"github.com/cschleiden/go-bpm/events"
	"github.com/cschleiden/go-bpm/internal/activity"
	"github.com/cschleiden/go-bpm/internal/metrickeys"
	"github.com/cschleiden/go-bpm/internal/vm"
	"github.com/cschleiden/go-bpm/log"
	"github.com/cschleiden/go-bpm/metrics"
	"github.com/cschleiden/go-bpm/process"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Message is an inbound message from a partner.
type Message struct {
	// ProcessID restricts delivery to one process. Optional.
	ProcessID string

	PartnerLink string
	Operation   string

	// MexID identifies the request for the reply. Empty for one-way messages.
	MexID string

	Payload json.RawMessage
}

// Receipt tells what happened to a delivered message.
type Receipt struct {
	ProcessID  string
	InstanceID string

	// Created is true if the message created a new instance.
	Created bool

	// Queued is true if no receive was waiting for the message yet.
	Queued bool
}

// Deliver routes a message to the instance waiting for it, creates a new
// instance for it, or queues it until a matching receive is registered.
func (e *Engine) Deliver(ctx context.Context, m *Message) (*Receipt, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Deliver", trace.WithAttributes(
		attribute.String(log.PartnerLinkKey, m.PartnerLink),
		attribute.String(log.OperationKey, m.Operation),
	))
	defer span.End()

	ps, err := e.receivers(ctx, m)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var payload any
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, fmt.Errorf("invalid message payload: %w", err)
		}
	}

	var receipt *Receipt
	err = backend.RunInTx(ctx, e.backend, func(ctx context.Context, tx *backend.Transaction) error {
		receipt, err = e.deliver(ctx, tx, ps, m, payload)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String(log.InstanceIDKey, receipt.InstanceID))

	return receipt, nil
}

func (e *Engine) receivers(ctx context.Context, m *Message) ([]*process.Process, error) {
	if m.ProcessID != "" {
		p, err := e.provider.Process(ctx, m.ProcessID)
		if err != nil {
			return nil, err
		}

		if !p.Receives(m.PartnerLink, m.Operation) {
			return nil, fmt.Errorf("%w: %s does not receive %s.%s", ErrNoReceiver, p.ID, m.PartnerLink, m.Operation)
		}

		return []*process.Process{p}, nil
	}

	all, err := e.provider.Processes(ctx)
	if err != nil {
		return nil, err
	}

	var ps []*process.Process
	for _, p := range all {
		if p.Receives(m.PartnerLink, m.Operation) {
			ps = append(ps, p)
		}
	}

	if len(ps) == 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoReceiver, m.PartnerLink, m.Operation)
	}

	return ps, nil
}

// keys computes every correlation key the message carries for the process,
// plus the zero key matched by receives without correlation.
func (e *Engine) keys(p *process.Process, m *Message, payload any) []correlation.Key {
	keys := []correlation.Key{{}}

	for _, cs := range p.CorrelationSets {
		k, err := activity.MessageKey(p, e.options.Evaluator, cs.Name, m.PartnerLink, m.Operation, payload)
		if err != nil {
			continue
		}

		keys = append(keys, k)
	}

	return keys
}

func (e *Engine) deliver(ctx context.Context, tx *backend.Transaction, ps []*process.Process, m *Message, payload any) (*Receipt, error) {
	cid := correlation.ID(m.PartnerLink, m.Operation)
	tags := metrics.Tags{metrickeys.Operation: cid}

	type candidate struct {
		p    *process.Process
		c    *correlation.Correlator
		keys []correlation.Key
	}

	candidates := make([]*candidate, 0, len(ps))

	for _, p := range ps {
		c, err := tx.GetCorrelator(ctx, p.ID, cid)
		if err != nil {
			return nil, fmt.Errorf("loading correlator: %w", err)
		}

		keys := e.keys(p, m, payload)
		candidates = append(candidates, &candidate{p: p, c: c, keys: keys})

		route := c.Match(keys)
		if route == nil {
			continue
		}

		if err := tx.SaveCorrelator(ctx, p.ID, c); err != nil {
			return nil, fmt.Errorf("saving correlator: %w", err)
		}

		if err := e.resume(ctx, tx, route.InstanceID, p.ID, route.Channel, activity.MsgMessage, &activity.Received{
			Index:   route.Index,
			MexID:   m.MexID,
			Payload: m.Payload,
		}); err != nil {
			return nil, err
		}

		if err := e.appendEvent(ctx, tx, &events.Event{
			Type:       events.MessageRouted,
			InstanceID: route.InstanceID,
			ProcessID:  p.ID,
			MexID:      m.MexID,
		}); err != nil {
			return nil, err
		}

		e.metrics.Counter(metrickeys.MessageRouted, tags, 1)
		e.logger.DebugContext(ctx, "message routed",
			log.ProcessIDKey, p.ID,
			log.InstanceIDKey, route.InstanceID,
			log.ChannelKey, route.Channel,
			log.CorrelationKey, route.Key.String(),
		)

		return &Receipt{ProcessID: p.ID, InstanceID: route.InstanceID}, nil
	}

	for _, cd := range candidates {
		if cd.p.CreatesInstance(m.PartnerLink, m.Operation) {
			return e.createInstance(ctx, tx, cd.p, m)
		}
	}

	cd := candidates[0]
	cd.c.Enqueue(&correlation.QueuedMessage{
		MexID:      m.MexID,
		Keys:       cd.keys,
		Payload:    m.Payload,
		ReceivedAt: e.clock.Now(),
	})

	if err := tx.SaveCorrelator(ctx, cd.p.ID, cd.c); err != nil {
		return nil, fmt.Errorf("saving correlator: %w", err)
	}

	if err := e.appendEvent(ctx, tx, &events.Event{
		Type:      events.MessageQueued,
		ProcessID: cd.p.ID,
		MexID:     m.MexID,
	}); err != nil {
		return nil, err
	}

	e.metrics.Counter(metrickeys.MessageQueued, tags, 1)
	e.logger.DebugContext(ctx, "message queued", log.ProcessIDKey, cd.p.ID, log.PartnerLinkKey, m.PartnerLink, log.OperationKey, m.Operation)

	return &Receipt{ProcessID: cd.p.ID, Queued: true}, nil
}

// createInstance stores a new instance that consumes the message when it
// runs for the first time.
func (e *Engine) createInstance(ctx context.Context, tx *backend.Transaction, p *process.Process, m *Message) (*Receipt, error) {
	now := e.clock.Now()

	instance := core.NewInstance(uuid.NewString(), p.ID, now)
	if err := instance.Transition(ctx, core.TriggerStart); err != nil {
		return nil, err
	}

	state := activity.NewState()
	state.Initial = &activity.InboundMessage{
		PartnerLink: m.PartnerLink,
		Operation:   m.Operation,
		MexID:       m.MexID,
		Payload:     m.Payload,
	}

	data, err := activity.Encode(vm.NewSoup(), state)
	if err != nil {
		return nil, err
	}

	instance.Data = data

	if err := tx.CreateInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("creating instance: %w", err)
	}

	if _, err := e.scheduler.Schedule(ctx, tx, &backend.Job{
		InstanceID: instance.ID,
		ProcessID:  p.ID,
		Kind:       backend.JobExecute,
	}); err != nil {
		return nil, err
	}

	if err := e.appendEvent(ctx, tx, &events.Event{
		Type:       events.InstanceCreated,
		InstanceID: instance.ID,
		ProcessID:  p.ID,
		State:      instance.State.String(),
		MexID:      m.MexID,
	}); err != nil {
		return nil, err
	}

	e.metrics.Counter(metrickeys.InstanceCreated, metrics.Tags{metrickeys.Process: p.ID}, 1)
	e.logger.DebugContext(ctx, "instance created", log.ProcessIDKey, p.ID, log.InstanceIDKey, instance.ID)

	return &Receipt{ProcessID: p.ID, InstanceID: instance.ID, Created: true}, nil
}

// appendEvent records an event outside of instance execution and publishes
// it after commit.
func (e *Engine) appendEvent(ctx context.Context, tx *backend.Transaction, ev *events.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock.Now()
	}

	if err := tx.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}

	tx.OnCommit(func(ctx context.Context) {
		e.options.Sink.Emit(ctx, ev)
	})

	return nil
}
