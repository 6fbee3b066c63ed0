package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cschleiden/go-bpm/backend"
	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/correlation"
	"github.com/cschleiden/go-bpm/events"
	"github.com/cschleiden/go-bpm/internal/activity"
	"github.com/cschleiden/go-bpm/internal/metrickeys"
	"github.com/cschleiden/go-bpm/log"
	"github.com/cschleiden/go-bpm/metrics"
	"github.com/google/uuid"
)

// environment binds activity side effects to the transaction of a job. Jobs,
// cancellations, routes and events are buffered and written to the
// transaction on flush, outbound messages are published after commit. A
// checkpoint drops everything buffered by a reaction that panicked.
type environment struct {
	ctx      context.Context
	e        *Engine
	tx       *backend.Transaction
	instance *core.Instance

	correlators map[string]*correlation.Correlator
	dirty       map[string]bool

	jobs    []*backend.Job
	cancels []string

	events      []*events.Event
	invocations []*core.Invocation
	replies     []*core.Reply
}

var _ activity.Environment = (*environment)(nil)

func newEnvironment(ctx context.Context, e *Engine, tx *backend.Transaction, instance *core.Instance) *environment {
	return &environment{
		ctx:         ctx,
		e:           e,
		tx:          tx,
		instance:    instance,
		correlators: map[string]*correlation.Correlator{},
		dirty:       map[string]bool{},
	}
}

func (env *environment) Now() time.Time {
	return env.e.clock.Now()
}

func (env *environment) InstanceID() string {
	return env.instance.ID
}

func (env *environment) ProcessID() string {
	return env.instance.ProcessID
}

func (env *environment) NewID() string {
	return uuid.NewString()
}

func (env *environment) ScheduleTimer(channel string, due time.Time) (string, error) {
	return env.schedule(&backend.Job{
		InstanceID: env.instance.ID,
		ProcessID:  env.instance.ProcessID,
		Kind:       backend.JobTimer,
		Channel:    channel,
		Due:        due,
	})
}

func (env *environment) ScheduleInvokeCheck(channel, invocationID string, due time.Time) (string, error) {
	payload, err := json.Marshal(invocationID)
	if err != nil {
		return "", err
	}

	return env.schedule(&backend.Job{
		InstanceID: env.instance.ID,
		ProcessID:  env.instance.ProcessID,
		Kind:       backend.JobInvokeCheck,
		Channel:    channel,
		Payload:    payload,
		Due:        due,
		Volatile:   env.e.options.VolatileInvokeChecks,
	})
}

func (env *environment) schedule(job *backend.Job) (string, error) {
	job.ID = uuid.NewString()
	env.jobs = append(env.jobs, job)

	return job.ID, nil
}

// CancelJob drops a job scheduled by the same job or cancels a persisted one
// on flush.
func (env *environment) CancelJob(jobID string) error {
	for i, j := range env.jobs {
		if j.ID == jobID {
			env.jobs = append(env.jobs[:i:i], env.jobs[i+1:]...)
			return nil
		}
	}

	env.cancels = append(env.cancels, jobID)

	return nil
}

func (env *environment) Invoke(inv *core.Invocation) error {
	env.invocations = append(env.invocations, inv)
	return nil
}

func (env *environment) Reply(r *core.Reply) error {
	env.reply(r)
	return nil
}

// reply buffers r for publication after commit.
func (env *environment) reply(r *core.Reply) {
	env.replies = append(env.replies, r)
}

func (env *environment) correlator(partnerLink, operation string) (*correlation.Correlator, error) {
	id := correlation.ID(partnerLink, operation)
	if c, ok := env.correlators[id]; ok {
		return c, nil
	}

	c, err := env.tx.GetCorrelator(env.ctx, env.instance.ProcessID, id)
	if err != nil {
		return nil, fmt.Errorf("loading correlator %s: %w", id, err)
	}

	env.correlators[id] = c

	return c, nil
}

// RegisterRoutes adds a route per selector. If a queued message matches one
// of them, the routes added so far are removed again and the message is
// returned instead.
func (env *environment) RegisterRoutes(channel string, selectors []correlation.Selector) (*activity.Received, error) {
	var added []*correlation.Correlator

	for i, s := range selectors {
		c, err := env.correlator(s.PartnerLink, s.Operation)
		if err != nil {
			return nil, err
		}

		env.dirty[c.ID] = true

		m, _ := c.AddRoutes([]*correlation.Route{{
			InstanceID: env.instance.ID,
			Channel:    channel,
			Index:      i,
			Key:        s.Key,
		}})
		if m == nil {
			added = append(added, c)
			continue
		}

		for _, a := range added {
			a.RemoveChannel(env.instance.ID, channel)
		}

		env.e.logger.DebugContext(env.ctx, "consuming queued message",
			log.InstanceIDKey, env.instance.ID,
			log.ChannelKey, channel,
			log.PartnerLinkKey, s.PartnerLink,
			log.OperationKey, s.Operation,
		)

		env.Emit(&events.Event{
			Type:  events.MessageRouted,
			MexID: m.MexID,
		})

		return &activity.Received{Index: i, MexID: m.MexID, Payload: m.Payload}, nil
	}

	return nil, nil
}

func (env *environment) RemoveRoutes(channel string, selectors []correlation.Selector) error {
	for _, s := range selectors {
		c, err := env.correlator(s.PartnerLink, s.Operation)
		if err != nil {
			return err
		}

		if c.RemoveChannel(env.instance.ID, channel) > 0 {
			env.dirty[c.ID] = true
		}
	}

	return nil
}

// removeInstanceRoutes drops every route the instance might still have for
// the operations of its process.
func (env *environment) removeInstanceRoutes(ops [][2]string) error {
	for _, op := range ops {
		c, err := env.correlator(op[0], op[1])
		if err != nil {
			return err
		}

		if c.RemoveInstance(env.instance.ID) > 0 {
			env.dirty[c.ID] = true
		}
	}

	return nil
}

func (env *environment) Emit(e *events.Event) {
	e.InstanceID = env.instance.ID
	e.ProcessID = env.instance.ProcessID
	if e.Timestamp.IsZero() {
		e.Timestamp = env.e.clock.Now()
	}

	env.events = append(env.events, e)
}

// Checkpoint captures the buffered side effects. The returned function drops
// everything buffered since and reverts correlator changes.
func (env *environment) Checkpoint() func() {
	jobs := slices.Clone(env.jobs)
	dirty := maps.Clone(env.dirty)
	cancels, evs, invs, replies := len(env.cancels), len(env.events), len(env.invocations), len(env.replies)

	correlators := make(map[string]*correlation.Correlator, len(env.correlators))
	for id, c := range env.correlators {
		correlators[id] = c.Clone()
	}

	return func() {
		env.jobs = jobs
		env.dirty = dirty
		env.correlators = correlators
		env.cancels = env.cancels[:cancels]
		env.events = env.events[:evs]
		env.invocations = env.invocations[:invs]
		env.replies = env.replies[:replies]
	}
}

// flush writes jobs, correlators and events to the transaction and publishes
// outbound messages once it committed.
func (env *environment) flush() error {
	for _, job := range env.jobs {
		if _, err := env.e.scheduler.Schedule(env.ctx, env.tx, job); err != nil {
			return err
		}
	}

	for _, id := range env.cancels {
		if _, err := env.e.scheduler.Cancel(env.ctx, env.tx, id); err != nil {
			return err
		}
	}

	for id := range env.dirty {
		if err := env.tx.SaveCorrelator(env.ctx, env.instance.ProcessID, env.correlators[id]); err != nil {
			return fmt.Errorf("saving correlator %s: %w", id, err)
		}
	}

	for _, e := range env.events {
		if err := env.tx.AppendEvent(env.ctx, e); err != nil {
			return fmt.Errorf("appending event: %w", err)
		}

		switch e.Type {
		case events.ActivityFailure:
			env.e.metrics.Counter(metrickeys.ActivityFailures, metrics.Tags{}, 1)
		case events.ActivityRecovery:
			env.e.metrics.Counter(metrickeys.Recoveries, metrics.Tags{metrickeys.Action: e.Action}, 1)
		}
	}

	evs, invs, replies := env.events, env.invocations, env.replies
	if len(evs) == 0 && len(invs) == 0 && len(replies) == 0 {
		return nil
	}

	env.tx.OnCommit(func(ctx context.Context) {
		for _, e := range evs {
			env.e.options.Sink.Emit(ctx, e)
		}

		for _, r := range replies {
			env.e.sendReply(ctx, r)
		}

		for _, inv := range invs {
			env.e.sendInvocation(ctx, inv)
		}
	})

	return nil
}
