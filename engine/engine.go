// Package engine executes process instances. It routes inbound messages to
// waiting receives or new instances, runs instances inside scheduled jobs
// under the instance lock, and exposes the operator API.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-bpm/backend"
	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/internal/activity"
	"github.com/cschleiden/go-bpm/internal/metrickeys"
	"github.com/cschleiden/go-bpm/internal/vm"
	"github.com/cschleiden/go-bpm/lock"
	"github.com/cschleiden/go-bpm/log"
	"github.com/cschleiden/go-bpm/metrics"
	"github.com/cschleiden/go-bpm/process"
	"github.com/cschleiden/go-bpm/scheduler"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInstanceFinished = errors.New("process instance already finished")
	ErrNoReceiver       = errors.New("no process receives the message")
)

type Engine struct {
	backend   backend.Backend
	provider  process.Provider
	scheduler *scheduler.Scheduler
	locks     lock.Manager
	exchange  MessageExchange
	options   Options

	logger  *slog.Logger
	clock   clock.Clock
	metrics metrics.Client
	tracer  trace.Tracer
}

var _ scheduler.Handler = (*Engine)(nil)

func New(b backend.Backend, provider process.Provider, opts ...Option) *Engine {
	options := ApplyOptions(opts...)
	bo := b.Options()

	e := &Engine{
		backend:  b,
		provider: provider,
		locks:    options.Locks,
		exchange: options.Exchange,
		options:  options,
		logger:   bo.Logger,
		clock:    bo.Clock,
		metrics:  bo.Metrics,
		tracer:   bo.TracerProvider.Tracer(backend.TracerName),
	}

	if e.locks == nil {
		e.locks = lock.NewLocalManager(bo.Clock)
	}

	if e.exchange == nil {
		e.exchange = noExchange{}
	}

	e.scheduler = scheduler.New(b, e, options.SchedulerOptions...)

	return e
}

// Start validates the deployed processes and starts delivering jobs. To stop
// the engine, cancel ctx and call WaitForCompletion.
func (e *Engine) Start(ctx context.Context) error {
	ps, err := e.provider.Processes(ctx)
	if err != nil {
		return fmt.Errorf("loading processes: %w", err)
	}

	for _, p := range ps {
		e.logger.InfoContext(ctx, "process deployed", log.ProcessIDKey, p.ID)
	}

	return e.scheduler.Start(ctx)
}

func (e *Engine) WaitForCompletion() error {
	return e.scheduler.WaitForCompletion()
}

// RunDue synchronously processes all due jobs. It returns the number of jobs
// delivered.
func (e *Engine) RunDue(ctx context.Context) (int, error) {
	return e.scheduler.RunDue(ctx)
}

// Respond delivers the answer of a partner to a waiting invoke. Responses to
// invocations that are no longer waited for are dropped by the instance.
func (e *Engine) Respond(ctx context.Context, r *core.Response) error {
	ctx, span := e.tracer.Start(ctx, "Engine.Respond", trace.WithAttributes(
		attribute.String(log.InstanceIDKey, r.InstanceID),
	))
	defer span.End()

	resp := &activity.Response{InvocationID: r.InvocationID, Payload: r.Payload}

	kind := activity.MsgResponse
	switch {
	case r.Failure != "":
		kind = activity.MsgFailure
		resp.Reason = r.Failure
		resp.Payload = nil
		e.metrics.Counter(metrickeys.ResponseFailed, metrics.Tags{}, 1)
	case r.Fault != "":
		kind = activity.MsgFault
		resp.Fault = r.Fault
	}

	return backend.RunInTx(ctx, e.backend, func(ctx context.Context, tx *backend.Transaction) error {
		return e.resume(ctx, tx, r.InstanceID, "", r.Channel, kind, resp)
	})
}

// resume schedules delivery of a message to a channel of an instance.
func (e *Engine) resume(ctx context.Context, tx *backend.Transaction, instanceID, processID, channel, kind string, payload any) error {
	m, err := vm.NewMessage(kind, payload)
	if err != nil {
		return err
	}

	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	_, err = e.scheduler.Schedule(ctx, tx, &backend.Job{
		InstanceID: instanceID,
		ProcessID:  processID,
		Kind:       backend.JobResume,
		Channel:    channel,
		Payload:    b,
	})

	return err
}

func (e *Engine) sendInvocation(ctx context.Context, inv *core.Invocation) {
	e.metrics.Counter(metrickeys.InvokeSent, metrics.Tags{}, 1)

	err := e.exchange.Invoke(ctx, inv)
	if err == nil || inv.OneWay {
		if err != nil {
			e.logger.ErrorContext(ctx, "one-way invocation failed", log.InstanceIDKey, inv.InstanceID, log.OperationKey, inv.Operation, "error", err)
		}

		return
	}

	e.logger.WarnContext(ctx, "invocation failed",
		log.InstanceIDKey, inv.InstanceID,
		log.PartnerLinkKey, inv.PartnerLink,
		log.OperationKey, inv.Operation,
		"error", err,
	)

	if err := e.Respond(ctx, inv.RespondFailure(err.Error())); err != nil {
		e.logger.ErrorContext(ctx, "reporting invocation failure", log.InstanceIDKey, inv.InstanceID, "error", err)
	}
}

func (e *Engine) sendReply(ctx context.Context, r *core.Reply) {
	e.metrics.Counter(metrickeys.ReplySent, metrics.Tags{}, 1)

	if err := e.exchange.Reply(ctx, r); err != nil {
		e.logger.ErrorContext(ctx, "sending reply",
			log.InstanceIDKey, r.InstanceID,
			log.MessageExchangeKey, r.MexID,
			"error", err,
		)
	}
}
