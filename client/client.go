package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/engine"
	"github.com/cschleiden/go-bpm/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	ErrInstanceTerminated = errors.New("process instance terminated")
	ErrWaitTimeout        = errors.New("process instance did not finish in specified timeout")
)

// InstanceFaultError is returned for instances that completed with a fault.
type InstanceFaultError struct {
	InstanceID string
	Fault      string
}

func (e *InstanceFaultError) Error() string {
	return fmt.Sprintf("process instance %s completed with fault %s", e.InstanceID, e.Fault)
}

// Engine is the part of the engine the client drives.
type Engine interface {
	Deliver(ctx context.Context, m *engine.Message) (*engine.Receipt, error)
	Instance(ctx context.Context, instanceID string) (*core.Instance, error)
	Failures(ctx context.Context, instanceID string) ([]*engine.Failure, error)
	Recover(ctx context.Context, instanceID string, frameID int64, action string) error
	Terminate(ctx context.Context, instanceID string) error
}

var _ Engine = (*engine.Engine)(nil)

type MessageOptions struct {
	// ProcessID restricts delivery to one process.
	ProcessID string

	// MexID marks the message as a request that expects a reply.
	MexID string
}

type Client struct {
	engine Engine
	clock  clock.Clock
	tracer trace.Tracer
}

func New(e Engine) *Client {
	return &Client{
		engine: e,
		clock:  clock.New(),
		tracer: noop.NewTracerProvider().Tracer("go-bpm/client"),
	}
}

// WithTracer returns a client that traces its calls.
func (c *Client) WithTracer(tp trace.TracerProvider) *Client {
	cc := *c
	cc.tracer = tp.Tracer("go-bpm/client")

	return &cc
}

// SendMessage delivers a message to the processes receiving the partner link operation.
func (c *Client) SendMessage(ctx context.Context, options MessageOptions, partnerLink, operation string, payload any) (*engine.Receipt, error) {
	ctx, span := c.tracer.Start(ctx, "SendMessage", trace.WithAttributes(
		attribute.String(log.PartnerLinkKey, partnerLink),
		attribute.String(log.OperationKey, operation),
	))
	defer span.End()

	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}

		data = b
	}

	r, err := c.engine.Deliver(ctx, &engine.Message{
		ProcessID:   options.ProcessID,
		PartnerLink: partnerLink,
		Operation:   operation,
		MexID:       options.MexID,
		Payload:     data,
	})
	if err != nil {
		return nil, fmt.Errorf("delivering message: %w", err)
	}

	return r, nil
}

// WaitForInstance waits for the given instance to finish or until the given timeout has expired.
func (c *Client) WaitForInstance(ctx context.Context, instanceID string, timeout time.Duration) (*core.Instance, error) {
	if timeout == 0 {
		timeout = time.Second * 20
	}

	ctx, span := c.tracer.Start(ctx, "WaitForInstance", trace.WithAttributes(
		attribute.String(log.InstanceIDKey, instanceID),
	))
	defer span.End()

	b := backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond * 1,
		MaxInterval:         time.Second * 1,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      timeout,
		Stop:                backoff.Stop,
		Clock:               c.clock,
	}
	b.Reset()

	ticker := backoff.NewTicker(&b)
	defer ticker.Stop()

	for range ticker.C {
		i, err := c.engine.Instance(ctx, instanceID)
		if err != nil {
			return nil, fmt.Errorf("getting instance: %w", err)
		}

		if i.State.Terminal() {
			return i, nil
		}
	}

	return nil, ErrWaitTimeout
}

// GetOutcome waits for the instance to finish and returns nil if it
// completed successfully.
func (c *Client) GetOutcome(ctx context.Context, instanceID string, timeout time.Duration) error {
	i, err := c.WaitForInstance(ctx, instanceID, timeout)
	if err != nil {
		return err
	}

	switch i.State {
	case core.InstanceStateCompletedWithFault:
		return &InstanceFaultError{InstanceID: i.ID, Fault: i.Fault}
	case core.InstanceStateTerminated:
		return ErrInstanceTerminated
	}

	return nil
}

func (c *Client) GetFailures(ctx context.Context, instanceID string) ([]*engine.Failure, error) {
	return c.engine.Failures(ctx, instanceID)
}

// RecoverActivity applies a recovery action to a failed activity.
func (c *Client) RecoverActivity(ctx context.Context, instanceID string, frameID int64, action string) error {
	ctx, span := c.tracer.Start(ctx, "RecoverActivity", trace.WithAttributes(
		attribute.String(log.InstanceIDKey, instanceID),
		attribute.String(log.ActionKey, action),
	))
	defer span.End()

	return c.engine.Recover(ctx, instanceID, frameID, action)
}

func (c *Client) TerminateInstance(ctx context.Context, instanceID string) error {
	ctx, span := c.tracer.Start(ctx, "TerminateInstance", trace.WithAttributes(
		attribute.String(log.InstanceIDKey, instanceID),
	))
	defer span.End()

	return c.engine.Terminate(ctx, instanceID)
}
