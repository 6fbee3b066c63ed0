package engine

import (
	"context"
	"errors"

	"github.com/cschleiden/go-bpm/core"
)

var ErrNoExchange = errors.New("no message exchange configured")

// MessageExchange connects the engine to partners. Calls are made after the
// transaction that produced them committed. A failed Invoke is reported back
// to the invoking activity as a failure response.
type MessageExchange interface {
	Invoke(ctx context.Context, inv *core.Invocation) error

	Reply(ctx context.Context, r *core.Reply) error
}

type noExchange struct{}

func (noExchange) Invoke(context.Context, *core.Invocation) error {
	return ErrNoExchange
}

func (noExchange) Reply(context.Context, *core.Reply) error {
	return ErrNoExchange
}

// ExchangeFuncs adapts plain functions to a MessageExchange. Nil functions
// accept every call.
type ExchangeFuncs struct {
	InvokeFunc func(ctx context.Context, inv *core.Invocation) error
	ReplyFunc  func(ctx context.Context, r *core.Reply) error
}

func (x *ExchangeFuncs) Invoke(ctx context.Context, inv *core.Invocation) error {
	if x.InvokeFunc == nil {
		return nil
	}

	return x.InvokeFunc(ctx, inv)
}

func (x *ExchangeFuncs) Reply(ctx context.Context, r *core.Reply) error {
	if x.ReplyFunc == nil {
		return nil
	}

	return x.ReplyFunc(ctx, r)
}
