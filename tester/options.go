package tester

import (
	"log/slog"

	"github.com/cschleiden/go-bpm/backend"
	"github.com/cschleiden/go-bpm/engine"
)

type options struct {
	Logger *slog.Logger

	// Backend is created from the tester clock when nil.
	Backend func(opts ...backend.BackendOption) backend.Backend

	EngineOptions []engine.Option
}

type ProcessTesterOption func(*options)

func WithLogger(logger *slog.Logger) ProcessTesterOption {
	return func(o *options) {
		o.Logger = logger
	}
}

// WithBackend runs the tester against another backend. The factory receives
// the options wiring the tester clock and logger.
func WithBackend(factory func(opts ...backend.BackendOption) backend.Backend) ProcessTesterOption {
	return func(o *options) {
		o.Backend = factory
	}
}

func WithEngineOptions(opts ...engine.Option) ProcessTesterOption {
	return func(o *options) {
		o.EngineOptions = append(o.EngineOptions, opts...)
	}
}
