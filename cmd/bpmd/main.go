// Command bpmd hosts the process engine. It loads the process graphs from a
// directory and runs the job scheduler against the configured backend until
// it receives an interrupt.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cschleiden/go-bpm/backend"
	"github.com/cschleiden/go-bpm/backend/bolt"
	"github.com/cschleiden/go-bpm/backend/memory"
	"github.com/cschleiden/go-bpm/backend/sqlite"
	"github.com/cschleiden/go-bpm/config"
	"github.com/cschleiden/go-bpm/core"
	"github.com/cschleiden/go-bpm/engine"
	"github.com/cschleiden/go-bpm/events"
	"github.com/cschleiden/go-bpm/lock"
	"github.com/cschleiden/go-bpm/lock/redislock"
	"github.com/cschleiden/go-bpm/log"
	"github.com/cschleiden/go-bpm/process"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", "bpmd.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("bpmd stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(c config.LogConfig) *slog.Logger {
	ho := &slog.HandlerOptions{Level: c.SlogLevel()}

	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, ho))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, ho))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) (err error) {
	tp, shutdown, err := newTracerProvider(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, shutdown(context.Background()))
	}()

	b, err := newBackend(cfg.Backend,
		backend.WithLogger(logger),
		backend.WithTracerProvider(tp),
		backend.WithJobLeaseTimeout(cfg.Backend.JobLeaseTimeout),
	)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, b.Close())
	}()

	locks, closeLocks := newLockManager(cfg.Lock, logger)
	defer func() {
		err = multierr.Append(err, closeLocks())
	}()

	eval := process.NewEvaluator()
	provider := process.NewCachingProvider(
		process.NewDirProvider(cfg.Processes, eval),
		b.Options().Metrics,
		cfg.Cache.Size,
		cfg.Cache.TTL,
	)

	opts := append(cfg.EngineOptions(),
		engine.WithEvaluator(eval),
		engine.WithLockManager(locks),
		engine.WithMessageExchange(logExchange(logger)),
		engine.WithSink(events.NewLogSink(logger, slog.LevelDebug)),
	)

	e := engine.New(b, provider, opts...)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		provider.StartEviction(ctx)
		return nil
	})

	g.Go(func() error {
		if err := e.Start(ctx); err != nil {
			return err
		}

		logger.InfoContext(ctx, "bpmd started", "backend", cfg.Backend.Type, "lock", cfg.Lock.Type)

		<-ctx.Done()

		return e.WaitForCompletion()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("bpmd stopped")

	return nil
}

func newBackend(c config.BackendConfig, opts ...backend.BackendOption) (backend.Backend, error) {
	switch c.Type {
	case "memory":
		return memory.NewMemoryBackend(opts...), nil
	case "sqlite":
		return sqlite.NewSqliteBackend(c.Path, sqlite.WithBackendOptions(opts...)), nil
	case "bolt":
		return bolt.NewBoltBackend(c.Path, opts...)
	}

	return nil, fmt.Errorf("unknown backend type %q", c.Type)
}

func newLockManager(c config.LockConfig, logger *slog.Logger) (lock.Manager, func() error) {
	if c.Type != "redis" {
		return lock.NewLocalManager(nil), func() error { return nil }
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
	})

	m := redislock.NewRedisLockManager(rdb,
		redislock.WithExpiration(c.Expiration),
		redislock.WithLogger(logger),
	)

	return m, rdb.Close
}

func newTracerProvider(c config.TracingConfig) (trace.TracerProvider, func(context.Context) error, error) {
	if !c.Enabled {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	var eo []stdouttrace.Option
	if c.Pretty {
		eo = append(eo, stdouttrace.WithPrettyPrint())
	}

	exp, err := stdouttrace.New(eo...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	r := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("bpmd"),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(r),
	)

	otel.SetTracerProvider(tp)

	return tp, tp.Shutdown, nil
}

// logExchange stands in for partner bindings. Invocations fail, so the
// invoking activity enters recovery, and replies are only logged.
func logExchange(logger *slog.Logger) engine.MessageExchange {
	return &engine.ExchangeFuncs{
		InvokeFunc: func(ctx context.Context, inv *core.Invocation) error {
			logger.WarnContext(ctx, "no binding for invocation",
				log.InstanceIDKey, inv.InstanceID,
				log.PartnerLinkKey, inv.PartnerLink,
				log.OperationKey, inv.Operation,
			)

			return engine.ErrNoExchange
		},
		ReplyFunc: func(ctx context.Context, r *core.Reply) error {
			logger.InfoContext(ctx, "reply",
				log.InstanceIDKey, r.InstanceID,
				log.PartnerLinkKey, r.PartnerLink,
				log.OperationKey, r.Operation,
				log.MessageExchangeKey, r.MexID,
				log.FaultKey, r.Fault,
			)

			return nil
		},
	}
}
