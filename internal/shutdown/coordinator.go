// Package shutdown runs the one-shot graceful shutdown sequence: mark every
// readiness reporter not ready, wait out the grace period so the orchestrator
// stops routing traffic, then tear the application down.
package shutdown

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/gracefulshutdown/internal/cfg"
	"github.com/keithlinneman/gracefulshutdown/internal/log"
	"github.com/keithlinneman/gracefulshutdown/internal/readiness"
	"github.com/keithlinneman/gracefulshutdown/internal/xerrors"
)

const tracerName = "github.com/keithlinneman/gracefulshutdown/internal/shutdown"

var (
	// ErrAlreadyStarted is returned by every Run after the first.
	ErrAlreadyStarted = errors.New("shutdown already started")

	// ErrNoReporters is logged, never returned: shutdown proceeds without
	// anything to flip.
	ErrNoReporters = errors.New("no readiness reporters registered")
)

// Observer receives shutdown progress, e.g. for metrics. All methods must be
// cheap and must not block.
type Observer interface {
	ShutdownPhase(p Phase)
	ReportersNotified(n int)
	DrainCompleted(waited time.Duration, interrupted bool)
	TeardownFailed()
}

type nopObserver struct{}

func (nopObserver) ShutdownPhase(Phase)                {}
func (nopObserver) ReportersNotified(int)              {}
func (nopObserver) DrainCompleted(time.Duration, bool) {}
func (nopObserver) TeardownFailed()                    {}

type Options struct {
	Logger   log.Logger
	Registry *readiness.Registry

	// Teardown closes the application. Required.
	Teardown func(context.Context) error

	// WaitSeconds, when set, wins over every property source.
	WaitSeconds *int
	// Override is the process-level override source (-D properties).
	Override cfg.Source
	// Properties is the application configuration chain.
	Properties cfg.Source

	Observer Observer
}

// Report describes one completed shutdown run.
type Report struct {
	Notified    []string
	Wait        time.Duration
	Waited      time.Duration
	Interrupted bool
	TornDown    bool
}

type Coordinator struct {
	L        log.Logger
	registry *readiness.Registry
	teardown func(context.Context) error
	observer Observer
	tracer   trace.Tracer

	waitSeconds int
	wait        time.Duration

	started atomic.Bool
	phase   atomic.Int32
}

// New resolves the grace period and returns a coordinator in the Running
// phase. A malformed grace period is returned as an error wrapping
// ErrInvalidWaitSeconds.
func New(ctx context.Context, opts Options) (*Coordinator, error) {
	if opts.Teardown == nil {
		return nil, xerrors.New("shutdown: Teardown is required")
	}
	L := log.OrNop(opts.Logger)
	if opts.Registry == nil {
		opts.Registry = readiness.NewRegistry(L)
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	secs, from, err := ResolveWaitSeconds(ctx, opts.WaitSeconds, opts.Override, opts.Properties)
	if err != nil {
		return nil, err
	}
	L.Info(ctx, "graceful shutdown configured", "wait_seconds", secs, "source", from)

	return &Coordinator{
		L:           L,
		registry:    opts.Registry,
		teardown:    opts.Teardown,
		observer:    opts.Observer,
		tracer:      otel.Tracer(tracerName),
		waitSeconds: secs,
		wait:        time.Duration(secs) * time.Second,
	}, nil
}

func (c *Coordinator) WaitSeconds() int { return c.waitSeconds }

func (c *Coordinator) Phase() Phase { return Phase(c.phase.Load()) }

func (c *Coordinator) setPhase(p Phase) {
	c.phase.Store(int32(p))
	c.observer.ShutdownPhase(p)
}

// Run executes the sequence once. Cancelling ctx interrupts the grace wait
// and moves straight to teardown; it never aborts shutdown. Teardown runs on
// a context detached from ctx and its error is returned unretried.
func (c *Coordinator) Run(ctx context.Context) (Report, error) {
	if !c.started.CompareAndSwap(false, true) {
		return Report{}, ErrAlreadyStarted
	}

	ctx, span := c.tracer.Start(ctx, "shutdown.run",
		trace.WithAttributes(attribute.Int("shutdown.wait_seconds", c.waitSeconds)))
	defer span.End()

	rep := Report{Wait: c.wait}
	rep.Notified = c.drain(ctx)
	rep.Waited, rep.Interrupted = c.graceWait(ctx)

	err := c.terminate(context.WithoutCancel(ctx))
	rep.TornDown = true
	c.setPhase(Closed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "teardown failed")
	}
	return rep, err
}

// drain marks every registered reporter not ready. It returns only after all
// of them have been told.
func (c *Coordinator) drain(ctx context.Context) []string {
	ctx, span := c.tracer.Start(ctx, "shutdown.drain")
	defer span.End()
	c.setPhase(Draining)

	regs := c.registry.DiscoverAll()
	switch {
	case len(regs) == 0:
		c.L.Error(ctx, ErrNoReporters, "no readiness reporters registered, orchestrator will only notice shutdown when the process exits")
	case len(regs) > 1:
		c.L.Warn(ctx, "multiple readiness reporters registered, notifying all", "count", len(regs))
	}

	c.L.Info(ctx, "setting readiness to false", "reporters", len(regs))
	keys := readiness.SetAll(ctx, c.L, regs, false)
	c.observer.ReportersNotified(len(keys))
	span.SetAttributes(
		attribute.Int("shutdown.reporters", len(keys)),
		attribute.StringSlice("shutdown.reporter_keys", keys),
	)
	return keys
}

// graceWait blocks for the full grace period unless ctx is cancelled first.
func (c *Coordinator) graceWait(ctx context.Context) (waited time.Duration, interrupted bool) {
	ctx, span := c.tracer.Start(ctx, "shutdown.wait")
	defer span.End()

	c.L.Info(ctx, "waiting before teardown", "wait_seconds", c.waitSeconds)
	start := time.Now()

	timer := time.NewTimer(c.wait)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		interrupted = true
		c.L.Error(ctx, context.Cause(ctx), "grace wait interrupted, proceeding to teardown",
			"waited", time.Since(start).String(),
			"wait_seconds", c.waitSeconds,
		)
	}

	waited = time.Since(start)
	span.SetAttributes(attribute.Bool("shutdown.interrupted", interrupted))
	c.observer.DrainCompleted(waited, interrupted)
	return waited, interrupted
}

func (c *Coordinator) terminate(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "shutdown.teardown")
	defer span.End()
	c.setPhase(Terminating)

	c.L.Info(ctx, "application context starting to shut down")
	if err := c.teardown(ctx); err != nil {
		c.observer.TeardownFailed()
		span.RecordError(err)
		span.SetStatus(codes.Error, "teardown failed")
		return xerrors.Wrap(err, "teardown")
	}
	c.L.Info(ctx, "application context is shut down")
	return nil
}
