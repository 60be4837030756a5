// Package app is the hosting runtime: it owns the readiness registry, the
// application properties, and every resource that must be released on
// shutdown. Close is the teardown callback handed to the shutdown
// coordinator.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/keithlinneman/gracefulshutdown/internal/cfg"
	"github.com/keithlinneman/gracefulshutdown/internal/health"
	"github.com/keithlinneman/gracefulshutdown/internal/log"
	"github.com/keithlinneman/gracefulshutdown/internal/readiness"
	"github.com/keithlinneman/gracefulshutdown/internal/xerrors"
)

// HealthCheckKey is the registry key of the built-in health-style reporter.
const HealthCheckKey = "gracefulShutdownHealthCheck"

var (
	ErrAlreadyStarted = errors.New("app already started")
	ErrClosed         = errors.New("app closed")
)

type Options struct {
	Name   string
	Logger log.Logger

	// Properties is the application configuration chain.
	Properties cfg.Source

	// DefaultHealthCheck registers a health.ShutdownCheck under HealthCheckKey.
	DefaultHealthCheck bool
	// HealthCheckOptions are passed to the built-in check's tracker.
	HealthCheckOptions []readiness.TrackerOption

	// Signals watched by the built-in shutdown hook. Defaults to SIGTERM and SIGINT.
	Signals []os.Signal

	// NotifySystemd sends READY=1 / STOPPING=1 when started under systemd.
	NotifySystemd bool
}

type closer struct {
	name string
	fn   func(context.Context) error
}

type App struct {
	L        log.Logger
	name     string
	props    cfg.Source
	registry *readiness.Registry
	signals  []os.Signal
	sdnotify bool

	healthCheck *health.ShutdownCheck

	mu         sync.Mutex
	closers    []closer
	indicators map[string]health.Indicator

	registerHook atomic.Bool
	started      atomic.Bool

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func New(opts Options) *App {
	L := log.OrNop(opts.Logger)
	if opts.Name == "" {
		opts.Name = "app"
	}
	if opts.Properties == nil {
		opts.Properties = cfg.MapSource{}
	}
	if len(opts.Signals) == 0 {
		opts.Signals = []os.Signal{syscall.SIGTERM, os.Interrupt}
	}

	a := &App{
		L:          L,
		name:       opts.Name,
		props:      opts.Properties,
		registry:   readiness.NewRegistry(L),
		signals:    opts.Signals,
		sdnotify:   opts.NotifySystemd,
		indicators: make(map[string]health.Indicator),
		done:       make(chan struct{}),
	}
	a.registerHook.Store(true)

	if opts.DefaultHealthCheck {
		a.healthCheck = health.NewShutdownCheck(L, opts.HealthCheckOptions...)
		a.registry.Register(HealthCheckKey, a.healthCheck)
		a.indicators[HealthCheckKey] = a.healthCheck
	}
	return a
}

func (a *App) Name() string                       { return a.name }
func (a *App) Registry() *readiness.Registry      { return a.registry }
func (a *App) Properties() cfg.Source             { return a.props }
func (a *App) HealthCheck() *health.ShutdownCheck { return a.healthCheck }

// Done is closed once Close has finished.
func (a *App) Done() <-chan struct{} { return a.done }

// AddIndicator exposes ind under name on the aggregated health endpoint.
func (a *App) AddIndicator(name string, ind health.Indicator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.indicators[name] = ind
}

// Indicators returns a copy of the registered health indicators.
func (a *App) Indicators() map[string]health.Indicator {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]health.Indicator, len(a.indicators))
	for k, v := range a.indicators {
		out[k] = v
	}
	return out
}

// OnClose registers a managed resource. Close releases resources in reverse
// registration order.
func (a *App) OnClose(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// SetRegisterShutdownHook controls whether Start installs the built-in
// signal watcher. Must be called before Start.
func (a *App) SetRegisterShutdownHook(v bool) { a.registerHook.Store(v) }

func (a *App) RegisterShutdownHook() bool { return a.registerHook.Load() }

// Start marks the application running. With the shutdown hook enabled it
// also closes the app immediately on the first watched signal, with no
// readiness drain.
func (a *App) Start(ctx context.Context) error {
	select {
	case <-a.done:
		return ErrClosed
	default:
	}
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if a.registerHook.Load() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, a.signals...)
		go func() {
			defer signal.Stop(ch)
			select {
			case sig := <-ch:
				a.L.Info(ctx, "shutdown hook closing application", "signal", sig.String())
				if err := a.Close(context.WithoutCancel(ctx)); err != nil {
					a.L.Error(ctx, err, "shutdown hook close failed")
				}
			case <-a.done:
			}
		}()
		a.L.Debug(ctx, "built-in shutdown hook installed")
	}

	if a.sdnotify {
		if err := notifySystemd("READY=1"); err != nil {
			// worst case systemd kills the process after its start timeout
			a.L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
		}
	}
	a.L.Info(ctx, "application started", "app", a.name, "reporters", a.registry.Len())
	return nil
}

// Close releases every managed resource once, in reverse registration order,
// and joins their errors. Later calls return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		defer close(a.done)

		if a.sdnotify {
			_ = notifySystemd("STOPPING=1")
		}

		a.mu.Lock()
		closers := make([]closer, len(a.closers))
		copy(closers, a.closers)
		a.mu.Unlock()

		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			c := closers[i]
			a.L.Debug(ctx, "closing resource", "resource", c.name)
			if err := c.fn(ctx); err != nil {
				a.L.Error(ctx, err, "resource close failed", "resource", c.name)
				errs = append(errs, xerrors.Wrapf(err, "close %s", c.name))
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
