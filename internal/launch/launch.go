// Package launch starts the application and installs the graceful shutdown
// coordinator as the only termination handler.
package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/keithlinneman/gracefulshutdown/internal/app"
	"github.com/keithlinneman/gracefulshutdown/internal/log"
	"github.com/keithlinneman/gracefulshutdown/internal/shutdown"
	"github.com/keithlinneman/gracefulshutdown/internal/xerrors"
)

// ErrSecondSignal is the cancel cause seen by the coordinator when a signal
// arrives mid-shutdown.
var ErrSecondSignal = errors.New("second termination signal")

// EntryFunc builds the application: servers, reporters, OnClose resources.
type EntryFunc func(ctx context.Context, a *app.App, args []string) error

type Options struct {
	App   *app.App
	Entry EntryFunc
	Args  []string

	// Signals that trigger shutdown. Defaults to SIGTERM and SIGINT.
	Signals []os.Signal

	// Shutdown configures the coordinator. Registry and Teardown are always
	// taken from App; Properties defaults to App.Properties().
	Shutdown shutdown.Options

	Logger log.Logger

	// Started, when set, is called once the coordinator is installed.
	Started func(c *shutdown.Coordinator)
}

// Run starts the application and blocks until it has been shut down. The
// first watched signal, or cancellation of ctx, runs the coordinator on its
// own goroutine. A further signal during the run interrupts the grace wait;
// it never restarts the sequence. The coordinator's teardown error is
// returned.
func Run(ctx context.Context, opts Options) error {
	if opts.App == nil {
		return xerrors.New("launch: App is required")
	}
	a := opts.App
	L := log.OrNop(opts.Logger)
	if len(opts.Signals) == 0 {
		opts.Signals = []os.Signal{syscall.SIGTERM, os.Interrupt}
	}

	// exactly one shutdown path: ours
	a.SetRegisterShutdownHook(false)

	if opts.Entry != nil {
		if err := opts.Entry(ctx, a, opts.Args); err != nil {
			closeQuietly(ctx, L, a)
			return xerrors.Wrap(err, "application entry")
		}
	}
	if err := a.Start(ctx); err != nil {
		closeQuietly(ctx, L, a)
		return xerrors.Wrap(err, "start application")
	}

	so := opts.Shutdown
	so.Registry = a.Registry()
	so.Teardown = a.Close
	if so.Properties == nil {
		so.Properties = a.Properties()
	}
	if so.Logger == nil {
		so.Logger = L
	}
	coord, err := shutdown.New(ctx, so)
	if err != nil {
		L.Error(ctx, err, "invalid graceful shutdown configuration")
		closeQuietly(ctx, L, a)
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, opts.Signals...)
	defer signal.Stop(sigCh)

	L.Info(ctx, "graceful shutdown handler installed",
		"wait_seconds", coord.WaitSeconds(),
		"reporters", a.Registry().Len(),
	)
	if opts.Started != nil {
		opts.Started(coord)
	}

	select {
	case sig := <-sigCh:
		L.Info(ctx, "termination signal received", "signal", sig.String())
	case <-ctx.Done():
		L.Info(ctx, "context cancelled, starting graceful shutdown")
	case <-a.Done():
		// closed from inside the application, nothing left to drain
		L.Warn(ctx, "application closed without a shutdown signal")
		return nil
	}

	// the run must outlive ctx, only a second signal may cut the wait short
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)

	type result struct {
		rep shutdown.Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := coord.Run(runCtx)
		done <- result{rep: rep, err: err}
	}()

	for {
		select {
		case sig := <-sigCh:
			L.Warn(ctx, "signal received during shutdown, interrupting grace wait", "signal", sig.String())
			cancel(fmt.Errorf("%w: %s", ErrSecondSignal, sig))
		case r := <-done:
			L.Info(ctx, "shutdown complete",
				"notified", r.rep.Notified,
				"waited", r.rep.Waited.String(),
				"interrupted", r.rep.Interrupted,
			)
			return r.err
		}
	}
}

func closeQuietly(ctx context.Context, L log.Logger, a *app.App) {
	if err := a.Close(context.WithoutCancel(ctx)); err != nil {
		L.Error(ctx, err, "close after failed launch")
	}
}
