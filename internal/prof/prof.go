// Package prof pushes continuous profiles to a Pyroscope server for the
// lifetime of the process.
package prof

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/gracefulshutdown/internal/log"
	"github.com/keithlinneman/gracefulshutdown/internal/xerrors"
)

// Profiles is what gets pushed. The mutex and block profiles stay empty
// unless MutexFraction and BlockRate are set.
var Profiles = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string
	MutexFraction int
	BlockRate     int
}

// StopFunc flushes pending profiles and stops the profiler. Only the first
// call does anything.
type StopFunc func(context.Context) error

func noopStop(context.Context) error { return nil }

func (o Options) config(L log.Logger) (pyroscope.Config, error) {
	u, err := url.Parse(o.ServerAddress)
	if o.ServerAddress == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return pyroscope.Config{}, xerrors.Newf("pyroscope server address %q is not an absolute URL", o.ServerAddress)
	}
	return pyroscope.Config{
		ApplicationName: o.AppName,
		ServerAddress:   o.ServerAddress,
		TenantID:        o.TenantID,
		Tags:            o.Tags,
		ProfileTypes:    Profiles,
		Logger:          pyroLogger{L: L.With("profiler", "pyroscope")},
	}, nil
}

// Start begins continuous profiling. The stop func is never nil so callers
// can register it as a close hook whether or not Start failed.
func Start(ctx context.Context, opts Options) (StopFunc, error) {
	L := log.FromContext(ctx)
	if !opts.Enabled {
		L.Debug(ctx, "pyroscope disabled")
		return noopStop, nil
	}

	cfg, err := opts.config(L)
	if err != nil {
		return noopStop, err
	}

	prevMutex, prevBlock := -1, 0
	if opts.MutexFraction > 0 {
		prevMutex = runtime.SetMutexProfileFraction(opts.MutexFraction)
	}
	if opts.BlockRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockRate)
	}
	restore := func() {
		if prevMutex >= 0 {
			runtime.SetMutexProfileFraction(prevMutex)
		}
		if opts.BlockRate > 0 {
			runtime.SetBlockProfileRate(prevBlock)
		}
	}

	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		restore()
		return noopStop, xerrors.Wrap(err, "pyroscope start")
	}
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)

	var (
		once    sync.Once
		stopErr error
	)
	return func(sctx context.Context) error {
		once.Do(func() {
			stopErr = profiler.Stop()
			restore()
			L.Info(sctx, "pyroscope stopped", "server_address", opts.ServerAddress)
		})
		return stopErr
	}, nil
}

// pyroLogger routes the profiler's own messages into the structured log.
type pyroLogger struct{ L log.Logger }

func (p pyroLogger) Infof(format string, args ...any) {
	p.L.Info(context.Background(), fmt.Sprintf(format, args...))
}

func (p pyroLogger) Debugf(format string, args ...any) {
	p.L.Debug(context.Background(), fmt.Sprintf(format, args...))
}

func (p pyroLogger) Errorf(format string, args ...any) {
	p.L.Error(context.Background(), xerrors.Newf(format, args...), "pyroscope")
}
