// Package grpcserver runs the gRPC listener and exposes readiness through the
// standard grpc.health.v1 service, so gRPC-aware load balancers drain the
// instance the same way HTTP probes do.
package grpcserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/keithlinneman/gracefulshutdown/internal/log"
	"github.com/keithlinneman/gracefulshutdown/internal/xerrors"
)

const (
	DefaultPort        = 9090
	DefaultStopTimeout = 5 * time.Second
)

type Options struct {
	Port             int
	EnableReflection bool
	StopTimeout      time.Duration
	ServerOptions    []grpc.ServerOption
}

type Server struct {
	L      log.Logger
	opts   Options
	grpc   *grpc.Server
	health *health.Server
}

// New builds the server and registers the health service. Callers register
// their own services on GRPC() before Start.
func New(L log.Logger, opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}

	so := append([]grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              2 * time.Hour,
			Timeout:           20 * time.Second,
		}),
	}, opts.ServerOptions...)

	srv := grpc.NewServer(so...)
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	if opts.EnableReflection {
		reflection.Register(srv)
	}

	return &Server{L: log.OrNop(L), opts: opts, grpc: srv, health: hs}
}

func (s *Server) GRPC() *grpc.Server { return s.grpc }

func (s *Server) Health() *health.Server { return s.health }

// Start listens on the configured port and serves in the background.
// Returns stop(ctx) for graceful shutdown.
func (s *Server) Start(ctx context.Context) (func(context.Context) error, error) {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for grpc on addr=%v", addr)
	}
	return s.Serve(ctx, ln), nil
}

// Serve serves on ln in the background and returns stop(ctx).
func (s *Server) Serve(ctx context.Context, ln net.Listener) func(context.Context) error {
	go func() {
		s.L.Info(ctx, "grpc server listening", "addr", ln.Addr().String())
		if err := s.grpc.Serve(ln); err != nil && err != grpc.ErrServerStopped {
			s.L.Error(ctx, err, "grpc server error")
		}
	}()

	var once sync.Once
	return func(sctx context.Context) (retErr error) {
		once.Do(func() {
			s.L.Info(sctx, "grpc server shutting down")
			s.health.Shutdown()

			c, cancel := context.WithTimeout(sctx, s.opts.StopTimeout)
			defer cancel()

			done := make(chan struct{})
			go func() {
				s.grpc.GracefulStop()
				close(done)
			}()
			select {
			case <-done:
			case <-c.Done():
				s.grpc.Stop()
				retErr = xerrors.Wrap(c.Err(), "grpc graceful stop timed out")
			}
		})
		return retErr
	}
}
