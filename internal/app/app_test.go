package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/keithlinneman/gracefulshutdown/internal/cfg"
	"github.com/keithlinneman/gracefulshutdown/internal/health"
	"github.com/keithlinneman/gracefulshutdown/internal/readiness"
)

func TestNew_Defaults(t *testing.T) {
	a := New(Options{})
	if a.Name() != "app" {
		t.Fatalf("name = %q", a.Name())
	}
	if a.Registry() == nil || a.Properties() == nil {
		t.Fatal("registry and properties must be set")
	}
	if !a.RegisterShutdownHook() {
		t.Fatal("shutdown hook is enabled by default")
	}
	if a.HealthCheck() != nil || a.Registry().Len() != 0 {
		t.Fatal("no health check unless requested")
	}
}

func TestNew_DefaultHealthCheck(t *testing.T) {
	a := New(Options{DefaultHealthCheck: true})

	regs := a.Registry().DiscoverAll()
	if len(regs) != 1 || regs[0].Key != HealthCheckKey {
		t.Fatalf("registrations = %+v", regs)
	}
	if regs[0].Reporter != readiness.Reporter(a.HealthCheck()) {
		t.Fatal("registered reporter should be the app's health check")
	}
	if _, ok := a.Indicators()[HealthCheckKey]; !ok {
		t.Fatal("health check should be exposed as an indicator")
	}
}

func TestIndicators_Copy(t *testing.T) {
	a := New(Options{})
	a.AddIndicator("disk", health.NewShutdownCheck(nil))
	m := a.Indicators()
	delete(m, "disk")
	if _, ok := a.Indicators()["disk"]; !ok {
		t.Fatal("Indicators must return a copy")
	}
}

func TestProperties_Passthrough(t *testing.T) {
	a := New(Options{Properties: cfg.MapSource{"k": "v"}})
	v, ok, err := a.Properties().Lookup(context.Background(), "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("got %q %v %v", v, ok, err)
	}
}

func TestClose_ReverseOrderAndOnce(t *testing.T) {
	a := New(Options{})
	var order []string
	for _, name := range []string{"db", "http", "grpc"} {
		a.OnClose(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	a.OnClose("nil", nil)

	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if strings.Join(order, ",") != "grpc,http,db" {
		t.Fatalf("order = %v", order)
	}

	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if len(order) != 3 {
		t.Fatal("resources must be closed once")
	}

	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}
}

func TestClose_JoinsErrorsAndContinues(t *testing.T) {
	a := New(Options{})
	e1, e2 := errors.New("db close"), errors.New("http close")
	var closedLast bool
	a.OnClose("last", func(context.Context) error {
		closedLast = true
		return nil
	})
	a.OnClose("db", func(context.Context) error { return e1 })
	a.OnClose("http", func(context.Context) error { return e2 })

	err := a.Close(context.Background())
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Fatalf("err = %v, want both errors joined", err)
	}
	if !closedLast {
		t.Fatal("a failing resource must not stop the rest")
	}
	if again := a.Close(context.Background()); !errors.Is(again, e1) {
		t.Fatalf("later Close should return the first result, got %v", again)
	}
}

func TestClose_ConcurrentCallersWait(t *testing.T) {
	a := New(Options{})
	release := make(chan struct{})
	a.OnClose("slow", func(context.Context) error {
		<-release
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Close(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
}

func TestStart_Twice(t *testing.T) {
	a := New(Options{})
	a.SetRegisterShutdownHook(false)
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("err = %v, want ErrAlreadyStarted", err)
	}
}

func TestStart_AfterClose(t *testing.T) {
	a := New(Options{})
	_ = a.Close(context.Background())
	if err := a.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestShutdownHook_ClosesOnSignal(t *testing.T) {
	a := New(Options{Signals: []os.Signal{syscall.SIGUSR1}, DefaultHealthCheck: true})
	closed := make(chan struct{})
	a.OnClose("marker", func(context.Context) error {
		close(closed)
		return nil
	})

	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatal(err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("built-in hook should close the app on signal")
	}
	// the built-in hook skips the drain entirely
	if !a.HealthCheck().Ready() {
		t.Fatal("built-in hook must not touch readiness")
	}
}

func TestShutdownHook_Disabled(t *testing.T) {
	a := New(Options{Signals: []os.Signal{syscall.SIGUSR2}})
	a.SetRegisterShutdownHook(false)
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// keep SIGUSR2 from killing the test binary
	guard := make(chan os.Signal, 1)
	signal.Notify(guard, syscall.SIGUSR2)
	defer signal.Stop(guard)

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR2); err != nil {
		t.Fatal(err)
	}
	select {
	case <-guard:
	case <-time.After(2 * time.Second):
		t.Fatal("signal not delivered")
	}

	select {
	case <-a.Done():
		t.Fatal("app must not close when the hook is disabled")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNew_HealthCheckOptions(t *testing.T) {
	var seen []bool
	a := New(Options{
		DefaultHealthCheck: true,
		HealthCheckOptions: []readiness.TrackerOption{
			readiness.WithOnChange(func(_ string, s readiness.State) { seen = append(seen, s.Ready) }),
		},
	})
	a.HealthCheck().SetReady(false)
	if len(seen) != 1 || seen[0] {
		t.Fatalf("onChange calls = %v", seen)
	}
}
