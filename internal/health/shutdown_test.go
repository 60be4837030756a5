package health

import (
	"context"
	"sync"
	"testing"

	"github.com/keithlinneman/gracefulshutdown/internal/readiness"
)

func TestShutdownCheck_Lifecycle(t *testing.T) {
	c := NewShutdownCheck(nil)
	p := c.Probe()

	steps := []struct {
		ready      bool
		wantStatus string
		wantDetail string
	}{
		{true, StatusUp, readiness.DefaultReadyDetail},
		{false, StatusDown, readiness.DefaultNotReadyDetail},
		{false, StatusDown, readiness.DefaultNotReadyDetail},
		{true, StatusUp, readiness.DefaultReadyDetail},
	}
	for i, st := range steps {
		if i > 0 {
			c.SetReady(st.ready)
		}
		h := c.Health()
		if h.Status != st.wantStatus || h.Details[DetailKey] != st.wantDetail {
			t.Fatalf("step %d: health = %+v", i, h)
		}
		want := ""
		if !st.ready {
			want = st.wantDetail
		}
		if got := checkErr(p); got != want {
			t.Fatalf("step %d: probe = %q, want %q", i, got, want)
		}
	}
}

func TestShutdownCheck_TrackerOptions(t *testing.T) {
	var changes []readiness.State
	c := NewShutdownCheck(nil,
		readiness.WithDetails("accepting", "refusing"),
		readiness.WithOnChange(func(_ string, s readiness.State) { changes = append(changes, s) }),
	)
	c.SetReady(false)

	if c.Name() != "health" {
		t.Fatalf("name = %q", c.Name())
	}
	if len(changes) != 1 || changes[0].Detail != "refusing" {
		t.Fatalf("changes = %+v", changes)
	}
	if got := c.Health().Details[DetailKey]; got != "refusing" {
		t.Fatalf("detail = %v", got)
	}
}

func TestShutdownCheck_ConcurrentAccess(t *testing.T) {
	c := NewShutdownCheck(nil)
	p := c.Probe()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(2)
		go func(ready bool) {
			defer wg.Done()
			c.SetReady(ready)
		}(i%2 == 0)
		go func() {
			defer wg.Done()
			_ = p.Check(context.Background())
			_ = c.Health()
		}()
	}
	wg.Wait()
}

func TestReporterIndicator(t *testing.T) {
	tr := readiness.NewTracker("grpc")
	ind := ReporterIndicator(tr)
	if h := ind.Health(); h.Status != StatusUp || h.Details[DetailKey] != readiness.DefaultReadyDetail {
		t.Fatalf("health = %+v", h)
	}
	tr.SetReady(false)
	if h := ind.Health(); h.Status != StatusDown || h.Details[DetailKey] != readiness.DefaultNotReadyDetail {
		t.Fatalf("health = %+v", h)
	}
}
