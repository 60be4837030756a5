package log

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/keithlinneman/gracefulshutdown/internal/xerrors"
)

type reporterErr struct{ name string }

func (e *reporterErr) Error() string { return "reporter " + e.name + " failed" }

func TestErrorChain(t *testing.T) {
	a, b := errors.New("a"), errors.New("b")
	tests := []struct {
		name string
		err  error
		want []string
	}{
		{"single", a, []string{"a"}},
		{"fmt wrap", fmt.Errorf("drain: %w", a), []string{"drain: a", "a"}},
		{"stack keeps message", xerrors.WithStack(a), []string{"a"}},
		{"joined", errors.Join(a, b), []string{"a\nb", "a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorChain(tt.err); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("errorChain = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChainLinks(t *testing.T) {
	root := errors.New("root")
	err := xerrors.Wrap(xerrors.Wrap(xerrors.Wrap(root, "a"), "b"), "c")

	if got := chainLinks(err, 2); len(got) != 2 {
		t.Fatalf("capped links = %d, want 2", len(got))
	}
	// the bare root has no location and is dropped
	all := chainLinks(err, 0)
	if len(all) != 3 {
		t.Fatalf("links = %v", all)
	}
	for _, l := range all {
		if l["func"] == nil || l["line"] == nil {
			t.Fatalf("link without location: %v", l)
		}
	}
	// the first link is always kept
	if got := chainLinks(root, 5); len(got) != 1 || got[0]["msg"] != "root" {
		t.Fatalf("root-only links = %v", got)
	}
}

func TestLinkFrame(t *testing.T) {
	if _, ok := linkFrame(errors.New("plain")); ok {
		t.Fatal("plain error resolved a frame")
	}
	fr, ok := linkFrame(xerrors.New("with stack"))
	if !ok || fr.Function == "" {
		t.Fatalf("stack error frame = %+v, %v", fr, ok)
	}
}

func TestClassifyTypes(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		surface, root string
	}{
		{"nil", nil, "", ""},
		{"wrappers skipped", xerrors.Wrap(fmt.Errorf("x: %w", &reporterErr{"grpc"}), "y"), "*log.reporterErr", "*log.reporterErr"},
		{"only wrappers", xerrors.New("boom"), "*errors.errorString", "*errors.errorString"},
		{"joined", errors.Join(&reporterErr{"rest"}), "*errors.joinError", "*errors.joinError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, r := classifyTypes(tt.err)
			if s != tt.surface || r != tt.root {
				t.Fatalf("classifyTypes = %q, %q; want %q, %q", s, r, tt.surface, tt.root)
			}
		})
	}
}

func TestRenderPCs(t *testing.T) {
	if renderPCs(nil) != "" {
		t.Fatal("renderPCs(nil) should be empty")
	}
	var n int
	for range externalFrames(xerrors.StackOf(xerrors.New("x"))) {
		n++
	}
	if n == 0 {
		t.Fatal("no external frames in a captured stack")
	}
}
