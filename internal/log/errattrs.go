package log

import (
	"errors"
	"fmt"
	"iter"
	"reflect"
	"runtime"
	"strings"

	"github.com/keithlinneman/gracefulshutdown/internal/xerrors"
)

// errorAttrs controls what Error attaches for its err argument.
type errorAttrs struct {
	links    bool
	maxLinks int
}

func (e errorAttrs) kv(err error) []any {
	surface, root := classifyTypes(err)
	kv := []any{"err", err, "error_type", surface, "cause_type", root}
	if chain := errorChain(err); len(chain) > 1 {
		kv = append(kv, "error_chain", chain)
	}
	if e.links {
		kv = append(kv, "error_links", chainLinks(err, e.maxLinks))
	}
	return kv
}

// hasPC is implemented by xerrors.Wrap results.
type hasPC interface {
	PC() uintptr
}

// errorChain lists the distinct messages down the Unwrap chain. A joined
// error contributes its members after its own message.
func errorChain(err error) []string {
	var out []string
	add := func(e error) {
		if msg := e.Error(); len(out) == 0 || out[len(out)-1] != msg {
			out = append(out, msg)
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e)
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			add(e)
		}
	}
	return out
}

// chainLinks describes up to max links of the chain. Links past the first
// are kept only when they carry a source location.
func chainLinks(err error, max int) []map[string]any {
	var links []map[string]any
	for depth, e := 0, err; e != nil && (max <= 0 || depth < max); depth, e = depth+1, errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		fr, ok := linkFrame(e)
		if ok {
			link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
		}
		if depth == 0 || ok {
			links = append(links, link)
		}
	}
	return links
}

func linkFrame(e error) (runtime.Frame, bool) {
	switch v := e.(type) {
	case hasPC:
		if pc := v.PC(); pc != 0 {
			fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
			return fr, true
		}
	case xerrors.StackTracer:
		for fr := range externalFrames(v.StackPCs()) {
			return fr, true
		}
	}
	return runtime.Frame{}, false
}

// internalFrame reports frames from the logging and error plumbing itself.
func internalFrame(fn string) bool {
	return strings.HasPrefix(fn, "log/slog.") ||
		strings.Contains(fn, "/internal/log.") ||
		strings.Contains(fn, "/internal/xerrors.")
}

// externalFrames yields frames starting at the first one outside the
// logging and error plumbing, stopping at the runtime.
func externalFrames(pcs []uintptr) iter.Seq[runtime.Frame] {
	return func(yield func(runtime.Frame) bool) {
		if len(pcs) == 0 {
			return
		}
		frames := runtime.CallersFrames(pcs)
		started := false
		for more := true; more; {
			var fr runtime.Frame
			fr, more = frames.Next()
			if strings.HasPrefix(fr.Function, "runtime.") {
				return
			}
			started = started || !internalFrame(fr.Function)
			if started && !yield(fr) {
				return
			}
		}
	}
}

func renderPCs(pcs []uintptr) string {
	var b strings.Builder
	for fr := range externalFrames(pcs) {
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
	}
	return strings.TrimSpace(b.String())
}

// classifyTypes returns the first type in the chain that is not a plain
// wrapper, and the type of the root cause.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	for e := err; e != nil && surface == ""; e = errors.Unwrap(e) {
		if !isWrapper(reflect.TypeOf(e)) {
			surface = reflect.TypeOf(e).String()
		}
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, fmt.Sprintf("%T", xerrors.Root(err))
}

func isWrapper(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return strings.Contains(t.PkgPath(), "/internal/xerrors") ||
		(t.PkgPath() == "fmt" && t.Name() == "wrapError")
}
