// Package xerrors records where an error was made or passed along.
//
// Errors from New, Newf, WithStack and EnsureTrace carry a call stack; Wrap
// and Wrapf add a message plus the single frame that added it. Both unwrap to
// the original error, so errors.Is and errors.As see through them. The logger
// turns these locations into error_links and stack attributes.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// StackTracer is implemented by errors carrying captured program counters.
type StackTracer interface {
	StackPCs() []uintptr
}

type stacked struct {
	error
	pcs []uintptr
}

func (s *stacked) Unwrap() error       { return s.error }
func (s *stacked) StackPCs() []uintptr { return s.pcs }

type annotated struct {
	cause error
	msg   string
	pc    uintptr
}

func (a *annotated) Error() string { return a.msg + ": " + a.cause.Error() }
func (a *annotated) Unwrap() error { return a.cause }
func (a *annotated) PC() uintptr   { return a.pc }

// callers must be called directly from an exported function; the returned
// stack starts at that function's caller.
func callers(depth int) []uintptr {
	pcs := make([]uintptr, depth)
	return pcs[:runtime.Callers(3, pcs)]
}

func firstPC(pcs []uintptr) uintptr {
	if len(pcs) == 0 {
		return 0
	}
	return pcs[0]
}

func New(msg string) error {
	return &stacked{errors.New(msg), callers(maxStackDepth)}
}

func Newf(format string, args ...any) error {
	return &stacked{fmt.Errorf(format, args...), callers(maxStackDepth)}
}

// WithStack attaches the current stack to err. nil stays nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{err, callers(maxStackDepth)}
}

// EnsureTrace is WithStack unless something in the chain already has a stack.
func EnsureTrace(err error) error {
	if err == nil || StackOf(err) != nil {
		return err
	}
	return &stacked{err, callers(maxStackDepth)}
}

// Wrap prefixes err with msg and records the caller. nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{cause: err, msg: msg, pc: firstPC(callers(1))}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{cause: err, msg: fmt.Sprintf(format, args...), pc: firstPC(callers(1))}
}

// StackOf returns the outermost captured stack in the chain, or nil.
func StackOf(err error) []uintptr {
	var st StackTracer
	if !errors.As(err, &st) {
		return nil
	}
	if pcs := st.StackPCs(); len(pcs) > 0 {
		return pcs
	}
	return nil
}

// Root follows the single-error Unwrap chain to its end.
func Root(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
