// Package eval runs Starlark programs as green threads. Every thread gets its
// own starlark.Thread; the builtins reach the scheduler through the
// coroutine they run on.
package eval

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/timewinder-dev/greenrt/sched"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Script is an executed module whose functions can be started as threads.
type Script struct {
	Path    string
	globals starlark.StringDict
}

// Compile executes the module's top level. Blocking builtins are not
// available there since no green thread is running yet.
func Compile(path string, src any) (*Script, error) {
	l := log.Logger.With().Str("component", "eval").Str("file", path).Logger()
	thread := &starlark.Thread{
		Name: "load",
		Print: func(_ *starlark.Thread, msg string) {
			l.Info().Msg(msg)
		},
	}
	globals, err := starlark.ExecFileOptions(fileOptions, thread, path, src, Builtins())
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return &Script{Path: path, globals: globals}, nil
}

// Function looks up a top-level callable.
func (s *Script) Function(name string) (starlark.Callable, error) {
	v, ok := s.globals[name]
	if !ok {
		return nil, fmt.Errorf("%s: no function %q", s.Path, name)
	}
	fn, ok := v.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s: %q is a %s, not callable", s.Path, name, v.Type())
	}
	return fn, nil
}

// Entry returns a computation calling the named function with args.
func (s *Script) Entry(name string, args ...starlark.Value) (sched.Computation, error) {
	fn, err := s.Function(name)
	if err != nil {
		return nil, err
	}
	t := starlark.Tuple(args)
	t.Freeze()
	return Call(fn, t), nil
}

// Call returns a computation that runs fn(args...) on its own green thread.
// The result is frozen so other threads may read it.
func Call(fn starlark.Callable, args starlark.Tuple) sched.Computation {
	return sched.Coroutine(func(y *sched.Yielder) (any, error) {
		v, err := starlark.Call(newThread(y.Context(), y), fn, args, nil)
		if err != nil {
			return nil, err
		}
		v.Freeze()
		return v, nil
	})
}

func newThread(ctx *sched.Context, y *sched.Yielder) *starlark.Thread {
	out := ctx.Stdout()
	th := &starlark.Thread{
		Name: fmt.Sprintf("thread-%d", ctx.Thread()),
		Print: func(_ *starlark.Thread, msg string) {
			fmt.Fprintln(out, msg)
		},
	}
	if y != nil {
		th.SetLocal(yielderKey, y)
	}
	return th
}
