package eval

import (
	"errors"
	"fmt"
	"time"

	"github.com/timewinder-dev/greenrt/sched"
	"github.com/timewinder-dev/greenrt/tso"
	"go.starlark.net/starlark"
)

const yielderKey = "greenrt.yielder"

// Builtins are predeclared in every script.
func Builtins() starlark.StringDict {
	return starlark.StringDict{
		"spawn":      starlark.NewBuiltin("spawn", builtinSpawn),
		"wait":       starlark.NewBuiltin("wait", builtinWait),
		"yield_":     starlark.NewBuiltin("yield_", builtinYield),
		"sleep":      starlark.NewBuiltin("sleep", builtinSleep),
		"par":        starlark.NewBuiltin("par", builtinPar),
		"force":      starlark.NewBuiltin("force", builtinForce),
		"mask":       starlark.NewBuiltin("mask", builtinMask),
		"unmask":     starlark.NewBuiltin("unmask", builtinUnmask),
		"kill":       starlark.NewBuiltin("kill", builtinKill),
		"event":      starlark.NewBuiltin("event", builtinEvent),
		"block":      starlark.NewBuiltin("block", builtinBlock),
		"thread_id":  starlark.NewBuiltin("thread_id", builtinThreadID),
		"capability": starlark.NewBuiltin("capability", builtinCapability),
	}
}

func yielder(thread *starlark.Thread, b *starlark.Builtin) (*sched.Yielder, error) {
	y, ok := thread.Local(yielderKey).(*sched.Yielder)
	if !ok {
		return nil, fmt.Errorf("%s: only available on a green thread", b.Name())
	}
	return y, nil
}

func splitCall(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Callable, starlark.Tuple, error) {
	if len(kwargs) > 0 {
		return nil, nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	if len(args) < 1 {
		return nil, nil, fmt.Errorf("%s: missing function argument", b.Name())
	}
	fn, ok := args[0].(starlark.Callable)
	if !ok {
		return nil, nil, fmt.Errorf("%s: got %s, want callable", b.Name(), args[0].Type())
	}
	fn.Freeze()
	rest := append(starlark.Tuple(nil), args[1:]...)
	rest.Freeze()
	return fn, rest, nil
}

func builtinSpawn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	y, err := yielder(thread, b)
	if err != nil {
		return nil, err
	}
	fn, rest, err := splitCall(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	h := y.Context().Spawn(Call(fn, rest), sched.Label(fn.Name()))
	return &ThreadValue{h: h}, nil
}

func builtinWait(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var tv *ThreadValue
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &tv); err != nil {
		return nil, err
	}
	y, err := yielder(thread, b)
	if err != nil {
		return nil, err
	}
	v, err := y.Wait(tv.h)
	if err != nil {
		return nil, err
	}
	return toValue(v), nil
}

func builtinYield(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	y, err := yielder(thread, b)
	if err != nil {
		return nil, err
	}
	return starlark.None, y.Yield()
}

func builtinSleep(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var ms starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &ms); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(ms)
	if !ok || f < 0 {
		return nil, fmt.Errorf("%s: want non-negative milliseconds, got %s", b.Name(), ms)
	}
	y, err := yielder(thread, b)
	if err != nil {
		return nil, err
	}
	return starlark.None, y.Sleep(time.Duration(f * float64(time.Millisecond)))
}

func builtinPar(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	y, err := yielder(thread, b)
	if err != nil {
		return nil, err
	}
	fn, rest, err := splitCall(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	th := sched.NewThunk(func(ctx *sched.Context) (any, error) {
		st := newThread(ctx, nil)
		v, err := starlark.Call(st, fn, rest, nil)
		if err != nil {
			return nil, err
		}
		v.Freeze()
		return v, nil
	})
	y.Context().Par(th)
	return &ThunkValue{th: th}, nil
}

func builtinForce(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var tv *ThunkValue
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &tv); err != nil {
		return nil, err
	}
	y, err := yielder(thread, b)
	if err != nil {
		return nil, err
	}
	v, err := y.Force(tv.th)
	if err != nil {
		return nil, err
	}
	return toValue(v), nil
}

func builtinMask(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	y, err := yielder(thread, b)
	if err != nil {
		return nil, err
	}
	y.Context().Mask()
	return starlark.None, nil
}

func builtinUnmask(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	y, err := yielder(thread, b)
	if err != nil {
		return nil, err
	}
	y.Context().Unmask()
	return starlark.None, nil
}

func builtinKill(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		tv     *ThreadValue
		reason = "killed"
	)
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &tv, &reason); err != nil {
		return nil, err
	}
	y, err := yielder(thread, b)
	if err != nil {
		return nil, err
	}
	out := y.Context().Throw(tv.h, errors.New(reason))
	switch out {
	case tso.KillApplied:
		return starlark.String("applied"), nil
	case tso.KillDeferred:
		return starlark.String("deferred"), nil
	}
	return starlark.String("ignored"), nil
}

func builtinEvent(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return &EventValue{ev: sched.NewEvent()}, nil
}

func builtinBlock(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var ev *EventValue
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &ev); err != nil {
		return nil, err
	}
	y, err := yielder(thread, b)
	if err != nil {
		return nil, err
	}
	return starlark.None, y.Block(tso.BlockIO, ev.ev)
}

func builtinThreadID(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	y, err := yielder(thread, b)
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt64(int64(y.Context().Thread())), nil
}

func builtinCapability(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	y, err := yielder(thread, b)
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt(y.Context().Capability()), nil
}

func toValue(v any) starlark.Value {
	if sv, ok := v.(starlark.Value); ok {
		return sv
	}
	return starlark.None
}
