package eval

import (
	"fmt"

	"github.com/timewinder-dev/greenrt/sched"
	"go.starlark.net/starlark"
)

// ThreadValue is a handle to a green thread as seen by scripts.
type ThreadValue struct {
	h *sched.Handle
}

var (
	_ starlark.HasAttrs = (*ThreadValue)(nil)
	_ starlark.HasAttrs = (*ThunkValue)(nil)
	_ starlark.HasAttrs = (*EventValue)(nil)
)

func (t *ThreadValue) Handle() *sched.Handle { return t.h }
func (t *ThreadValue) String() string        { return fmt.Sprintf("<thread %d>", t.h.ID()) }
func (t *ThreadValue) Type() string          { return "thread" }
func (t *ThreadValue) Freeze()               {}
func (t *ThreadValue) Truth() starlark.Bool  { return starlark.True }
func (t *ThreadValue) Hash() (uint32, error) { return uint32(t.h.ID()), nil }
func (t *ThreadValue) AttrNames() []string   { return []string{"done", "id", "state"} }

func (t *ThreadValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "id":
		return starlark.MakeInt64(int64(t.h.ID())), nil
	case "state":
		return starlark.String(t.h.State().String()), nil
	case "done":
		return starlark.Bool(t.h.Ready()), nil
	}
	return nil, nil
}

// ThunkValue is a lazily evaluated call created by par.
type ThunkValue struct {
	th *sched.Thunk
}

func (t *ThunkValue) String() string        { return fmt.Sprintf("<thunk %p>", t.th) }
func (t *ThunkValue) Type() string          { return "thunk" }
func (t *ThunkValue) Freeze()               {}
func (t *ThunkValue) Truth() starlark.Bool  { return starlark.True }
func (t *ThunkValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: thunk") }
func (t *ThunkValue) AttrNames() []string   { return []string{"ready"} }

func (t *ThunkValue) Attr(name string) (starlark.Value, error) {
	if name == "ready" {
		return starlark.Bool(t.th.Ready()), nil
	}
	return nil, nil
}

// EventValue is a one-shot condition threads can block on.
type EventValue struct {
	ev *sched.Event
}

func (e *EventValue) String() string        { return fmt.Sprintf("<event %p>", e.ev) }
func (e *EventValue) Type() string          { return "event" }
func (e *EventValue) Freeze()               {}
func (e *EventValue) Truth() starlark.Bool  { return starlark.True }
func (e *EventValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: event") }
func (e *EventValue) AttrNames() []string   { return []string{"ready", "resolve"} }

func (e *EventValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "ready":
		return starlark.Bool(e.ev.Ready()), nil
	case "resolve":
		return starlark.NewBuiltin("resolve", eventResolve).BindReceiver(e), nil
	}
	return nil, nil
}

func eventResolve(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	b.Receiver().(*EventValue).ev.Resolve()
	return starlark.None, nil
}
