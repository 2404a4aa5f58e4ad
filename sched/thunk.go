package sched

import (
	"sync/atomic"
)

const (
	thunkPending int32 = iota
	thunkEvaluating
	thunkDone
)

// Thunk is a lazily evaluated computation that may be sparked. It is
// evaluated at most once: by whoever claims it first, the owning thread or a
// capability converting its spark.
type Thunk struct {
	fn    func(*Context) (any, error)
	state atomic.Int32
	done  chan struct{}
	val   any
	err   error
}

func NewThunk(fn func(*Context) (any, error)) *Thunk {
	return &Thunk{fn: fn, done: make(chan struct{})}
}

// Evaluated is true once evaluation has started anywhere; sparks for it are
// then useless.
func (t *Thunk) Evaluated() bool { return t.state.Load() != thunkPending }

// Ready is true once the value is available.
func (t *Thunk) Ready() bool { return t.state.Load() == thunkDone }

func (t *Thunk) Done() <-chan struct{} { return t.done }

// TryClaim reserves the thunk for evaluation by the caller.
func (t *Thunk) TryClaim() bool {
	return t.state.CompareAndSwap(thunkPending, thunkEvaluating)
}

// Result is the value once Ready.
func (t *Thunk) Result() (any, error) {
	<-t.done
	return t.val, t.err
}

func (t *Thunk) eval(ctx *Context) {
	defer func() {
		if r := recover(); r != nil {
			t.err = &PanicError{Value: r}
		}
		t.state.Store(thunkDone)
		close(t.done)
	}()
	t.val, t.err = t.fn(ctx)
}

// sparkThread is the anonymous thread a capability runs to convert a spark.
type sparkThread struct {
	th *Thunk
}

func (s sparkThread) Resume(ctx *Context) Step {
	if s.th.TryClaim() {
		s.th.eval(ctx)
	}
	return Finish(nil)
}
