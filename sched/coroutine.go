package sched

import (
	"fmt"
	"sync"
	"time"

	"github.com/timewinder-dev/greenrt/tso"
)

// Coroutine turns a straight-line function into a computation that can
// yield or block in the middle. The body runs on its own goroutine but only
// ever while the owning capability is inside Resume, so at most one thread
// runs per capability.
func Coroutine(body func(y *Yielder) (any, error)) Computation {
	return &coroutine{
		body:   body,
		resume: make(chan *Context),
		out:    make(chan Step),
		abort:  make(chan struct{}),
	}
}

type coroutine struct {
	body    func(*Yielder) (any, error)
	resume  chan *Context
	out     chan Step
	abort   chan struct{}
	once    sync.Once
	cause   error
	started bool
}

// Yielder is the body's handle on the scheduler.
type Yielder struct {
	co  *coroutine
	ctx *Context
}

func (co *coroutine) Resume(ctx *Context) Step {
	if !co.started {
		co.started = true
		go co.main(ctx)
	} else {
		select {
		case co.resume <- ctx:
		case <-co.abort:
			return Fail(co.abortErr())
		}
	}
	select {
	case st := <-co.out:
		return st
	case <-co.abort:
		return Fail(co.abortErr())
	}
}

// Abort releases a suspended body. Its pending Yielder call returns an error
// wrapping ErrAborted.
func (co *coroutine) Abort(cause error) {
	co.once.Do(func() {
		co.cause = cause
		close(co.abort)
	})
}

func (co *coroutine) abortErr() error {
	return fmt.Errorf("%w: %w", ErrAborted, co.cause)
}

func (co *coroutine) main(ctx *Context) {
	y := &Yielder{co: co, ctx: ctx}
	var st Step
	func() {
		defer func() {
			if r := recover(); r != nil {
				st = Fail(&PanicError{Value: r})
			}
		}()
		v, err := co.body(y)
		if err != nil {
			st = Fail(err)
		} else {
			st = Finish(v)
		}
	}()
	select {
	case co.out <- st:
	case <-co.abort:
	}
}

func (y *Yielder) suspend(st Step) error {
	select {
	case y.co.out <- st:
	case <-y.co.abort:
		return y.co.abortErr()
	}
	select {
	case ctx := <-y.co.resume:
		y.ctx = ctx
		return nil
	case <-y.co.abort:
		return y.co.abortErr()
	}
}

// Context is the context of the current resumption.
func (y *Yielder) Context() *Context { return y.ctx }

// Yield gives other threads a chance to run.
func (y *Yielder) Yield() error {
	return y.suspend(Yield())
}

// Block suspends until cond is ready.
func (y *Yielder) Block(reason tso.BlockReason, cond Condition) error {
	return y.suspend(Block(reason, cond))
}

// Sleep suspends for at least d.
func (y *Yielder) Sleep(d time.Duration) error {
	return y.suspend(Sleep(d))
}

// Wait blocks until h terminates and returns its result.
func (y *Yielder) Wait(h *Handle) (any, error) {
	if !h.Ready() {
		if err := y.suspend(WaitFor(h)); err != nil {
			return nil, err
		}
	}
	return h.Result()
}

// Force evaluates th on the current thread, or waits for whoever already
// claimed it.
func (y *Yielder) Force(th *Thunk) (any, error) {
	if th.TryClaim() {
		th.eval(y.ctx)
		return th.Result()
	}
	if !th.Ready() {
		if err := y.suspend(Block(tso.BlockThread, th)); err != nil {
			return nil, err
		}
	}
	return th.Result()
}
