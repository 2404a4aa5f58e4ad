package sched

import (
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/timewinder-dev/greenrt/spark"
	"github.com/timewinder-dev/greenrt/tso"
)

// StepKind is the outcome of resuming a computation once.
type StepKind int

const (
	StepYield StepKind = iota
	StepBlock
	StepFinish
	StepFail
)

func (k StepKind) String() string {
	switch k {
	case StepYield:
		return "yield"
	case StepBlock:
		return "block"
	case StepFinish:
		return "finish"
	case StepFail:
		return "fail"
	}
	return "unknown"
}

// Step is what the evaluator reports back after running a thread: finished
// with a result, failed with a cause, blocked on a condition, or yielded.
type Step struct {
	Kind     StepKind
	Value    any
	Err      error
	Reason   tso.BlockReason
	Cond     Condition
	Deadline time.Time
}

func Yield() Step         { return Step{Kind: StepYield} }
func Finish(v any) Step   { return Step{Kind: StepFinish, Value: v} }
func Fail(err error) Step { return Step{Kind: StepFail, Err: err} }

// Block suspends the thread until cond is ready.
func Block(reason tso.BlockReason, cond Condition) Step {
	return Step{Kind: StepBlock, Reason: reason, Cond: cond}
}

// Sleep suspends the thread for d.
func Sleep(d time.Duration) Step {
	at := time.Now().Add(d)
	return Step{Kind: StepBlock, Reason: tso.BlockSleep, Cond: Deadline(at), Deadline: at}
}

// WaitFor suspends the thread until the thread behind h terminates.
func WaitFor(h *Handle) Step {
	return Block(tso.BlockThread, h)
}

// Computation is the evaluator side of a thread. Resume runs the thread
// until it can report a Step; it is never called concurrently for the same
// thread.
type Computation interface {
	Resume(ctx *Context) Step
}

// Func adapts a function that runs to completion in one step.
type Func func(ctx *Context) (any, error)

func (f Func) Resume(ctx *Context) Step {
	v, err := f(ctx)
	if err != nil {
		return Fail(err)
	}
	return Finish(v)
}

// Context is handed to a computation each time it is resumed.
type Context struct {
	s *Scheduler
	c *Capability
	t *tso.TSO
}

// Thread is the id of the running thread.
func (x *Context) Thread() tso.ID { return x.t.ID() }

// Capability is the id of the capability running the thread.
func (x *Context) Capability() int { return x.c.id }

func (x *Context) Logger() zerolog.Logger {
	return x.s.log.With().Int64("thread", int64(x.t.ID())).Int("cap", x.c.id).Logger()
}

// Stdout is the runtime's buffered program output.
func (x *Context) Stdout() io.Writer { return x.s.stdout }

// Spawn creates a new thread, placed from the current capability.
func (x *Context) Spawn(c Computation, opts ...SpawnOption) *Handle {
	return x.s.spawn(x.c, c, opts...)
}

// Par offers th to the spark pool for speculative parallel evaluation.
func (x *Context) Par(th *Thunk) spark.OfferResult {
	return x.s.Spark(th)
}

// Throw requests asynchronous interruption of another thread.
func (x *Context) Throw(h *Handle, cause error) tso.KillOutcome {
	return x.s.Throw(h.t, cause)
}

// Mask defers asynchronous interruption of the current thread.
func (x *Context) Mask() { x.t.SetFlags(tso.BlockEx) }

// Unmask re-enables asynchronous interruption. A request that arrived while
// masked is delivered at the next safe point.
func (x *Context) Unmask() { x.t.ClearFlags(tso.BlockEx) }

// SetInterruptible controls whether the thread may be killed while blocked.
func (x *Context) SetInterruptible(on bool) {
	if on {
		x.t.SetFlags(tso.Interruptible)
	} else {
		x.t.ClearFlags(tso.Interruptible)
	}
}

// SpawnOption adjusts a new thread.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	flags  tso.Flags
	label  string
	home   int
	strict bool
}

func defaultSpawnConfig() spawnConfig {
	return spawnConfig{flags: tso.Interruptible, home: tso.NoCapability}
}

// Locked pins the thread to the first capability that runs it.
func Locked() SpawnOption {
	return func(c *spawnConfig) { c.flags |= tso.Locked }
}

// Masked starts the thread with asynchronous interruption deferred.
func Masked() SpawnOption {
	return func(c *spawnConfig) { c.flags |= tso.BlockEx }
}

// Uninterruptible makes blocking waits immune to interruption.
func Uninterruptible() SpawnOption {
	return func(c *spawnConfig) { c.flags &^= tso.Interruptible }
}

// Strict makes the thread force a *Thunk result before it finishes, so its
// handle yields the thunk's value rather than the unevaluated thunk.
func Strict() SpawnOption {
	return func(c *spawnConfig) { c.strict = true }
}

// Label names the thread in logs and snapshots.
func Label(l string) SpawnOption {
	return func(c *spawnConfig) { c.label = l }
}

// strict wraps a computation whose final value must not be a pending thunk.
// Thunk results are evaluated on the thread itself, or waited for when
// another capability already claimed them, until a plain value remains.
type strict struct {
	inner Computation
	th    *Thunk
}

func (s *strict) Resume(ctx *Context) Step {
	if s.th == nil {
		st := s.inner.Resume(ctx)
		th, ok := st.Value.(*Thunk)
		if st.Kind != StepFinish || !ok {
			return st
		}
		s.th = th
	}
	for {
		if s.th.TryClaim() {
			s.th.eval(ctx)
		}
		if !s.th.Ready() {
			return Block(tso.BlockThread, s.th)
		}
		v, err := s.th.Result()
		if err != nil {
			return Fail(err)
		}
		next, ok := v.(*Thunk)
		if !ok {
			return Finish(v)
		}
		s.th = next
	}
}

func (s *strict) Abort(cause error) {
	if a, ok := s.inner.(tso.Aborter); ok {
		a.Abort(cause)
	}
}
