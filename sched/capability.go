package sched

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timewinder-dev/greenrt/spark"
	"github.com/timewinder-dev/greenrt/tso"
)

const (
	noThread = -1
	// globalCheckInterval makes a capability with a busy local queue look at
	// the global queue first every so often.
	globalCheckInterval = 61
	// localQueueSlots bounds how many unlocked threads a busy capability
	// keeps for itself before the rest spill to the global queue.
	localQueueSlots = 1
	finalizerBatch  = 16
)

// parked is a blocked thread a capability keeps re-checking.
type parked struct {
	t    *tso.TSO
	cond Condition
}

// Capability is an execution context bound to one OS thread. It runs at
// most one logical thread at a time.
type Capability struct {
	s         *Scheduler
	id        int
	bootstrap bool
	local     *runQueue

	bmu     sync.Mutex
	blocked []parked

	current   atomic.Int64
	idleSince atomic.Int64
	wake      chan struct{}
	ticks     uint64
}

func newCapability(s *Scheduler, id int, bootstrap bool) *Capability {
	c := &Capability{
		s:         s,
		id:        id,
		bootstrap: bootstrap,
		local:     newRunQueue(id, s.threads),
		wake:      make(chan struct{}, 1),
	}
	c.current.Store(noThread)
	return c
}

func (c *Capability) ID() int { return c.id }

func (c *Capability) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Capability) run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c.s.debug().Int("cap", c.id).Bool("bootstrap", c.bootstrap).Msg("capability started")
	for {
		if ctx.Err() != nil {
			return
		}
		c.recheckBlocked()
		c.safePoint()
		if t := c.next(); t != nil {
			c.runThread(t)
			continue
		}
		if sp, ok := c.s.sparks.Claim(); ok {
			c.runSpark(sp)
			continue
		}
		if c.idle(ctx) {
			return
		}
	}
}

// safePoint services the weak reference finalization queue. No thread is
// running on the capability here.
func (c *Capability) safePoint() {
	if c.s.weak == nil {
		return
	}
	c.s.weak.RunFinalizers(finalizerBatch)
}

func (c *Capability) next() *tso.TSO {
	c.ticks++
	if c.ticks%globalCheckInterval == 0 {
		if t := c.pop(c.s.global); t != nil {
			return t
		}
	}
	if t := c.pop(c.local); t != nil {
		return t
	}
	return c.pop(c.s.global)
}

func (c *Capability) pop(q *runQueue) *tso.TSO {
	t, err := q.pop()
	if err != nil {
		c.s.fatal(&InvariantError{Op: "dequeue", Err: err})
		return nil
	}
	return t
}

func (c *Capability) runSpark(sp spark.Spark) {
	th, ok := sp.Target.(*Thunk)
	if !ok || th.Evaluated() {
		return
	}
	c.s.metrics.sparks.WithLabelValues("converted").Inc()
	cfg := defaultSpawnConfig()
	cfg.label = "spark"
	t := c.s.newThread(sparkThread{th: th}, cfg)
	c.runThread(t)
}

func (c *Capability) runThread(t *tso.TSO) {
	c.idleSince.Store(0)
	if err := t.Acquire(c.id); err != nil {
		c.s.fatal(&InvariantError{Op: "acquire", Err: err})
		return
	}
	c.current.Store(int64(t.ID()))
	defer c.current.Store(noThread)

	if cause, ok := t.TakePendingKill(); ok {
		c.s.kill(t, cause)
		return
	}
	comp, ok := t.Continuation().(Computation)
	if !ok {
		c.s.kill(t, errNoComputation)
		return
	}
	st := c.resume(comp, t)
	c.s.debug().Int64("thread", int64(t.ID())).Int("cap", c.id).Stringer("step", st.Kind).Msg("step")

	switch st.Kind {
	case StepYield:
		if cause, ok := t.TakePendingKill(); ok {
			c.s.kill(t, cause)
			return
		}
		if err := t.Yield(); err != nil {
			c.s.fatal(&InvariantError{Op: "yield", Err: err})
			return
		}
		c.s.place(c, t)
	case StepFinish:
		if err := t.Finish(st.Value); err != nil {
			c.s.fatal(&InvariantError{Op: "finish", Err: err})
			return
		}
		c.s.terminated(t)
	case StepFail:
		c.s.kill(t, st.Err)
	case StepBlock:
		c.block(t, st)
	default:
		c.s.kill(t, errNoCondition)
	}
}

func (c *Capability) resume(comp Computation, t *tso.TSO) (st Step) {
	defer func() {
		if r := recover(); r != nil {
			st = Fail(&PanicError{Value: r})
		}
	}()
	return comp.Resume(&Context{s: c.s, c: c, t: t})
}

// block waits for the step's condition for at most MaxBlockedOperationTime,
// then parks the thread so the loop can run others and re-check it later.
func (c *Capability) block(t *tso.TSO, st Step) {
	if cause, ok := t.TakePendingKill(); ok {
		c.s.kill(t, cause)
		return
	}
	if st.Cond == nil {
		c.s.kill(t, errNoCondition)
		return
	}
	if err := t.BlockOn(st.Reason, st.Deadline); err != nil {
		c.s.fatal(&InvariantError{Op: "block", Err: err})
		return
	}
	c.s.metrics.blocks.Inc()
	if waitBounded(st.Cond, c.s.p.MaxBlockedOperationTime, t.Done()) {
		c.wakeThread(t)
		return
	}
	if t.State().IsTerminal() {
		return
	}
	c.bmu.Lock()
	c.blocked = append(c.blocked, parked{t: t, cond: st.Cond})
	c.bmu.Unlock()
}

// wakeThread makes a thread whose condition resolved runnable again. A
// thread killed in the meantime is left alone.
func (c *Capability) wakeThread(t *tso.TSO) {
	if err := t.Unblock(); err != nil {
		if t.State().IsTerminal() {
			return
		}
		c.s.fatal(&InvariantError{Op: "unblock", Err: err})
		return
	}
	if cause, ok := t.TakePendingKill(); ok {
		c.s.kill(t, cause)
		return
	}
	c.s.place(c, t)
}

func (c *Capability) recheckBlocked() {
	c.bmu.Lock()
	if len(c.blocked) == 0 {
		c.bmu.Unlock()
		return
	}
	var ready []*tso.TSO
	kept := c.blocked[:0]
	for _, p := range c.blocked {
		switch {
		case p.t.State().IsTerminal():
		case p.cond.Ready():
			ready = append(ready, p.t)
		default:
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(c.blocked); i++ {
		c.blocked[i] = parked{}
	}
	c.blocked = kept
	c.bmu.Unlock()

	for _, t := range ready {
		c.wakeThread(t)
	}
}

// parkedCount is the number of live threads parked on this capability.
func (c *Capability) parkedCount() int {
	c.bmu.Lock()
	defer c.bmu.Unlock()
	n := 0
	for _, p := range c.blocked {
		if !p.t.State().IsTerminal() {
			n++
		}
	}
	return n
}

func (c *Capability) parkedIDs() []int64 {
	c.bmu.Lock()
	defer c.bmu.Unlock()
	var out []int64
	for _, p := range c.blocked {
		if !p.t.State().IsTerminal() {
			out = append(out, int64(p.t.ID()))
		}
	}
	return out
}

func (c *Capability) hasWork() bool {
	return c.local.len() > 0 || c.s.global.len() > 0 || c.s.sparks.Len() > 0
}

// idle waits for a wakeup. It returns true when the capability should exit,
// either because the scheduler is stopping or because it was retired.
func (c *Capability) idle(ctx context.Context) bool {
	now := time.Now()
	c.idleSince.CompareAndSwap(0, now.UnixNano())
	pool := c.s.pool
	pool.markIdle(c)
	if c.hasWork() {
		pool.markBusy(c)
		return false
	}

	timeout := c.s.p.MinCapabilityIdleBeforeShutdown
	waiting := c.parkedCount() > 0
	if waiting {
		timeout = c.s.p.MaxBlockedOperationTime
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		pool.markBusy(c)
		return true
	case <-c.wake:
		pool.markBusy(c)
		return false
	case <-timer.C:
	}
	pool.markBusy(c)
	if waiting || c.bootstrap {
		return false
	}
	idleFor := time.Since(time.Unix(0, c.idleSince.Load()))
	if idleFor < c.s.p.MinCapabilityIdleBeforeShutdown {
		return false
	}
	return pool.retire(c)
}

// IdleFor is how long the capability has been without work, or zero.
func (c *Capability) IdleFor() time.Duration {
	since := c.idleSince.Load()
	if since == 0 {
		return 0
	}
	return time.Since(time.Unix(0, since))
}
