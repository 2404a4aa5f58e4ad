// Package tso holds the state container for one logical thread: its run
// state, saved continuation, status flags, blocking cause and queue links.
package tso

import (
	"sync"
	"time"
)

// ID identifies a thread. Queues and lookup tables hold IDs, never pointers
// to capabilities.
type ID int64

// Queue identifiers used for membership tracking. Local run queues use the
// owning capability's id, which is never negative.
const (
	NoQueue     = -1
	GlobalQueue = -2
)

// NoCapability marks a thread that is not bound to any capability.
const NoCapability = -1

// Aborter is implemented by continuations that hold resources which must be
// released when the thread is killed while suspended.
type Aborter interface {
	Abort(cause error)
}

// BlockInfo records why and until when a thread is blocked.
type BlockInfo struct {
	Reason   BlockReason
	Deadline time.Time
}

// KillOutcome reports what an interruption request did.
type KillOutcome int

const (
	// KillIgnored: the thread had already terminated.
	KillIgnored KillOutcome = iota
	// KillDeferred: recorded, observed at the next safe point.
	KillDeferred
	// KillApplied: the thread is now Killed.
	KillApplied
)

type TSO struct {
	id      ID
	label   string
	created time.Time

	mu         sync.Mutex
	state      State
	flags      Flags
	cont       any
	block      BlockInfo
	owner      int
	home       int
	queue      int
	enqueuedAt time.Time
	pending    error
	result     any
	cause      error
	done       chan struct{}
}

// New creates a Runnable thread around an opaque continuation.
func New(id ID, cont any, flags Flags) *TSO {
	return &TSO{
		id:      id,
		created: time.Now(),
		state:   Runnable,
		flags:   flags,
		cont:    cont,
		owner:   NoCapability,
		home:    NoCapability,
		queue:   NoQueue,
		done:    make(chan struct{}),
	}
}

func (t *TSO) ID() ID                { return t.id }
func (t *TSO) Created() time.Time    { return t.created }
func (t *TSO) Done() <-chan struct{} { return t.done }

func (t *TSO) Label() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.label
}

func (t *TSO) SetLabel(l string) {
	t.mu.Lock()
	t.label = l
	t.mu.Unlock()
}

func (t *TSO) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *TSO) Flags() Flags {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flags
}

// SetFlags turns on the given flags.
func (t *TSO) SetFlags(f Flags) {
	t.mu.Lock()
	t.flags |= f
	t.mu.Unlock()
}

// ClearFlags turns off the given flags. Clearing BlockEx makes a deferred
// interruption observable at the next safe point.
func (t *TSO) ClearFlags(f Flags) {
	t.mu.Lock()
	t.flags &^= f
	t.mu.Unlock()
}

func (t *TSO) Continuation() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cont
}

func (t *TSO) SetContinuation(c any) {
	t.mu.Lock()
	t.cont = c
	t.mu.Unlock()
}

func (t *TSO) Block() BlockInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.block
}

// Owner is the capability currently holding the thread, or NoCapability.
func (t *TSO) Owner() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner
}

// Home is the capability a Locked thread is pinned to.
func (t *TSO) Home() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.home
}

func (t *TSO) SetHome(capID int) {
	t.mu.Lock()
	t.home = capID
	t.mu.Unlock()
}

// Queue returns the queue the thread is in, or NoQueue.
func (t *TSO) Queue() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue
}

// EnqueuedAt is when the thread entered its current queue.
func (t *TSO) EnqueuedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enqueuedAt
}

// MarkQueued records that the thread entered queue q. A thread may be in at
// most one queue and only while Runnable.
func (t *TSO) MarkQueued(q int, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queue != NoQueue {
		return &QueueMembershipError{ID: t.id, Queue: q, Held: t.queue}
	}
	if t.state != Runnable {
		return &InvalidTransitionError{ID: t.id, From: t.state, To: Runnable}
	}
	t.queue = q
	t.enqueuedAt = at
	if q >= 0 {
		t.owner = q
	} else {
		t.owner = NoCapability
	}
	return nil
}

// MarkDequeued records that the thread left queue q.
func (t *TSO) MarkDequeued(q int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queue != q {
		return &QueueMembershipError{ID: t.id, Queue: NoQueue, Held: t.queue}
	}
	t.queue = NoQueue
	return nil
}

func (t *TSO) transition(to State) error {
	if !t.state.CanTransitionTo(to) {
		return &InvalidTransitionError{ID: t.id, From: t.state, To: to}
	}
	t.state = to
	return nil
}

// Acquire binds a Runnable thread to capability capID and marks it Running.
func (t *TSO) Acquire(capID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queue != NoQueue {
		return &QueueMembershipError{ID: t.id, Queue: NoQueue, Held: t.queue}
	}
	if err := t.transition(Running); err != nil {
		return err
	}
	t.owner = capID
	if t.flags.Has(Locked) && t.home == NoCapability {
		t.home = capID
	}
	return nil
}

// Yield moves a Running thread back to Runnable and unbinds it.
func (t *TSO) Yield() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transition(Runnable); err != nil {
		return err
	}
	t.owner = NoCapability
	return nil
}

// BlockOn suspends a Running thread. It stays owned by its capability, which
// re-checks the wait condition.
func (t *TSO) BlockOn(reason BlockReason, deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transition(Blocked); err != nil {
		return err
	}
	t.block = BlockInfo{Reason: reason, Deadline: deadline}
	return nil
}

// Unblock makes a Blocked thread Runnable again.
func (t *TSO) Unblock() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transition(Runnable); err != nil {
		return err
	}
	t.block = BlockInfo{}
	t.owner = NoCapability
	return nil
}

// Finish records a successful result.
func (t *TSO) Finish(v any) error {
	t.mu.Lock()
	if err := t.transition(Finished); err != nil {
		t.mu.Unlock()
		return err
	}
	t.result = v
	t.release()
	t.mu.Unlock()
	return nil
}

// Kill terminates the thread with cause. Killing a terminated thread is an
// invalid transition.
func (t *TSO) Kill(cause error) error {
	t.mu.Lock()
	if err := t.transition(Killed); err != nil {
		t.mu.Unlock()
		return err
	}
	cont := t.killLocked(cause)
	t.mu.Unlock()
	abort(cont, t.cause)
	return nil
}

func (t *TSO) killLocked(cause error) any {
	if cause == nil {
		cause = ErrKilled
	}
	t.cause = cause
	t.pending = nil
	t.release()
	return t.cont
}

// release must be called with mu held on entry to a terminal state.
func (t *TSO) release() {
	t.owner = NoCapability
	t.block = BlockInfo{}
	close(t.done)
}

func abort(cont any, cause error) {
	if a, ok := cont.(Aborter); ok {
		a.Abort(cause)
	}
}

// RequestKill asks for asynchronous interruption. A Blocked thread with the
// Interruptible flag is killed at once; anything else that is still alive has
// the request recorded and observes it at its next safe point, once BlockEx
// is clear.
func (t *TSO) RequestKill(cause error) KillOutcome {
	if cause == nil {
		cause = ErrKilled
	}
	t.mu.Lock()
	if t.state.IsTerminal() {
		t.mu.Unlock()
		return KillIgnored
	}
	if t.state == Blocked && t.flags.Has(Interruptible) {
		t.state = Killed
		cont := t.killLocked(cause)
		t.mu.Unlock()
		abort(cont, cause)
		return KillApplied
	}
	if t.pending == nil {
		t.pending = cause
	}
	t.mu.Unlock()
	return KillDeferred
}

// TakePendingKill returns a deferred interruption if one may be delivered
// now, clearing it.
func (t *TSO) TakePendingKill() (error, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil || t.flags.Has(BlockEx) {
		return nil, false
	}
	cause := t.pending
	t.pending = nil
	return cause, true
}

// HasPendingKill reports whether an interruption is waiting to be delivered.
func (t *TSO) HasPendingKill() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

// Result returns the outcome of a terminated thread: its value when Finished,
// its cause when Killed.
func (t *TSO) Result() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.cause
}
