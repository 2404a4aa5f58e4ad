package sched

import (
	"errors"
	"fmt"

	"github.com/timewinder-dev/greenrt/tso"
)

var (
	// ErrStopped is returned for work submitted to a stopped scheduler and
	// is the cause recorded on threads still alive when it stops.
	ErrStopped = errors.New("scheduler stopped")
	// ErrAborted is returned from a suspended coroutine whose thread was
	// killed.
	ErrAborted = errors.New("computation aborted")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("scheduler already started")
	errNoCondition    = errors.New("blocking step without a wait condition")
	errNoComputation  = errors.New("thread has no computation")
)

// ThreadKilledError is what waiters see when the thread they wait on was
// killed or failed.
type ThreadKilledError struct {
	ID    tso.ID
	Cause error
}

func (e *ThreadKilledError) Error() string {
	return fmt.Sprintf("thread %d killed: %v", e.ID, e.Cause)
}

func (e *ThreadKilledError) Unwrap() error {
	return e.Cause
}

// PanicError wraps a panic raised inside a computation.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("computation panicked: %v", e.Value)
}

// InvariantError reports a broken scheduler invariant. It is always fatal.
type InvariantError struct {
	Op  string
	Err error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("scheduler invariant violated during %s: %v", e.Op, e.Err)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}
