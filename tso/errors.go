package tso

import (
	"errors"
	"fmt"
)

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	ID   ID
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid thread state transition: %s → %s (thread %d)", e.From, e.To, e.ID)
}

// QueueMembershipError is returned when a thread would be placed in a second
// run queue, or removed from a queue it is not in.
type QueueMembershipError struct {
	ID    ID
	Queue int
	Held  int
}

func (e *QueueMembershipError) Error() string {
	if e.Queue == NoQueue {
		return fmt.Sprintf("thread %d dequeued while not in any run queue", e.ID)
	}
	return fmt.Sprintf("thread %d enqueued on queue %d while already in queue %d", e.ID, e.Queue, e.Held)
}

// ErrKilled is the default cause recorded for an interruption without one.
var ErrKilled = errors.New("thread killed")
