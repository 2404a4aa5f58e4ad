package sched

import (
	"context"

	"github.com/timewinder-dev/greenrt/tso"
)

// Handle refers to a submitted thread. It is also a Condition, ready once
// the thread terminates.
type Handle struct {
	t *tso.TSO
}

func (h *Handle) ID() tso.ID            { return h.t.ID() }
func (h *Handle) State() tso.State      { return h.t.State() }
func (h *Handle) Label() string         { return h.t.Label() }
func (h *Handle) Done() <-chan struct{} { return h.t.Done() }

func (h *Handle) Ready() bool {
	select {
	case <-h.t.Done():
		return true
	default:
		return false
	}
}

// Result waits for the thread to terminate. A killed or failed thread
// yields a *ThreadKilledError carrying the cause.
func (h *Handle) Result() (any, error) {
	<-h.t.Done()
	v, cause := h.t.Result()
	if h.t.State() == tso.Killed {
		return nil, &ThreadKilledError{ID: h.t.ID(), Cause: cause}
	}
	return v, nil
}

// Wait is Result bounded by ctx.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.t.Done():
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
