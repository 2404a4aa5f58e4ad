package sched

import (
	"sync"
	"time"
)

// Condition is something a blocked thread waits for. Done may return nil
// for conditions that can only be polled.
type Condition interface {
	Ready() bool
	Done() <-chan struct{}
}

// Event is a one-shot condition resolved by an external party such as the
// I/O manager.
type Event struct {
	once sync.Once
	ch   chan struct{}
}

func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Resolve marks the event ready. Extra calls are ignored.
func (e *Event) Resolve() {
	e.once.Do(func() { close(e.ch) })
}

func (e *Event) Ready() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

func (e *Event) Done() <-chan struct{} { return e.ch }

type deadline struct {
	at time.Time
	ch chan struct{}
}

// Deadline is ready once at has passed.
func Deadline(at time.Time) Condition {
	d := &deadline{at: at, ch: make(chan struct{})}
	wait := time.Until(at)
	if wait <= 0 {
		close(d.ch)
	} else {
		time.AfterFunc(wait, func() { close(d.ch) })
	}
	return d
}

func (d *deadline) Ready() bool           { return !time.Now().Before(d.at) }
func (d *deadline) Done() <-chan struct{} { return d.ch }

type pollCond func() bool

// Poll wraps a readiness check that has no notification channel.
func Poll(ready func() bool) Condition {
	return pollCond(ready)
}

func (p pollCond) Ready() bool           { return p() }
func (p pollCond) Done() <-chan struct{} { return nil }

// waitBounded waits at most d for cond, returning early if interrupt closes.
// It reports whether cond is ready when it returns.
func waitBounded(cond Condition, d time.Duration, interrupt <-chan struct{}) bool {
	if cond.Ready() {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-cond.Done():
	case <-timer.C:
	case <-interrupt:
	}
	return cond.Ready()
}
