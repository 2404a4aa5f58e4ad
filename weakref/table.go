// Package weakref tracks weak references to runtime values and the
// finalizers that run once those values become unreachable.
package weakref

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EntryID identifies a weak reference entry.
type EntryID uint64

// Finalizer runs once after the entry's target became unreachable.
type Finalizer func()

type entryState int

const (
	entryLive entryState = iota
	entryFinalizing
	entryDead
)

type entry struct {
	id      EntryID
	state   entryState
	fin     Finalizer
	cleared atomic.Bool
	cleanup runtime.Cleanup
	tracked bool
}

// Stats are the table's counters.
type Stats struct {
	Live       int
	Pending    int
	Registered uint64
	Finalized  uint64
	Panics     uint64
}

// Table is the weak reference table shared by all capabilities.
type Table struct {
	mu      sync.Mutex
	entries map[EntryID]*entry
	queue   []*entry
	nextID  EntryID
	gcFirst bool
	stats   Stats
	log     zerolog.Logger
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger used to report finalizer failures.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Table) { t.log = l }
}

// WithGCOnFinalization makes ResolvePending force a collection first.
func WithGCOnFinalization(on bool) Option {
	return func(t *Table) { t.gcFirst = on }
}

func NewTable(opts ...Option) *Table {
	t := &Table{
		entries: make(map[EntryID]*entry),
		log:     log.With().Str("component", "weakref").Logger(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Ref is a weak reference to a *T.
type Ref[T any] struct {
	id  EntryID
	tab *Table
	ent *entry
	ptr weak.Pointer[T]
}

// Register creates an entry for target with an optional finalizer. The table
// holds only a weak pointer, so it never keeps target alive. The Go collector
// reports unreachability through a cleanup; hosts with their own tracer may
// also call ReportUnreachable directly.
func Register[T any](tab *Table, target *T, fin Finalizer) *Ref[T] {
	e := tab.add(fin)
	r := &Ref[T]{id: e.id, tab: tab, ent: e, ptr: weak.Make(target)}
	if target != nil {
		id := e.id
		c := runtime.AddCleanup(target, func(id EntryID) { tab.ReportUnreachable(id) }, id)
		tab.mu.Lock()
		e.cleanup = c
		e.tracked = true
		tab.mu.Unlock()
	}
	return r
}

func (t *Table) add(fin Finalizer) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	e := &entry{id: t.nextID, fin: fin}
	t.entries[e.id] = e
	t.stats.Registered++
	return e
}

// ID returns the entry id.
func (r *Ref[T]) ID() EntryID { return r.id }

// Deref returns the target, or nil once the entry has been cleared.
func (r *Ref[T]) Deref() *T {
	if r.ent.cleared.Load() {
		return nil
	}
	return r.ptr.Value()
}

// Finalize clears the reference now and runs its finalizer on the calling
// goroutine, as if the target had just become unreachable. It reports false
// if the entry was already cleared.
func (r *Ref[T]) Finalize() bool {
	e, ok := r.tab.mark(r.id, false)
	if !ok {
		return false
	}
	r.tab.run(e)
	return true
}

// ReportUnreachable is the collector's notification that the target of id is
// no longer reachable. The reference is cleared before the finalizer is
// queued. A second report for the same entry is a no-op.
func (t *Table) ReportUnreachable(id EntryID) bool {
	_, ok := t.mark(id, true)
	return ok
}

func (t *Table) mark(id EntryID, enqueue bool) (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || e.state != entryLive {
		return nil, false
	}
	e.cleared.Store(true)
	if e.tracked {
		e.cleanup.Stop()
	}
	if e.fin == nil {
		e.state = entryDead
		delete(t.entries, id)
		return e, true
	}
	e.state = entryFinalizing
	if enqueue {
		t.queue = append(t.queue, e)
	}
	return e, true
}

// RunFinalizers runs up to limit queued finalizers (all of them when limit
// <= 0) in the order their entries were marked, and returns how many ran.
func (t *Table) RunFinalizers(limit int) int {
	n := 0
	for limit <= 0 || n < limit {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.mu.Unlock()
			break
		}
		e := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		t.mu.Unlock()

		t.run(e)
		n++
	}
	return n
}

func (t *Table) run(e *entry) {
	t.mu.Lock()
	if e.state != entryFinalizing {
		t.mu.Unlock()
		return
	}
	e.state = entryDead
	fin := e.fin
	e.fin = nil
	delete(t.entries, e.id)
	t.mu.Unlock()

	if err := safeRun(fin); err != nil {
		t.log.Error().Err(err).Uint64("entry", uint64(e.id)).Msg("finalizer failed")
		t.mu.Lock()
		t.stats.Panics++
		t.mu.Unlock()
	}
	t.mu.Lock()
	t.stats.Finalized++
	t.mu.Unlock()
}

func safeRun(fin Finalizer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("finalizer panic: %v", r)
		}
	}()
	if fin != nil {
		fin()
	}
	return nil
}

// Pending is the number of finalizers waiting to run.
func (t *Table) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// ResolvePending runs every queued finalizer, first forcing a collection
// when configured to, so entries whose targets just died are included.
func (t *Table) ResolvePending() int {
	if t.gcFirst {
		runtime.GC()
		runtime.GC()
	}
	return t.RunFinalizers(0)
}

func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.stats
	out.Pending = len(t.queue)
	for _, e := range t.entries {
		if e.state == entryLive {
			out.Live++
		}
	}
	return out
}
