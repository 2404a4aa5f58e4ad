package sched

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timewinder-dev/greenrt/tso"
)

// threadTable maps ids to live threads. Queues hold ids and resolve them
// here, so no queue refers back to a capability.
type threadTable struct {
	mu      sync.RWMutex
	threads map[tso.ID]*tso.TSO
	next    atomic.Int64
}

func newThreadTable() *threadTable {
	return &threadTable{threads: make(map[tso.ID]*tso.TSO)}
}

func (tt *threadTable) create(cont any, flags tso.Flags) *tso.TSO {
	t := tso.New(tso.ID(tt.next.Add(1)), cont, flags)
	tt.mu.Lock()
	tt.threads[t.ID()] = t
	tt.mu.Unlock()
	return t
}

func (tt *threadTable) get(id tso.ID) *tso.TSO {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	return tt.threads[id]
}

func (tt *threadTable) remove(id tso.ID) {
	tt.mu.Lock()
	delete(tt.threads, id)
	tt.mu.Unlock()
}

func (tt *threadTable) len() int {
	tt.mu.RLock()
	defer tt.mu.RUnlock()
	return len(tt.threads)
}

// all returns the live threads ordered by id.
func (tt *threadTable) all() []*tso.TSO {
	tt.mu.RLock()
	out := make([]*tso.TSO, 0, len(tt.threads))
	for _, t := range tt.threads {
		out = append(out, t)
	}
	tt.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

type queueEntry struct {
	id tso.ID
	at time.Time
}

// runQueue is a FIFO of runnable thread ids. The global queue and every
// local queue share this type; the id is tso.GlobalQueue or the capability
// id and is recorded on each thread for membership tracking.
type runQueue struct {
	mu      sync.Mutex
	id      int
	items   []queueEntry
	closed  bool
	threads *threadTable
}

func newRunQueue(id int, threads *threadTable) *runQueue {
	return &runQueue{id: id, threads: threads}
}

// push appends t. It returns false without error when the queue has been
// closed by a retirement drain.
func (q *runQueue) push(t *tso.TSO, now time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, nil
	}
	if err := t.MarkQueued(q.id, now); err != nil {
		return false, err
	}
	q.items = append(q.items, queueEntry{id: t.ID(), at: now})
	return true, nil
}

// pop removes the oldest live thread. Entries for threads that terminated
// while queued are discarded.
func (q *runQueue) pop() (*tso.TSO, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 {
		e := q.items[0]
		q.items[0] = queueEntry{}
		q.items = q.items[1:]
		t := q.threads.get(e.id)
		if t == nil {
			continue
		}
		if err := t.MarkDequeued(q.id); err != nil {
			return nil, err
		}
		if t.State().IsTerminal() {
			continue
		}
		return t, nil
	}
	return nil, nil
}

func (q *runQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// oldestAge is how long the head entry has been waiting.
func (q *runQueue) oldestAge(now time.Time) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	return now.Sub(q.items[0].at), true
}

func (q *runQueue) ids() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int64, 0, len(q.items))
	for _, e := range q.items {
		out = append(out, int64(e.id))
	}
	return out
}

// closeIfEmpty closes the queue only when it holds no entries, checking and
// closing under one lock so nothing can be pushed in between.
func (q *runQueue) closeIfEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		return false
	}
	q.closed = true
	return true
}

// drain closes the queue and dequeues every entry under its lock, so no
// new assignment can land behind it. Stop uses it before killing whatever
// is left.
func (q *runQueue) drain() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, e := range q.items {
		t := q.threads.get(e.id)
		if t == nil {
			continue
		}
		if err := t.MarkDequeued(q.id); err != nil {
			return err
		}
	}
	q.items = nil
	return nil
}
