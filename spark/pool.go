// Package spark implements the bounded global pool of speculative
// evaluation requests.
package spark

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Target is the not-yet-forced computation a spark refers to.
type Target interface {
	// Evaluated reports whether the computation has already been forced (or
	// is being forced) elsewhere, in which case the spark is useless.
	Evaluated() bool
}

// Spark is a request to evaluate Target in parallel.
type Spark struct {
	Token   uuid.UUID
	Target  Target
	Seq     uint64
	Created time.Time
}

// OfferResult says what Offer did with a spark.
type OfferResult int

const (
	OfferAdded OfferResult = iota
	// OfferEvicted: added after evicting the oldest spark.
	OfferEvicted
	// OfferDropped: the pool was full and eviction is disabled.
	OfferDropped
)

func (r OfferResult) String() string {
	switch r {
	case OfferAdded:
		return "added"
	case OfferEvicted:
		return "evicted"
	case OfferDropped:
		return "dropped"
	}
	return "unknown"
}

// Stats are cumulative pool counters.
type Stats struct {
	Size    int
	Max     int
	Offered uint64
	Claimed uint64
	Evicted uint64
	Dropped uint64
	Pruned  uint64
}

// Pool is a FIFO of sparks capped at a maximum size. All operations take a
// single mutex and never block on anything else.
type Pool struct {
	mu    sync.Mutex
	max   int
	evict bool
	order *list.List
	seq   uint64
	stats Stats
}

// New creates a pool holding at most max sparks. When evict is true a full
// pool makes room by dropping its oldest spark; otherwise new offers are
// dropped.
func New(max int, evict bool) *Pool {
	if max <= 0 {
		max = 1
	}
	return &Pool{
		max:   max,
		evict: evict,
		order: list.New(),
		stats: Stats{Max: max},
	}
}

// Offer inserts a spark for target and returns it with the outcome.
func (p *Pool) Offer(target Target) (Spark, OfferResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	p.stats.Offered++
	s := Spark{
		Token:   uuid.New(),
		Target:  target,
		Seq:     p.seq,
		Created: time.Now(),
	}

	result := OfferAdded
	if p.order.Len() >= p.max {
		if !p.evict {
			p.stats.Dropped++
			return s, OfferDropped
		}
		p.evictOldest()
		result = OfferEvicted
	}
	p.order.PushBack(s)
	return s, result
}

// evictOldest removes the oldest spark from the pool.
func (p *Pool) evictOldest() {
	elem := p.order.Front()
	if elem != nil {
		p.order.Remove(elem)
		p.stats.Evicted++
	}
}

// Claim removes and returns the oldest spark still worth evaluating. Sparks
// whose target has already been evaluated are discarded on the way; this is
// the only place they are pruned.
func (p *Pool) Claim() (Spark, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		elem := p.order.Front()
		if elem == nil {
			return Spark{}, false
		}
		p.order.Remove(elem)
		s := elem.Value.(Spark)
		if s.Target == nil || s.Target.Evaluated() {
			p.stats.Pruned++
			continue
		}
		p.stats.Claimed++
		return s, true
	}
}

// Len is the number of sparks currently in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}

// Max is the configured capacity.
func (p *Pool) Max() int {
	return p.max
}

// Stats returns current pool statistics for monitoring.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.stats
	out.Size = p.order.Len()
	return out
}
