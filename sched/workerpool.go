package sched

import (
	"context"
	"sort"
	"sync"
	"time"
)

// workerPool creates and retires capabilities within the configured bounds.
type workerPool struct {
	s *Scheduler

	mu      sync.Mutex
	caps    map[int]*Capability
	idle    map[int]*Capability
	nextID  int
	peak    int
	spawned uint64
	retired uint64

	ctx context.Context
	wg  sync.WaitGroup
}

func newWorkerPool(s *Scheduler) *workerPool {
	return &workerPool{
		s:    s,
		caps: make(map[int]*Capability),
		idle: make(map[int]*Capability),
	}
}

// spawn starts a new capability if the pool is below its maximum.
func (wp *workerPool) spawn(bootstrap bool) *Capability {
	wp.mu.Lock()
	if len(wp.caps) >= wp.s.p.MaxWorkerCapabilities {
		wp.mu.Unlock()
		return nil
	}
	c := newCapability(wp.s, wp.nextID, bootstrap)
	wp.nextID++
	wp.caps[c.id] = c
	wp.spawned++
	if len(wp.caps) > wp.peak {
		wp.peak = len(wp.caps)
	}
	live := len(wp.caps)
	wp.wg.Add(1)
	wp.mu.Unlock()

	wp.s.metrics.spawns.Inc()
	wp.s.metrics.capabilities.Set(float64(live))
	wp.s.log.Debug().Int("cap", c.id).Int("live", live).Msg("spawned capability")
	go func() {
		defer wp.wg.Done()
		c.run(wp.ctx)
	}()
	return c
}

// maybeSpawn reacts to a global queue whose oldest entry has waited at least
// MinIdleTSOSpawnDelay: an idle capability is woken if there is one,
// otherwise a new one is spawned while below the maximum.
func (wp *workerPool) maybeSpawn(now time.Time) {
	age, ok := wp.s.global.oldestAge(now)
	if !ok || age < wp.s.p.MinIdleTSOSpawnDelay {
		return
	}
	if wp.wakeOne() {
		return
	}
	wp.spawn(false)
}

func (wp *workerPool) monitor(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	tick := wp.s.p.MinIdleTSOSpawnDelay
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			wp.maybeSpawn(now)
			wp.s.observe()
		}
	}
}

func (wp *workerPool) markIdle(c *Capability) {
	wp.mu.Lock()
	wp.idle[c.id] = c
	n := len(wp.idle)
	wp.mu.Unlock()
	wp.s.metrics.idle.Set(float64(n))
}

func (wp *workerPool) markBusy(c *Capability) {
	wp.mu.Lock()
	delete(wp.idle, c.id)
	n := len(wp.idle)
	wp.mu.Unlock()
	wp.s.metrics.idle.Set(float64(n))
}

func (wp *workerPool) anyIdle() bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.idle) > 0
}

// wakeOne signals one idle capability, preferring the lowest id.
func (wp *workerPool) wakeOne() bool {
	wp.mu.Lock()
	var pick *Capability
	for _, c := range wp.idle {
		if pick == nil || c.id < pick.id {
			pick = c
		}
	}
	if pick != nil {
		delete(wp.idle, pick.id)
	}
	wp.mu.Unlock()
	if pick == nil {
		return false
	}
	pick.signal()
	return true
}

func (wp *workerPool) wake(c *Capability) {
	wp.mu.Lock()
	delete(wp.idle, c.id)
	wp.mu.Unlock()
	c.signal()
}

func (wp *workerPool) get(id int) *Capability {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.caps[id]
}

func (wp *workerPool) bootstrap() *Capability {
	return wp.get(0)
}

// retire removes an idle capability. The bootstrap capability is never
// retired, nor is one with queued, parked or pinned threads, nor the last
// live one. The local queue is closed in the same critical section that
// confirms it is empty, so no thread can be stranded on it.
func (wp *workerPool) retire(c *Capability) bool {
	if c.bootstrap || c.parkedCount() > 0 || wp.s.pinnedTo(c.id) {
		return false
	}
	wp.mu.Lock()
	if len(wp.caps) <= 1 || !c.local.closeIfEmpty() {
		wp.mu.Unlock()
		return false
	}
	delete(wp.caps, c.id)
	delete(wp.idle, c.id)
	wp.retired++
	live := len(wp.caps)
	wp.mu.Unlock()

	wp.s.metrics.retires.Inc()
	wp.s.metrics.capabilities.Set(float64(live))
	wp.s.log.Debug().Int("cap", c.id).Int("live", live).
		Dur("idle", c.IdleFor()).Msg("retired capability")
	return true
}

func (wp *workerPool) list() []*Capability {
	wp.mu.Lock()
	out := make([]*Capability, 0, len(wp.caps))
	for _, c := range wp.caps {
		out = append(out, c)
	}
	wp.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (wp *workerPool) counts() (live, idle, peak int, spawned, retired uint64) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.caps), len(wp.idle), wp.peak, wp.spawned, wp.retired
}
