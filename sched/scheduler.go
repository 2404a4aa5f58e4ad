// Package sched multiplexes logical threads onto a dynamically sized pool of
// capabilities. It owns the run queues, the capability scheduling loop, the
// worker pool manager and the blocking policy.
package sched

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/timewinder-dev/greenrt/config"
	"github.com/timewinder-dev/greenrt/snapshot"
	"github.com/timewinder-dev/greenrt/spark"
	"github.com/timewinder-dev/greenrt/tso"
	"github.com/timewinder-dev/greenrt/weakref"
)

type Scheduler struct {
	p       config.Params
	log     zerolog.Logger
	threads *threadTable
	global  *runQueue
	pool    *workerPool
	sparks  *spark.Pool
	weak    *weakref.Table
	metrics *metrics
	stdout  io.Writer
	fatalFn func(error)
	snaps   *snapshot.Store
	reg     prometheus.Registerer

	started     atomic.Bool
	stopped     atomic.Bool
	stopOnce    sync.Once
	cancel      context.CancelFunc
	monitorDone chan struct{}
	fatalOnce   sync.Once

	finished atomic.Uint64
	killed   atomic.Uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithSparks shares a spark pool instead of building one from the params.
func WithSparks(p *spark.Pool) Option {
	return func(s *Scheduler) { s.sparks = p }
}

// WithWeak attaches the weak reference table serviced at safe points.
func WithWeak(t *weakref.Table) Option {
	return func(s *Scheduler) { s.weak = t }
}

// WithMetrics registers the scheduler's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Scheduler) { s.reg = reg }
}

// WithStdout sets the writer computations print to.
func WithStdout(w io.Writer) Option {
	return func(s *Scheduler) { s.stdout = w }
}

// WithFatal replaces the handler for invariant violations. The default logs
// at fatal level, which exits the process.
func WithFatal(fn func(error)) Option {
	return func(s *Scheduler) { s.fatalFn = fn }
}

// WithSnapshots keeps a snapshot per monitor tick in st while scheduler
// debugging is on.
func WithSnapshots(st *snapshot.Store) Option {
	return func(s *Scheduler) { s.snaps = st }
}

// New builds a scheduler from captured parameters. Nothing runs until Start.
func New(p config.Params, opts ...Option) (*Scheduler, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		p:       p,
		log:     log.Logger.With().Str("component", "sched").Logger(),
		threads: newThreadTable(),
		stdout:  io.Discard,
	}
	for _, o := range opts {
		o(s)
	}
	if s.sparks == nil {
		s.sparks = spark.New(p.MaxGlobalSparks, p.SparkEviction)
	}
	if s.fatalFn == nil {
		s.fatalFn = func(err error) {
			s.log.Fatal().Err(err).Msg("scheduler invariant violated")
		}
	}
	if p.Debug.Scheduler && s.snaps == nil {
		s.snaps = snapshot.NewStore(0)
	}
	s.metrics = newMetrics(s.reg)
	s.global = newRunQueue(tso.GlobalQueue, s.threads)
	s.pool = newWorkerPool(s)
	return s, nil
}

// debug returns a nil event, on which every call is a no-op, unless
// scheduler debugging is enabled.
func (s *Scheduler) debug() *zerolog.Event {
	if !s.p.Debug.Scheduler {
		return nil
	}
	return s.log.Debug()
}

func (s *Scheduler) Params() config.Params { return s.p }

func (s *Scheduler) Sparks() *spark.Pool { return s.sparks }

func (s *Scheduler) Snapshots() *snapshot.Store { return s.snaps }

// Start launches the bootstrap capability and the worker pool monitor.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.pool.ctx = ctx
	s.pool.spawn(true)
	s.monitorDone = make(chan struct{})
	go s.pool.monitor(ctx, s.monitorDone)
	s.log.Info().
		Int("max_capabilities", s.p.MaxWorkerCapabilities).
		Int("max_sparks", s.p.MaxGlobalSparks).
		Msg("scheduler started")
	return nil
}

// Stop halts every capability after its current step, then kills all
// threads that are still alive with ErrStopped so each created thread ends
// in exactly one terminal state.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		if s.cancel != nil {
			s.cancel()
			s.pool.wg.Wait()
			<-s.monitorDone
		}
		for _, c := range s.pool.list() {
			if err := c.local.drain(); err != nil {
				s.fatal(&InvariantError{Op: "stop", Err: err})
			}
		}
		if err := s.global.drain(); err != nil {
			s.fatal(&InvariantError{Op: "stop", Err: err})
		}
		n := 0
		for _, t := range s.threads.all() {
			if err := t.Kill(ErrStopped); err == nil {
				s.terminated(t)
				n++
			}
		}
		live, _, peak, spawned, retired := s.pool.counts()
		s.log.Info().Int("killed", n).Int("live", live).Int("peak", peak).
			Uint64("spawned", spawned).Uint64("retired", retired).
			Msg("scheduler stopped")
	})
}

func (s *Scheduler) newThread(c Computation, cfg spawnConfig) *tso.TSO {
	if cfg.strict {
		c = &strict{inner: c}
	}
	t := s.threads.create(c, cfg.flags)
	if cfg.label != "" {
		t.SetLabel(cfg.label)
	}
	if cfg.home != tso.NoCapability {
		t.SetHome(cfg.home)
	}
	s.metrics.threads.Set(float64(s.threads.len()))
	return t
}

func (s *Scheduler) spawn(from *Capability, c Computation, opts ...SpawnOption) *Handle {
	cfg := defaultSpawnConfig()
	for _, o := range opts {
		o(&cfg)
	}
	t := s.newThread(c, cfg)
	h := &Handle{t: t}
	if s.stopped.Load() {
		s.kill(t, ErrStopped)
		return h
	}
	s.debug().Int64("thread", int64(t.ID())).Str("label", cfg.label).Msg("spawned thread")
	s.place(from, t)
	return h
}

// Submit creates a thread for c and enqueues it without waiting.
func (s *Scheduler) Submit(c Computation, opts ...SpawnOption) *Handle {
	return s.spawn(nil, c, opts...)
}

// SubmitWait submits c and blocks until it terminates.
func (s *Scheduler) SubmitWait(ctx context.Context, c Computation, opts ...SpawnOption) (any, error) {
	return s.Submit(c, opts...).Wait(ctx)
}

// SubmitMain creates the program's main thread, bound to the bootstrap
// capability.
func (s *Scheduler) SubmitMain(c Computation) (*Handle, error) {
	boot := s.pool.bootstrap()
	if boot == nil {
		return nil, fmt.Errorf("submit main thread: %w", ErrStopped)
	}
	cfg := defaultSpawnConfig()
	cfg.flags |= tso.Locked
	cfg.label = "main"
	cfg.home = boot.id
	t := s.newThread(c, cfg)
	s.place(nil, t)
	return &Handle{t: t}, nil
}

// place enqueues a runnable thread. Locked threads go to their home
// capability. Otherwise the thread stays on the local queue of the
// capability it came from only while no capability is idle and that queue
// is below localQueueSlots. Everything else overflows to the global queue,
// where idle capabilities pick it up and its age drives worker spawning.
func (s *Scheduler) place(from *Capability, t *tso.TSO) {
	now := time.Now()
	if t.Flags().Has(tso.Locked) && t.Home() != tso.NoCapability {
		home := s.pool.get(t.Home())
		if home == nil {
			s.fatal(&InvariantError{Op: "place", Err: fmt.Errorf("thread %d is locked to missing capability %d", t.ID(), t.Home())})
			return
		}
		if s.push(home.local, t, now) {
			if home != from {
				s.pool.wake(home)
			}
			return
		}
	}
	if from != nil && from.local.len() < localQueueSlots && !s.pool.anyIdle() {
		if s.push(from.local, t, now) {
			return
		}
	}
	s.pushGlobal(t, now)
}

func (s *Scheduler) pushGlobal(t *tso.TSO, now time.Time) {
	if !s.push(s.global, t, now) {
		// Only Stop closes the global queue.
		s.kill(t, ErrStopped)
		return
	}
	s.metrics.globalDepth.Set(float64(s.global.len()))
	s.pool.wakeOne()
}

func (s *Scheduler) push(q *runQueue, t *tso.TSO, now time.Time) bool {
	ok, err := q.push(t, now)
	if err != nil {
		s.fatal(&InvariantError{Op: "enqueue", Err: err})
		return false
	}
	return ok
}

// Spark offers th to the global spark pool and wakes an idle capability to
// claim it.
func (s *Scheduler) Spark(th *Thunk) spark.OfferResult {
	_, res := s.sparks.Offer(th)
	s.metrics.sparks.WithLabelValues(res.String()).Inc()
	if res != spark.OfferDropped {
		s.pool.wakeOne()
	}
	return res
}

// Throw requests asynchronous interruption of t.
func (s *Scheduler) Throw(t *tso.TSO, cause error) tso.KillOutcome {
	out := t.RequestKill(cause)
	if out == tso.KillApplied {
		s.terminated(t)
	}
	s.debug().Int64("thread", int64(t.ID())).Int("outcome", int(out)).Msg("throw")
	return out
}

// Kill is Throw by handle.
func (s *Scheduler) Kill(h *Handle, cause error) tso.KillOutcome {
	return s.Throw(h.t, cause)
}

func (s *Scheduler) kill(t *tso.TSO, cause error) {
	if err := t.Kill(cause); err != nil {
		if t.State().IsTerminal() {
			return
		}
		s.fatal(&InvariantError{Op: "kill", Err: err})
		return
	}
	s.terminated(t)
}

// terminated runs exactly once per thread, after its terminal transition.
func (s *Scheduler) terminated(t *tso.TSO) {
	s.threads.remove(t.ID())
	s.metrics.threads.Set(float64(s.threads.len()))
	state := t.State()
	s.metrics.outcomes.WithLabelValues(state.String()).Inc()
	if state == tso.Killed {
		s.killed.Add(1)
		_, cause := t.Result()
		s.debug().Int64("thread", int64(t.ID())).AnErr("cause", cause).Msg("thread killed")
	} else {
		s.finished.Add(1)
	}
}

// pinnedTo reports whether a live locked thread has capID as its home.
func (s *Scheduler) pinnedTo(capID int) bool {
	for _, t := range s.threads.all() {
		if t.Flags().Has(tso.Locked) && t.Home() == capID && !t.State().IsTerminal() {
			return true
		}
	}
	return false
}

func (s *Scheduler) fatal(err error) {
	s.fatalOnce.Do(func() {
		s.log.Error().Err(err).Msg("fatal scheduler error")
		s.fatalFn(err)
	})
}

// observe refreshes gauges and, in scheduler debug mode, stores a snapshot.
func (s *Scheduler) observe() {
	s.metrics.globalDepth.Set(float64(s.global.len()))
	s.metrics.sparkPool.Set(float64(s.sparks.Len()))
	if s.snaps == nil || !s.p.Debug.Scheduler {
		return
	}
	if _, err := s.snaps.Put(s.Snapshot()); err != nil {
		s.log.Warn().Err(err).Msg("storing scheduler snapshot")
	}
}

// Stats are scheduler counters.
type Stats struct {
	Capabilities     int
	IdleCapabilities int
	PeakCapabilities int
	Spawned          uint64
	Retired          uint64
	Threads          int
	Finished         uint64
	Killed           uint64
	GlobalQueue      int
	Sparks           spark.Stats
}

func (s *Scheduler) Stats() Stats {
	live, idle, peak, spawned, retired := s.pool.counts()
	return Stats{
		Capabilities:     live,
		IdleCapabilities: idle,
		PeakCapabilities: peak,
		Spawned:          spawned,
		Retired:          retired,
		Threads:          s.threads.len(),
		Finished:         s.finished.Load(),
		Killed:           s.killed.Load(),
		GlobalQueue:      s.global.len(),
		Sparks:           s.sparks.Stats(),
	}
}

// Snapshot dumps the queues and capabilities one structure at a time. It is
// only consistent while no capability is mid-transition.
func (s *Scheduler) Snapshot() *snapshot.Snapshot {
	snap := &snapshot.Snapshot{
		TakenNS:   time.Now().UnixNano(),
		Global:    s.global.ids(),
		SparkPool: s.sparks.Len(),
	}
	for _, c := range s.pool.list() {
		snap.Capabilities = append(snap.Capabilities, snapshot.Capability{
			ID:        c.id,
			Bootstrap: c.bootstrap,
			Current:   c.current.Load(),
			Local:     c.local.ids(),
			Blocked:   c.parkedIDs(),
			IdleForNS: c.IdleFor().Nanoseconds(),
		})
	}
	counts := make(map[string]int)
	for _, t := range s.threads.all() {
		st := t.State()
		if st.IsTerminal() {
			continue
		}
		counts[st.String()]++
		if st == tso.Runnable {
			snap.Runnable = append(snap.Runnable, int64(t.ID()))
		}
	}
	for name, n := range counts {
		snap.States = append(snap.States, snapshot.StateCount{State: name, Count: n})
	}
	sort.Slice(snap.States, func(i, j int) bool { return snap.States[i].State < snap.States[j].State })
	if s.weak != nil {
		snap.PendingFinalizers = s.weak.Pending()
	}
	return snap
}

// CheckInvariants verifies, at a quiescent point, that the run queues hold
// exactly the runnable threads and that the capability count is in bounds.
func (s *Scheduler) CheckInvariants() error {
	live, _, peak, _, _ := s.pool.counts()
	if s.started.Load() && !s.stopped.Load() && live < 1 {
		return &InvariantError{Op: "check", Err: fmt.Errorf("no live capability")}
	}
	if peak > s.p.MaxWorkerCapabilities {
		return &InvariantError{Op: "check", Err: fmt.Errorf("peak capabilities %d exceed maximum %d", peak, s.p.MaxWorkerCapabilities)}
	}
	if err := s.Snapshot().CheckQueues(); err != nil {
		return &InvariantError{Op: "check", Err: err}
	}
	return nil
}
