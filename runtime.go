// Package greenrt is the process-level entry point of the runtime: it builds
// the spark pool, weak reference table and scheduler from one configuration,
// runs the program's main thread and owns orderly and forced shutdown.
package greenrt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/timewinder-dev/greenrt/config"
	"github.com/timewinder-dev/greenrt/sched"
	"github.com/timewinder-dev/greenrt/spark"
	"github.com/timewinder-dev/greenrt/weakref"
)

// ErrShutdown is the cause recorded on the main thread when Shutdown asks
// for a normal unwind.
var ErrShutdown = errors.New("runtime shutdown requested")

type Runtime struct {
	id     uuid.UUID
	cfg    *config.Config
	log    zerolog.Logger
	sched  *sched.Scheduler
	sparks *spark.Pool
	weak   *weakref.Table
	out    *syncWriter
	exit   func(int)

	started  atomic.Bool
	main     atomic.Pointer[sched.Handle]
	exitCode atomic.Int32
	stopOnce sync.Once
}

type options struct {
	log      *zerolog.Logger
	stdout   io.Writer
	exit     func(int)
	registry prometheus.Registerer
}

type Option func(*options)

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = &l }
}

// WithStdout sets where program output goes. It is buffered and flushed on
// exit and by Flush.
func WithStdout(w io.Writer) Option {
	return func(o *options) { o.stdout = w }
}

// WithExitFunc replaces os.Exit for forced termination.
func WithExitFunc(fn func(int)) Option {
	return func(o *options) { o.exit = fn }
}

// WithMetrics registers scheduler metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// New captures every subsystem of cfg and constructs the runtime. A nil cfg
// uses the defaults. Setters on cfg fail with config.ErrFrozen afterwards.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	o := options{stdout: os.Stdout, exit: os.Exit}
	for _, fn := range opts {
		fn(&o)
	}
	if cfg == nil {
		cfg = config.New()
	}
	rt := &Runtime{
		id:   uuid.New(),
		cfg:  cfg,
		out:  newSyncWriter(o.stdout),
		exit: o.exit,
	}
	base := log.Logger
	if o.log != nil {
		base = *o.log
	}
	rt.log = base.With().Str("runtime", rt.id.String()).Logger()

	sp := cfg.Capture(config.SubsystemSparks)
	rt.sparks = spark.New(sp.MaxGlobalSparks, sp.SparkEviction)

	wp := cfg.Capture(config.SubsystemWeak)
	rt.weak = weakref.NewTable(
		weakref.WithLogger(rt.log.With().Str("component", "weakref").Logger()),
		weakref.WithGCOnFinalization(wp.GCOnWeakFinalization),
	)

	s, err := sched.New(cfg.Capture(config.SubsystemScheduler),
		sched.WithLogger(rt.log.With().Str("component", "sched").Logger()),
		sched.WithSparks(rt.sparks),
		sched.WithWeak(rt.weak),
		sched.WithMetrics(o.registry),
		sched.WithStdout(rt.out),
		sched.WithFatal(rt.fatal),
	)
	if err != nil {
		return nil, fmt.Errorf("building scheduler: %w", err)
	}
	rt.sched = s
	return rt, nil
}

func (rt *Runtime) ID() uuid.UUID               { return rt.id }
func (rt *Runtime) Config() *config.Config      { return rt.cfg }
func (rt *Runtime) Scheduler() *sched.Scheduler { return rt.sched }
func (rt *Runtime) Weak() *weakref.Table        { return rt.weak }
func (rt *Runtime) Sparks() *spark.Pool         { return rt.sparks }
func (rt *Runtime) Stdout() io.Writer           { return rt.out }
func (rt *Runtime) Logger() zerolog.Logger      { return rt.log }
func (rt *Runtime) MainThread() *sched.Handle   { return rt.main.Load() }

// Start runs entry as the main thread on the bootstrap capability and
// blocks until it terminates. Output is flushed and pending finalizers run
// before the scheduler stops. The result is 0 when the main thread finished
// and 1 when it was killed, unless Shutdown recorded another code.
func (rt *Runtime) Start(entry sched.Computation) int {
	if !rt.started.CompareAndSwap(false, true) {
		rt.log.Error().Msg("runtime already started")
		return 1
	}
	if err := rt.sched.Start(context.Background()); err != nil {
		rt.log.Error().Err(err).Msg("starting scheduler")
		return 1
	}
	h, err := rt.sched.SubmitMain(entry)
	if err != nil {
		rt.log.Error().Err(err).Msg("submitting main thread")
		rt.stop()
		return 1
	}
	rt.main.Store(h)

	code := 0
	if _, err := h.Result(); err != nil {
		switch {
		case errors.Is(err, ErrShutdown):
			code = int(rt.exitCode.Load())
		default:
			rt.log.Error().Err(err).Msg("main thread killed")
			code = 1
		}
	}
	rt.Exit()
	rt.stop()
	rt.log.Debug().Int("code", code).Msg("runtime finished")
	return code
}

// Submit starts c on a new thread without waiting.
func (rt *Runtime) Submit(c sched.Computation, opts ...sched.SpawnOption) *sched.Handle {
	return rt.sched.Submit(c, opts...)
}

// SubmitWait runs c on a new thread and waits for its result. A failure is
// returned as *sched.ThreadKilledError.
func (rt *Runtime) SubmitWait(ctx context.Context, c sched.Computation, opts ...sched.SpawnOption) (any, error) {
	return rt.sched.SubmitWait(ctx, c, opts...)
}

// Exit flushes output and runs every pending finalizer. It does not stop
// the scheduler.
func (rt *Runtime) Exit() {
	if err := rt.Flush(); err != nil {
		rt.log.Warn().Err(err).Msg("flushing stdout")
	}
	if n := rt.weak.ResolvePending(); n > 0 {
		rt.log.Debug().Int("finalizers", n).Msg("ran pending finalizers")
	}
}

// Shutdown ends the program. Unless fast, output is flushed and finalizers
// run first. When hard or code is non-zero the exit function is called;
// otherwise the main thread is interrupted and Start returns code.
func (rt *Runtime) Shutdown(code int, fast, hard bool) {
	rt.log.Info().Int("code", code).Bool("fast", fast).Bool("hard", hard).Msg("shutdown requested")
	if !fast {
		rt.Exit()
	}
	if hard || code != 0 {
		rt.exit(code)
		return
	}
	rt.exitCode.Store(int32(code))
	if h := rt.main.Load(); h != nil {
		rt.sched.Kill(h, ErrShutdown)
		return
	}
	go rt.stop()
}

// ShutdownSignal is the shutdown path for termination signals; it always
// exits with status 1.
func (rt *Runtime) ShutdownSignal(sig os.Signal, fast bool) {
	rt.log.Warn().Stringer("signal", sig).Msg("terminating on signal")
	rt.Shutdown(1, fast, false)
}

// Flush writes buffered program output.
func (rt *Runtime) Flush() error {
	return rt.out.Flush()
}

func (rt *Runtime) stop() {
	rt.stopOnce.Do(rt.sched.Stop)
}

func (rt *Runtime) fatal(err error) {
	rt.log.Error().Err(err).Msg("unrecoverable scheduler failure")
	if ferr := rt.Flush(); ferr != nil {
		rt.log.Warn().Err(ferr).Msg("flushing stdout")
	}
	rt.exit(1)
}

// Register tracks target weakly in the runtime's table.
func Register[T any](rt *Runtime, target *T, fin weakref.Finalizer) *weakref.Ref[T] {
	return weakref.Register(rt.weak, target, fin)
}

// syncWriter is a buffered writer shared by every capability.
type syncWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func newSyncWriter(w io.Writer) *syncWriter {
	return &syncWriter{w: bufio.NewWriter(w)}
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *syncWriter) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}
