package config

import (
	"runtime"
	"sync"
	"time"
)

// Subsystem names a component that captures part of the configuration.
// Once captured, the parameters that belong to it can no longer change.
type Subsystem int

const (
	SubsystemScheduler Subsystem = iota
	SubsystemSparks
	SubsystemWeak
	numSubsystems
)

func (s Subsystem) String() string {
	switch s {
	case SubsystemScheduler:
		return "scheduler"
	case SubsystemSparks:
		return "sparks"
	case SubsystemWeak:
		return "weak"
	}
	return "unknown"
}

// Params is the plain set of tunables. Components are constructed from a
// captured copy and never see later changes.
type Params struct {
	// MaxWorkerCapabilities is the total number of capabilities the runtime
	// may have live at once, the bootstrap capability included.
	MaxWorkerCapabilities int
	// MaxGlobalSparks caps the global spark pool.
	MaxGlobalSparks int
	// SparkEviction selects what happens when the spark pool is full: evict
	// the oldest spark (true) or drop the offered one (false).
	SparkEviction bool
	// MinIdleTSOSpawnDelay is how long the oldest thread in the global run
	// queue must wait before a new worker capability is spawned for it.
	MinIdleTSOSpawnDelay time.Duration
	// MaxBlockedOperationTime bounds a single wait on a blocking operation
	// before control returns to the scheduling loop.
	MaxBlockedOperationTime time.Duration
	// MinCapabilityIdleBeforeShutdown is the idle time after which a worker
	// capability becomes a retirement candidate.
	MinCapabilityIdleBeforeShutdown time.Duration
	// GCOnWeakFinalization forces a collection before pending weak
	// references are resolved at exit.
	GCOnWeakFinalization bool
	Debug                DebugFlags
}

// Default returns the runtime defaults.
func Default() Params {
	return Params{
		MaxWorkerCapabilities:           2*runtime.NumCPU() + 1,
		MaxGlobalSparks:                 4096,
		SparkEviction:                   true,
		MinIdleTSOSpawnDelay:            20 * time.Millisecond,
		MaxBlockedOperationTime:         1 * time.Millisecond,
		MinCapabilityIdleBeforeShutdown: 1000 * time.Millisecond,
	}
}

// Validate checks the parameters for values no component can run with.
func (p Params) Validate() error {
	if p.MaxWorkerCapabilities < 1 {
		return invalid("max_worker_capabilities", "must be at least 1")
	}
	if p.MaxGlobalSparks < 1 {
		return invalid("max_global_sparks", "must be at least 1")
	}
	if p.MinIdleTSOSpawnDelay < 0 {
		return invalid("min_idle_tso_spawn_delay", "must not be negative")
	}
	if p.MaxBlockedOperationTime <= 0 {
		return invalid("max_blocked_operation_time", "must be positive")
	}
	if p.MinCapabilityIdleBeforeShutdown <= 0 {
		return invalid("min_capability_idle_before_shutdown", "must be positive")
	}
	return nil
}

// MaxBlockedOperationNanos mirrors the nanosecond getter hosts commonly use
// for timed waits.
func (p Params) MaxBlockedOperationNanos() int64 {
	return p.MaxBlockedOperationTime.Nanoseconds()
}

func (p Params) MinCapabilityIdleNanos() int64 {
	return p.MinCapabilityIdleBeforeShutdown.Nanoseconds()
}

// Config is the process-wide configuration surface. It is built once at
// start, mutated through its setters, and captured subsystem by subsystem as
// components are constructed.
type Config struct {
	mu       sync.Mutex
	p        Params
	captured [numSubsystems]bool
}

// New returns a Config holding the defaults.
func New() *Config {
	return &Config{p: Default()}
}

// FromParams returns a Config initialised from p after validating it.
func FromParams(p Params) (*Config, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Config{p: p}, nil
}

// Params returns a copy of the current values without capturing anything.
func (c *Config) Params() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p
}

// Capture freezes the parameters belonging to sub and returns a snapshot of
// all values. Capturing twice is allowed; the guard is one-shot.
func (c *Config) Capture(sub Subsystem) Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captured[sub] = true
	return c.p
}

// Captured reports whether sub has been captured.
func (c *Config) Captured(sub Subsystem) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captured[sub]
}

func (c *Config) set(sub Subsystem, param string, apply func(p *Params)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.captured[sub] {
		return &ConfigError{Param: param, Subsystem: sub, Err: ErrFrozen}
	}
	next := c.p
	apply(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	c.p = next
	return nil
}

func (c *Config) SetMaxWorkerCapabilities(n int) error {
	return c.set(SubsystemScheduler, "max_worker_capabilities", func(p *Params) {
		p.MaxWorkerCapabilities = n
	})
}

// SetMaxGlobalSparks is rejected once the spark pool has been constructed.
func (c *Config) SetMaxGlobalSparks(n int) error {
	return c.set(SubsystemSparks, "max_global_sparks", func(p *Params) {
		p.MaxGlobalSparks = n
	})
}

func (c *Config) SetSparkEviction(evict bool) error {
	return c.set(SubsystemSparks, "spark_eviction", func(p *Params) {
		p.SparkEviction = evict
	})
}

func (c *Config) SetMinIdleTSOSpawnDelay(d time.Duration) error {
	return c.set(SubsystemScheduler, "min_idle_tso_spawn_delay", func(p *Params) {
		p.MinIdleTSOSpawnDelay = d
	})
}

func (c *Config) SetMaxBlockedOperationTime(d time.Duration) error {
	return c.set(SubsystemScheduler, "max_blocked_operation_time", func(p *Params) {
		p.MaxBlockedOperationTime = d
	})
}

func (c *Config) SetMinCapabilityIdleBeforeShutdown(d time.Duration) error {
	return c.set(SubsystemScheduler, "min_capability_idle_before_shutdown", func(p *Params) {
		p.MinCapabilityIdleBeforeShutdown = d
	})
}

func (c *Config) SetGCOnWeakFinalization(on bool) error {
	return c.set(SubsystemWeak, "gc_on_weak_finalization", func(p *Params) {
		p.GCOnWeakFinalization = on
	})
}

// SetDebugMode enables the single debug category named by c. Categories are
// independent: enabling the scheduler category does not enable STM.
func (c *Config) SetDebugMode(r rune) error {
	flag, err := debugFlagFor(r)
	if err != nil {
		return err
	}
	return c.set(SubsystemScheduler, "debug", func(p *Params) {
		p.Debug = p.Debug.With(flag)
	})
}

// SetDebugFlags replaces the full set of debug categories.
func (c *Config) SetDebugFlags(f DebugFlags) error {
	return c.set(SubsystemScheduler, "debug", func(p *Params) {
		p.Debug = f
	})
}
