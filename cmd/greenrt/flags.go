package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/timewinder-dev/greenrt/config"
)

var (
	configPath   string
	maxWorkers   int
	maxSparks    int
	noEviction   bool
	spawnDelay   time.Duration
	blockedTime  time.Duration
	idleShutdown time.Duration
	gcWeak       bool
	debugModes   string
)

func addConfigFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "Runtime configuration file (.toml or .yaml)")
	f.IntVar(&maxWorkers, "max-workers", 0, "Maximum number of capabilities, bootstrap included")
	f.IntVar(&maxSparks, "max-sparks", 0, "Maximum size of the global spark pool")
	f.BoolVar(&noEviction, "no-spark-eviction", false, "Drop new sparks instead of evicting the oldest when the pool is full")
	f.DurationVar(&spawnDelay, "spawn-delay", 0, "Queue wait before a worker capability is spawned")
	f.DurationVar(&blockedTime, "max-blocked", 0, "Re-check interval for blocked threads")
	f.DurationVar(&idleShutdown, "idle-shutdown", 0, "Idle time before a worker capability is retired")
	f.BoolVar(&gcWeak, "gc-weak", false, "Force a collection before resolving weak references at exit")
	f.StringVar(&debugModes, "debug", "", "Debug categories: s (scheduler), m (transactional memory)")
}

// applyConfigFlags overlays the flags the user set on cfg.
func applyConfigFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	set := []struct {
		flag  string
		apply func() error
	}{
		{"max-workers", func() error { return cfg.SetMaxWorkerCapabilities(maxWorkers) }},
		{"max-sparks", func() error { return cfg.SetMaxGlobalSparks(maxSparks) }},
		{"no-spark-eviction", func() error { return cfg.SetSparkEviction(!noEviction) }},
		{"spawn-delay", func() error { return cfg.SetMinIdleTSOSpawnDelay(spawnDelay) }},
		{"max-blocked", func() error { return cfg.SetMaxBlockedOperationTime(blockedTime) }},
		{"idle-shutdown", func() error { return cfg.SetMinCapabilityIdleBeforeShutdown(idleShutdown) }},
		{"gc-weak", func() error { return cfg.SetGCOnWeakFinalization(gcWeak) }},
		{"debug", func() error {
			flags, err := config.ParseDebugFlags(debugModes)
			if err != nil {
				return err
			}
			return cfg.SetDebugFlags(flags)
		}},
	}
	for _, s := range set {
		if !f.Changed(s.flag) {
			continue
		}
		if err := s.apply(); err != nil {
			return fmt.Errorf("--%s: %w", s.flag, err)
		}
	}
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.New()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}
	if err := applyConfigFlags(cmd, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
