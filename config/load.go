package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of the configuration. Durations are integer
// milliseconds; absent keys keep their defaults.
type File struct {
	MaxWorkerCapabilities             *int        `toml:"max_worker_capabilities,omitempty" yaml:"max_worker_capabilities,omitempty"`
	MaxGlobalSparks                   *int        `toml:"max_global_sparks,omitempty" yaml:"max_global_sparks,omitempty"`
	SparkEviction                     *bool       `toml:"spark_eviction,omitempty" yaml:"spark_eviction,omitempty"`
	MinIdleTSOSpawnDelayMS            *int64      `toml:"min_idle_tso_spawn_delay_ms,omitempty" yaml:"min_idle_tso_spawn_delay_ms,omitempty"`
	MaxBlockedOperationTimeMS         *int64      `toml:"max_blocked_operation_time_ms,omitempty" yaml:"max_blocked_operation_time_ms,omitempty"`
	MinCapabilityIdleBeforeShutdownMS *int64      `toml:"min_capability_idle_before_shutdown_ms,omitempty" yaml:"min_capability_idle_before_shutdown_ms,omitempty"`
	GCOnWeakFinalization              *bool       `toml:"gc_on_weak_finalization,omitempty" yaml:"gc_on_weak_finalization,omitempty"`
	Debug                             *DebugFlags `toml:"debug,omitempty" yaml:"debug,omitempty"`
}

// Apply overlays the values present in f onto p.
func (f *File) Apply(p Params) Params {
	if f.MaxWorkerCapabilities != nil {
		p.MaxWorkerCapabilities = *f.MaxWorkerCapabilities
	}
	if f.MaxGlobalSparks != nil {
		p.MaxGlobalSparks = *f.MaxGlobalSparks
	}
	if f.SparkEviction != nil {
		p.SparkEviction = *f.SparkEviction
	}
	if f.MinIdleTSOSpawnDelayMS != nil {
		p.MinIdleTSOSpawnDelay = time.Duration(*f.MinIdleTSOSpawnDelayMS) * time.Millisecond
	}
	if f.MaxBlockedOperationTimeMS != nil {
		p.MaxBlockedOperationTime = time.Duration(*f.MaxBlockedOperationTimeMS) * time.Millisecond
	}
	if f.MinCapabilityIdleBeforeShutdownMS != nil {
		p.MinCapabilityIdleBeforeShutdown = time.Duration(*f.MinCapabilityIdleBeforeShutdownMS) * time.Millisecond
	}
	if f.GCOnWeakFinalization != nil {
		p.GCOnWeakFinalization = *f.GCOnWeakFinalization
	}
	if f.Debug != nil {
		p.Debug = *f.Debug
	}
	return p
}

func fileFromParams(p Params) File {
	spawn := p.MinIdleTSOSpawnDelay.Milliseconds()
	blocked := p.MaxBlockedOperationTime.Milliseconds()
	idle := p.MinCapabilityIdleBeforeShutdown.Milliseconds()
	return File{
		MaxWorkerCapabilities:             &p.MaxWorkerCapabilities,
		MaxGlobalSparks:                   &p.MaxGlobalSparks,
		SparkEviction:                     &p.SparkEviction,
		MinIdleTSOSpawnDelayMS:            &spawn,
		MaxBlockedOperationTimeMS:         &blocked,
		MinCapabilityIdleBeforeShutdownMS: &idle,
		GCOnWeakFinalization:              &p.GCOnWeakFinalization,
		Debug:                             &p.Debug,
	}
}

func parseTOML(r io.Reader) (*File, error) {
	var out File
	_, err := toml.NewDecoder(r).Decode(&out)
	return &out, err
}

func parseYAML(r io.Reader) (*File, error) {
	var out File
	err := yaml.NewDecoder(r).Decode(&out)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return &out, err
}

// Parse reads a configuration document in the given format ("toml" or
// "yaml") and overlays it on the defaults.
func Parse(r io.Reader, format string) (*Config, error) {
	var (
		f   *File
		err error
	)
	switch strings.ToLower(format) {
	case "toml":
		f, err = parseTOML(r)
	case "yaml", "yml":
		f, err = parseYAML(r)
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s config: %w", format, err)
	}
	return FromParams(f.Apply(Default()))
}

// Load reads a configuration file, choosing the format by extension.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		ext = "toml"
	}
	c, err := Parse(f, ext)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Encode writes the current values as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(fileFromParams(c.Params()))
}
