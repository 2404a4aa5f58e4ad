package eval

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/timewinder-dev/greenrt/config"
	"github.com/timewinder-dev/greenrt/sched"
	"go.starlark.net/starlark"
)

// Manifest describes a program: the script, its entrypoint, extra threads
// started alongside it and runtime tunables.
type Manifest struct {
	Program ProgramSpec           `toml:"program"`
	Threads map[string]ThreadSpec `toml:"threads,omitempty"`
	Runtime *config.File          `toml:"runtime,omitempty"`
}

type ProgramSpec struct {
	File       string `toml:"file,omitempty"`
	Entrypoint string `toml:"entrypoint,omitempty"`
}

type ThreadSpec struct {
	Entrypoint string `toml:"entrypoint,omitempty"`
	Count      int    `toml:"count,omitempty"`
	Locked     bool   `toml:"locked,omitempty"`
}

func parseManifest(r io.Reader) (*Manifest, error) {
	var out Manifest
	_, err := toml.NewDecoder(r).Decode(&out)
	return &out, err
}

// LoadManifest reads a TOML manifest. Without a program file the script is
// the manifest's name with a .star extension; relative paths resolve
// against the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := parseManifest(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if m.Program.File == "" {
		base := filepath.Base(path)
		m.Program.File = strings.TrimSuffix(base, filepath.Ext(base)) + ".star"
	}
	m.Program.File = filepath.Clean(filepath.Join(filepath.Dir(path), m.Program.File))
	if m.Program.Entrypoint == "" {
		m.Program.Entrypoint = "main"
	}
	return m, nil
}

// Config overlays the manifest's runtime section on the defaults.
func (m *Manifest) Config() (*config.Config, error) {
	if m.Runtime == nil {
		return config.New(), nil
	}
	return config.FromParams(m.Runtime.Apply(config.Default()))
}

// Program is a compiled manifest.
type Program struct {
	Manifest *Manifest
	Script   *Script
}

func (m *Manifest) Build() (*Program, error) {
	s, err := Compile(m.Program.File, nil)
	if err != nil {
		return nil, err
	}
	for name, ts := range m.Threads {
		if _, err := s.Function(ts.entrypoint(name)); err != nil {
			return nil, fmt.Errorf("thread %q: %w", name, err)
		}
	}
	return &Program{Manifest: m, Script: s}, nil
}

func (ts ThreadSpec) entrypoint(name string) string {
	if ts.Entrypoint != "" {
		return ts.Entrypoint
	}
	return name
}

// Main is the program's main thread: it spawns the declared threads, runs
// the entrypoint, then waits for every spawned thread. The first failure is
// returned; the entrypoint's value is the result.
func (p *Program) Main() (sched.Computation, error) {
	entry, err := p.Script.Function(p.Manifest.Program.Entrypoint)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(p.Manifest.Threads))
	for name := range p.Manifest.Threads {
		names = append(names, name)
	}
	sort.Strings(names)

	return sched.Coroutine(func(y *sched.Yielder) (any, error) {
		var hs []*sched.Handle
		for _, name := range names {
			ts := p.Manifest.Threads[name]
			fn, err := p.Script.Function(ts.entrypoint(name))
			if err != nil {
				return nil, err
			}
			opts := []sched.SpawnOption{sched.Label(name)}
			if ts.Locked {
				opts = append(opts, sched.Locked())
			}
			count := max(ts.Count, 1)
			for i := 0; i < count; i++ {
				hs = append(hs, y.Context().Spawn(Call(fn, starlark.Tuple{starlark.MakeInt(i)}), opts...))
			}
		}

		v, err := starlark.Call(newThread(y.Context(), y), entry, nil, nil)
		if err != nil {
			return nil, err
		}
		v.Freeze()
		for _, h := range hs {
			if _, err := y.Wait(h); err != nil {
				return nil, err
			}
		}
		return v, nil
	}), nil
}
