package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/timewinder-dev/greenrt"
	"github.com/timewinder-dev/greenrt/config"
	"github.com/timewinder-dev/greenrt/eval"
	"github.com/timewinder-dev/greenrt/sched"
	"github.com/timewinder-dev/greenrt/status"
)

var (
	entryName  string
	statusAddr string
	dumpPath   string
	quietFlag  bool
)

var runCmd = &cobra.Command{
	Use:   "run PROGRAM",
	Short: "Run a program manifest (.toml) or a Starlark script (.star)",
	Args:  cobra.ExactArgs(1),
	Run:   runCommand,
}

func init() {
	addConfigFlags(runCmd)
	runCmd.Flags().StringVar(&entryName, "entry", "main", "Entry function when running a script directly")
	runCmd.Flags().StringVar(&statusAddr, "status-addr", "", "Serve health, scheduler state and metrics on this address")
	runCmd.Flags().StringVar(&dumpPath, "dump", "", "Write the final scheduler snapshot (msgpack) to this file")
	runCmd.Flags().BoolVar(&quietFlag, "quiet", false, "Don't print the run summary")
}

// loadProgram returns the main computation and the configuration to run it
// with. Manifests carry their own runtime section; --config replaces it.
func loadProgram(cmd *cobra.Command, path string) (sched.Computation, *config.Config, error) {
	if filepath.Ext(path) == ".star" {
		script, err := eval.Compile(path, nil)
		if err != nil {
			return nil, nil, err
		}
		entry, err := script.Entry(entryName)
		if err != nil {
			return nil, nil, err
		}
		cfg, err := loadConfig(cmd)
		return entry, cfg, err
	}

	m, err := eval.LoadManifest(path)
	if err != nil {
		return nil, nil, err
	}
	prog, err := m.Build()
	if err != nil {
		return nil, nil, err
	}
	entry, err := prog.Main()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := m.Config()
	if err != nil {
		return nil, nil, err
	}
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
	}
	if err := applyConfigFlags(cmd, cfg); err != nil {
		return nil, nil, err
	}
	return entry, cfg, nil
}

func runCommand(cmd *cobra.Command, args []string) {
	os.Exit(runProgram(cmd, args[0]))
}

func runProgram(cmd *cobra.Command, path string) int {
	entry, cfg, err := loadProgram(cmd, path)
	if err != nil {
		log.Fatal().Err(err).Msg("Couldn't load program")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	rt, err := greenrt.New(cfg, greenrt.WithMetrics(reg))
	if err != nil {
		log.Fatal().Err(err).Msg("Couldn't build runtime")
	}

	if statusAddr != "" {
		srv := serveStatus(rt, reg)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		if sig, ok := <-sigs; ok {
			rt.ShutdownSignal(sig, false)
		}
	}()

	start := time.Now()
	code := rt.Start(entry)
	elapsed := time.Since(start)

	if dumpPath != "" {
		if err := dumpSnapshot(rt, dumpPath); err != nil {
			log.Error().Err(err).Msg("Couldn't write snapshot")
		}
	}
	if !quietFlag {
		printSummary(rt.Scheduler().Stats(), elapsed, code)
	}
	return code
}

func serveStatus(rt *greenrt.Runtime, reg *prometheus.Registry) *http.Server {
	s := rt.Scheduler()
	handler := status.New(s,
		status.WithGatherer(reg),
		status.WithSnapshots(s.Snapshots()),
	)
	srv := &http.Server{Addr: statusAddr, Handler: handler}
	ln, err := net.Listen("tcp", statusAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", statusAddr).Msg("Couldn't listen for status server")
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("Serving status")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("status server stopped")
		}
	}()
	return srv
}

func dumpSnapshot(rt *greenrt.Runtime, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return rt.Scheduler().Snapshot().Serialize(f)
}

func printSummary(st sched.Stats, elapsed time.Duration, code int) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, color.Cyan.Sprint("Scheduler summary"))
	fmt.Fprintf(os.Stderr, "  elapsed:       %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(os.Stderr, "  capabilities:  peak %d, spawned %d, retired %d\n", st.PeakCapabilities, st.Spawned, st.Retired)
	fmt.Fprintf(os.Stderr, "  threads:       %d finished, %d killed\n", st.Finished, st.Killed)
	fmt.Fprintf(os.Stderr, "  sparks:        %d offered, %d claimed, %d evicted, %d dropped, %d pruned\n",
		st.Sparks.Offered, st.Sparks.Claimed, st.Sparks.Evicted, st.Sparks.Dropped, st.Sparks.Pruned)
	if code == 0 {
		fmt.Fprintln(os.Stderr, color.Green.Sprint("✓ Program exited normally"))
	} else {
		fmt.Fprintln(os.Stderr, color.Red.Sprintf("✗ Program exited with status %d", code))
	}
}
