package integration

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timewinder-dev/greenrt"
	"github.com/timewinder-dev/greenrt/eval"
)

// TestPrograms runs every manifest in testdata as a subtest.
func TestPrograms(t *testing.T) {
	testdataDir := filepath.Join("..", "testdata")

	err := filepath.Walk(testdataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".toml") {
			return nil
		}

		relPath, _ := filepath.Rel(testdataDir, path)
		testName := strings.TrimSuffix(relPath, ".toml")
		testName = strings.ReplaceAll(testName, string(filepath.Separator), "/")

		t.Run(testName, func(t *testing.T) {
			m, err := eval.LoadManifest(path)
			require.NoError(t, err, "Failed to load manifest")
			prog, err := m.Build()
			require.NoError(t, err, "Failed to compile program")
			main, err := prog.Main()
			require.NoError(t, err)
			cfg, err := m.Config()
			require.NoError(t, err)

			var out bytes.Buffer
			rt, err := greenrt.New(cfg,
				greenrt.WithLogger(zerolog.Nop()),
				greenrt.WithStdout(&out),
				greenrt.WithExitFunc(func(code int) { t.Errorf("unexpected exit %d", code) }),
			)
			require.NoError(t, err)

			code := rt.Start(main)
			require.Equal(t, 0, code, "program output:\n%s", out.String())
			assert.Contains(t, out.String(), " ok\n")

			st := rt.Scheduler().Stats()
			assert.LessOrEqual(t, st.PeakCapabilities, cfg.Params().MaxWorkerCapabilities)
			assert.Zero(t, st.Threads, "every thread reaches a terminal state")
			t.Logf("Stats: peak %d capabilities, %d finished, %d killed, %d sparks offered",
				st.PeakCapabilities, st.Finished, st.Killed, st.Sparks.Offered)
		})
		return nil
	})
	require.NoError(t, err)
}
