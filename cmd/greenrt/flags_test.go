package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timewinder-dev/greenrt/config"
)

func newFlagCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addConfigFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestFlagsOverrideOnlyWhenSet(t *testing.T) {
	cmd := newFlagCmd(t, "--max-workers=6", "--spawn-delay=5ms", "--debug=s")
	cfg := config.New()
	require.NoError(t, applyConfigFlags(cmd, cfg))

	p := cfg.Params()
	assert.Equal(t, 6, p.MaxWorkerCapabilities)
	assert.Equal(t, 5*time.Millisecond, p.MinIdleTSOSpawnDelay)
	assert.True(t, p.Debug.Scheduler)
	assert.False(t, p.Debug.STM)
	assert.Equal(t, config.Default().MaxGlobalSparks, p.MaxGlobalSparks)
	assert.True(t, p.SparkEviction)
}

func TestFlagsRejectInvalidValues(t *testing.T) {
	cmd := newFlagCmd(t, "--max-sparks=0")
	err := applyConfigFlags(cmd, config.New())
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.ErrorContains(t, err, "--max-sparks")
}

func TestLoadProgramFromManifest(t *testing.T) {
	cmd := newFlagCmd(t, "--max-workers=2")
	configPath = ""
	entry, cfg, err := loadProgram(cmd, filepath.Join("..", "..", "testdata", "sparks.toml"))
	require.NoError(t, err)
	require.NotNil(t, entry)
	p := cfg.Params()
	assert.Equal(t, 2, p.MaxWorkerCapabilities, "flags win over the manifest")
	assert.Equal(t, 8, p.MaxGlobalSparks)
}
