package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiltrecon/internal/models"
	"tiltrecon/pkg/config"
	"tiltrecon/pkg/geometry"
	"tiltrecon/pkg/mrc"
	"tiltrecon/pkg/partition"
	"tiltrecon/pkg/tensor"
)

func TestRoot(t *testing.T) {
	cmd := Root()
	require.NotNil(t, cmd)
	assert.Equal(t, "tiltrecon", cmd.Use)

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"reconstruct", "config", "version"}, names)
}

func TestVersion_Output(t *testing.T) {
	origVersion, origCommit, origDate := version, commit, date
	defer SetVersionInfo(origVersion, origCommit, origDate)

	SetVersionInfo("1.2.3", "abc123", "2026-01-01")

	var out bytes.Buffer
	cmd := Version()
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "tiltrecon 1.2.3")
	assert.Contains(t, out.String(), "commit: abc123")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiltrecon.toml")

	cmd := Root()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "init", path})
	require.NoError(t, cmd.Execute())

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)

	cmd = Root()
	cmd.SetArgs([]string{"config", "init", path})
	assert.ErrorContains(t, cmd.Execute(), "already exists")

	cmd = Root()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "init", "--force", path})
	assert.NoError(t, cmd.Execute())
}

func parseFlags(t *testing.T, args ...string) (*cobra.Command, *reconstructFlags) {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	f := &reconstructFlags{}
	f.bind(cmd.Flags())
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, f
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiltrecon.yaml")
	file := config.DefaultConfig()
	file.Processing.NumCores = 3
	file.Processing.ChunkSize = 7
	file.CTF.Energy = 200
	require.NoError(t, config.SaveConfig(file, path))

	cmd, f := parseFlags(t, "--config", path, "--chunk-size", "2", "--defocus", "15000", "--centre", "12.5", "-q")
	cfg, err := loadConfig(cmd, f)
	require.NoError(t, err)

	// From the file
	assert.Equal(t, 3, cfg.Processing.NumCores)
	assert.Equal(t, 200.0, cfg.CTF.Energy)

	// From the flags
	assert.Equal(t, 2, cfg.Processing.ChunkSize)
	require.NotNil(t, cfg.CTF.Defocus)
	assert.Equal(t, 15000.0, *cfg.CTF.Defocus)
	require.NotNil(t, cfg.Processing.Centre)
	assert.Equal(t, 12.5, *cfg.Processing.Centre)
	assert.False(t, cfg.Output.Verbose)
}

func TestLoadConfigTransformFlags(t *testing.T) {
	none := filepath.Join(t.TempDir(), "none.yaml")

	cmd, f := parseFlags(t, "--config", none, "--transform-offset", "3,-2")
	cfg, err := loadConfig(cmd, f)
	require.NoError(t, err)
	assert.Equal(t, &geometry.Transform{
		Matrix: [2][2]float64{{1, 0}, {0, 1}},
		Offset: [2]float64{3, -2},
	}, cfg.Transform())

	cmd, f = parseFlags(t, "--config", none, "--transform-matrix", "0,-1,1,0")
	cfg, err = loadConfig(cmd, f)
	require.NoError(t, err)
	assert.Equal(t, [2][2]float64{{0, -1}, {1, 0}}, cfg.Transform().Matrix)
	assert.Equal(t, [2]float64{}, cfg.Transform().Offset)

	cmd, f = parseFlags(t, "--config", none)
	cfg, err = loadConfig(cmd, f)
	require.NoError(t, err)
	assert.Nil(t, cfg.Transform())
}

func TestLoadConfigTransformFlagsKeepFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiltrecon.yaml")
	file := config.DefaultConfig()
	file.Processing.Transform = &config.Transform{
		Matrix: [2][2]float64{{2, 0}, {0, 2}},
		Offset: [2]float64{1, 1},
	}
	require.NoError(t, config.SaveConfig(file, path))

	cmd, f := parseFlags(t, "--config", path, "--transform-offset", "0,5")
	cfg, err := loadConfig(cmd, f)
	require.NoError(t, err)
	assert.Equal(t, [2][2]float64{{2, 0}, {0, 2}}, cfg.Processing.Transform.Matrix)
	assert.Equal(t, [2]float64{0, 5}, cfg.Processing.Transform.Offset)
}

func TestLoadConfigInvalidTransformFlags(t *testing.T) {
	none := filepath.Join(t.TempDir(), "none.yaml")
	for _, args := range [][]string{
		{"--transform-offset", "1"},
		{"--transform-matrix", "1,0,0"},
		{"--transform-matrix", "1,2,2,4"},
	} {
		cmd, f := parseFlags(t, append([]string{"--config", none}, args...)...)
		_, err := loadConfig(cmd, f)
		assert.Error(t, err, args)
	}
}

func TestLoadConfigInvalidTarget(t *testing.T) {
	cmd, f := parseFlags(t, "--config", filepath.Join(t.TempDir(), "none.yaml"), "--device", "gpu", "--gpus", "1,1")
	_, err := loadConfig(cmd, f)
	assert.ErrorIs(t, err, partition.ErrInvalidTarget)
}

func writeSeries(t *testing.T, path string) {
	t.Helper()
	proj := tensor.New(3, 2, 8)
	for a := 0; a < 3; a++ {
		for y := 0; y < 2; y++ {
			proj.Set(1, a, y, 4)
		}
	}
	require.NoError(t, mrc.WriteTiltSeries(path, &models.TiltSeries{
		Projections: proj,
		TiltAngles:  []float32{-45, 0, 45},
		VoxelSize:   models.VoxelSize{X: 2, Y: 2, Z: 2},
	}))
}

func TestReconstructCommand(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "series.mrc")
	output := filepath.Join(dir, "volume.mrc")
	writeSeries(t, input)

	var stderr bytes.Buffer
	cmd := Root()
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{
		"reconstruct", input, output,
		"--config", filepath.Join(dir, "none.yaml"),
		"--cores", "2",
		"--log-level", "error",
		"--preview-dir", filepath.Join(dir, "previews"),
	})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, stderr.String(), "Volume saved to: "+output)

	vol, err := mrc.Read(output)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 8}, vol.Data.Shape())
	assert.InDelta(t, 2, vol.VoxelSize().X, 1e-6)

	_, err = os.Stat(filepath.Join(dir, "previews", "central_y.jpg"))
	assert.NoError(t, err)
}

func TestReconstructCommandSlicesAndTransform(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "series.mrc")
	output := filepath.Join(dir, "volume.mrc")
	slices := filepath.Join(dir, "slices")
	writeSeries(t, input)

	cmd := Root()
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{
		"reconstruct", input, output,
		"--config", filepath.Join(dir, "none.yaml"),
		"--log-level", "off",
		"-q",
		"--slices-dir", slices,
		"--transform-offset", "2,0",
	})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	for _, axis := range []string{"x", "y", "z"} {
		entries, err := os.ReadDir(filepath.Join(slices, axis))
		require.NoError(t, err, axis)
		assert.NotEmpty(t, entries, axis)
	}

	// The point on the axis is reconstructed 2 columns left of the middle.
	vol, err := mrc.Read(output)
	require.NoError(t, err)
	for y := 0; y < 2; y++ {
		assert.Equal(t, vol.Header.DMax, vol.Data.At(y, 4, 2))
	}
}

func TestReconstructCommandMissingInput(t *testing.T) {
	dir := t.TempDir()
	cmd := Root()
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{
		"reconstruct", filepath.Join(dir, "missing.mrc"), filepath.Join(dir, "out.mrc"),
		"--config", filepath.Join(dir, "none.yaml"),
		"--log-level", "off",
	})
	err := cmd.Execute()
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestReconstructCommandArgs(t *testing.T) {
	cmd := Root()
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"reconstruct", "only-one.mrc"})
	assert.Error(t, cmd.Execute())
}
