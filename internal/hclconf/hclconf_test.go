package hclconf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/pipegridgo/internal/plan"
	"github.com/vk/pipegridgo/internal/stage"
)

func writePipeline(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.hcl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFullPipeline(t *testing.T) {
	path := writePipeline(t, `
settings {
  num_executors     = 4
  latency_tolerance = 20.5
  queue_type        = "sge"
  greedy            = true
  pipeline_name     = "smoothing-run"
}

stage "blur" {
  command = ["mincblur", "-fwhm", "0.5", "in.mnc", "blur.mnc"]
  inputs  = ["in.mnc"]
  outputs = ["blur.mnc"]
  mem     = 2.5
  procs   = 2
}

stage "resample" {
  command = ["mincresample", "blur.mnc", "res.mnc"]
  inputs  = ["blur.mnc"]
  outputs = ["res.mnc"]
}
`)

	f, err := Load(path)
	require.NoError(t, err)

	require.NotNil(t, f.Settings)
	require.NotNil(t, f.Settings.NumExecutors)
	assert.Equal(t, 4, *f.Settings.NumExecutors)
	require.NotNil(t, f.Settings.LatencyToleranceSec)
	assert.Equal(t, 20.5, *f.Settings.LatencyToleranceSec)
	require.NotNil(t, f.Settings.QueueType)
	assert.Equal(t, "sge", *f.Settings.QueueType)
	require.NotNil(t, f.Settings.Greedy)
	assert.True(t, *f.Settings.Greedy)
	assert.Nil(t, f.Settings.Restart, "unset options stay nil for the merge layer")

	require.Len(t, f.Stages, 2)
	assert.Equal(t, "blur", f.Stages[0].Name)
	assert.Equal(t, []string{"mincblur", "-fwhm", "0.5", "in.mnc", "blur.mnc"}, f.Stages[0].Command)
	require.NotNil(t, f.Stages[0].Mem)
	assert.Equal(t, 2.5, *f.Stages[0].Mem)
	assert.Nil(t, f.Stages[1].Mem)
}

func TestLoadWithoutSettingsBlock(t *testing.T) {
	path := writePipeline(t, `
stage "only" {
  command = ["true"]
  outputs = ["o"]
}
`)
	f, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, f.Settings)
	require.Len(t, f.Stages, 1)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("PIPELINE_DATA_DIR", "/srv/data")
	path := writePipeline(t, `
stage "ingest" {
  command = ["cp", "${env.PIPELINE_DATA_DIR}/raw.mnc", "work.mnc"]
  inputs  = ["${env.PIPELINE_DATA_DIR}/raw.mnc"]
  outputs = ["work.mnc"]
}
`)
	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Stages, 1)
	assert.Equal(t, []string{"cp", "/srv/data/raw.mnc", "work.mnc"}, f.Stages[0].Command)
	assert.Equal(t, []string{"/srv/data/raw.mnc"}, f.Stages[0].Inputs)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writePipeline(t, `stage "broken" {`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestFragmentAppliesResourceDefaults(t *testing.T) {
	path := writePipeline(t, `
stage "sized" {
  command = ["a"]
  outputs = ["x"]
  mem     = 8
  procs   = 4
}

stage "unsized" {
  command = ["b"]
  inputs  = ["x"]
  outputs = ["y"]
}
`)
	f, err := Load(path)
	require.NoError(t, err)

	frag, err := f.Fragment(stage.Resources{MemoryGB: 1.75, Procs: 1})
	require.NoError(t, err)
	require.Equal(t, 2, frag.Len())

	g, err := frag.Finalize()
	require.NoError(t, err)
	assert.Equal(t, stage.Resources{MemoryGB: 8, Procs: 4}, g.Stage(0).Resources)
	assert.Equal(t, stage.Resources{MemoryGB: 1.75, Procs: 1}, g.Stage(1).Resources)
}

func TestFragmentRejectsDuplicateOutputs(t *testing.T) {
	path := writePipeline(t, `
stage "one" {
  command = ["a"]
  outputs = ["same"]
}

stage "two" {
  command = ["b"]
  outputs = ["same"]
}
`)
	f, err := Load(path)
	require.NoError(t, err)

	_, err = f.Fragment(stage.Resources{})
	require.Error(t, err)
	assert.ErrorIs(t, err, plan.ErrDuplicateOutput)
	assert.ErrorContains(t, err, `stage "two"`)
}
