package partition

import (
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkTiling(t *testing.T, chunks []Chunk, rows int) {
	t.Helper()
	require.NoError(t, Validate(chunks, rows))
	covered := make([]int, rows)
	for _, c := range chunks {
		require.Greater(t, c.Len(), 0)
		for r := c.Start; r < c.End; r++ {
			covered[r]++
		}
	}
	for r, n := range covered {
		require.Equal(t, 1, n, "row %d", r)
	}
}

func TestPartitionCPUTilesRows(t *testing.T) {
	for rows := 1; rows <= 40; rows++ {
		for cores := 1; cores <= 9; cores++ {
			for _, size := range []int{0, 1, 3, 7, 64} {
				chunks, err := Partition(rows, CPUPool{Cores: cores}, size)
				require.NoError(t, err)
				checkTiling(t, chunks, rows)
				for _, c := range chunks {
					assert.Equal(t, HostDevice, c.Device)
				}
			}
		}
	}
}

func TestPartitionCPUBalanced(t *testing.T) {
	chunks, err := Partition(10, CPUPool{Cores: 4}, 0)
	require.NoError(t, err)
	var lens []int
	for _, c := range chunks {
		lens = append(lens, c.Len())
	}
	assert.Equal(t, []int{3, 3, 2, 2}, lens)
}

func TestPartitionFewerRowsThanWorkers(t *testing.T) {
	chunks, err := Partition(3, CPUPool{Cores: 8}, 0)
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
	checkTiling(t, chunks, 3)

	chunks, err = Partition(2, GPUDevices{IDs: []int{0, 1, 2, 3}}, 0)
	require.NoError(t, err)
	assert.Equal(t, []Chunk{
		{Start: 0, End: 1, Device: Device{Kind: GPU, ID: 0}},
		{Start: 1, End: 2, Device: Device{Kind: GPU, ID: 1}},
	}, chunks)
}

func TestPartitionCPUFixedSize(t *testing.T) {
	chunks, err := Partition(10, CPUPool{Cores: 2}, 4)
	require.NoError(t, err)
	assert.Equal(t, []Chunk{
		{Start: 0, End: 4, Device: HostDevice},
		{Start: 4, End: 8, Device: HostDevice},
		{Start: 8, End: 10, Device: HostDevice},
	}, chunks)
}

func TestPartitionDefaultCores(t *testing.T) {
	rows := 4 * runtime.NumCPU()
	chunks, err := Partition(rows, CPUPool{}, 0)
	require.NoError(t, err)
	assert.Len(t, chunks, runtime.NumCPU())
	checkTiling(t, chunks, rows)

	chunks, err = Partition(rows, nil, 0)
	require.NoError(t, err)
	assert.Len(t, chunks, runtime.NumCPU())
}

func TestPartitionGPUOneRangePerDevice(t *testing.T) {
	chunks, err := Partition(9, GPUDevices{IDs: []int{3, 1}}, 0)
	require.NoError(t, err)
	assert.Equal(t, []Chunk{
		{Start: 0, End: 5, Device: Device{Kind: GPU, ID: 3}},
		{Start: 5, End: 9, Device: Device{Kind: GPU, ID: 1}},
	}, chunks)
}

func TestPartitionGPUInnerSplit(t *testing.T) {
	chunks, err := Partition(9, GPUDevices{IDs: []int{0, 1}}, 2)
	require.NoError(t, err)
	checkTiling(t, chunks, 9)
	perDevice := map[int]int{}
	for _, c := range chunks {
		assert.LessOrEqual(t, c.Len(), 2)
		perDevice[c.Device.ID] += c.Len()
	}
	assert.Equal(t, map[int]int{0: 5, 1: 4}, perDevice)
}

func TestPartitionGPUTilesRows(t *testing.T) {
	for rows := 1; rows <= 30; rows++ {
		for n := 1; n <= 5; n++ {
			ids := make([]int, n)
			for i := range ids {
				ids[i] = i
			}
			chunks, err := Partition(rows, GPUDevices{IDs: ids}, 0)
			require.NoError(t, err)
			checkTiling(t, chunks, rows)
		}
	}
}

func TestPartitionZeroRows(t *testing.T) {
	chunks, err := Partition(0, CPUPool{Cores: 4}, 0)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestPartitionInvalidTargets(t *testing.T) {
	cases := []struct {
		name   string
		target Target
		rows   int
		size   int
	}{
		{"negative cores", CPUPool{Cores: -1}, 4, 0},
		{"no gpus", GPUDevices{}, 4, 0},
		{"duplicate gpu", GPUDevices{IDs: []int{1, 1}}, 4, 0},
		{"negative gpu", GPUDevices{IDs: []int{-2}}, 4, 0},
		{"negative rows", CPUPool{Cores: 1}, -1, 0},
		{"negative chunk", CPUPool{Cores: 1}, 4, -3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Partition(tc.rows, tc.target, tc.size)
			assert.True(t, errors.Is(err, ErrInvalidTarget))
		})
	}
}

func TestValidateDetectsGapsAndOverlaps(t *testing.T) {
	assert.Error(t, Validate([]Chunk{{Start: 0, End: 2}, {Start: 3, End: 4}}, 4))
	assert.Error(t, Validate([]Chunk{{Start: 0, End: 3}, {Start: 2, End: 4}}, 4))
	assert.Error(t, Validate([]Chunk{{Start: 0, End: 0}, {Start: 0, End: 4}}, 4))
	assert.Error(t, Validate([]Chunk{{Start: 0, End: 3}}, 4))
	assert.NoError(t, Validate(nil, 0))
}

func TestParseTarget(t *testing.T) {
	target, err := ParseTarget("cpu", 3, nil)
	require.NoError(t, err)
	assert.Equal(t, CPUPool{Cores: 3}, target)

	target, err = ParseTarget("GPU", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, GPUDevices{IDs: []int{0}}, target)

	target, err = ParseTarget("gpu", 0, []int{2, 5})
	require.NoError(t, err)
	assert.Equal(t, 2, target.Workers())

	_, err = ParseTarget("tpu", 0, nil)
	assert.True(t, errors.Is(err, ErrInvalidTarget))
}

func TestDeviceString(t *testing.T) {
	assert.Equal(t, "cpu", HostDevice.String())
	assert.Equal(t, "cpu:2", Device{Kind: Host, ID: 2}.String())
	assert.Equal(t, "gpu:1", Device{Kind: GPU, ID: 1}.String())
}
