package ctf

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiltrecon/pkg/tensor"
)

func ptr(v float64) *float64 { return &v }

func stack(theta, height, width int) *tensor.Tensor {
	t := tensor.New(theta, height, width)
	data := t.Data()
	for i := range data {
		data[i] = float32((i*7)%13) - 6
	}
	return t
}

func TestWavelength(t *testing.T) {
	assert.InDelta(t, 0.019687, Wavelength(300), 1e-5)
	assert.InDelta(t, 0.025079, Wavelength(200), 1e-5)
}

func TestDefocusValues(t *testing.T) {
	p := DefaultParams()
	assert.Nil(t, p.DefocusValues())

	p.Defocus = ptr(20000)
	assert.Equal(t, []float64{20000}, p.DefocusValues())

	p.NumDefocus = 3
	p.StepDefocus = 500
	assert.Equal(t, []float64{19500, 20000, 20500}, p.DefocusValues())
}

func TestValidate(t *testing.T) {
	p := DefaultParams()
	p.Defocus = ptr(10000)
	require.NoError(t, p.Validate())

	p.NumDefocus = 4
	assert.Error(t, p.Validate())

	p.NumDefocus = 1
	p.Energy = 0
	assert.Error(t, p.Validate())
}

func TestCorrectDisabledPassesThrough(t *testing.T) {
	in := stack(3, 4, 5)
	res, err := NewPhaseFlip(2, logr.Discard()).Correct(context.Background(), Request{
		Projections: in,
		Params:      DefaultParams(),
	})
	require.NoError(t, err)
	assert.Same(t, in, res.Projections)
	assert.Zero(t, res.Bounds.Min)
	assert.Zero(t, res.Bounds.Max)
}

func TestCorrectWithFlatCTFIsIdentity(t *testing.T) {
	in := stack(3, 6, 10)
	p := Params{Energy: 300, Defocus: ptr(0)}
	res, err := NewPhaseFlip(2, logr.Discard()).Correct(context.Background(), Request{
		Projections: in,
		PixelSize:   1,
		Params:      p,
	})
	require.NoError(t, err)
	assert.Equal(t, in.Shape(), res.Projections.Shape())
	assert.InDeltaSlice(t, toFloat64(in.Values()), toFloat64(res.Projections.Values()), 1e-4)
}

func TestCorrectDefocusPlanes(t *testing.T) {
	in := stack(4, 8, 8)
	dir := t.TempDir()
	out := filepath.Join(dir, "corrected.dat")

	p := DefaultParams()
	p.Defocus = ptr(15000)
	p.NumDefocus = 3
	p.StepDefocus = 1000

	res, err := NewPhaseFlip(0, logr.Discard()).Correct(context.Background(), Request{
		Projections: in,
		PixelSize:   2,
		Params:      p,
		OutputPath:  out,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3, 8, 8}, res.Projections.Shape())
	assert.Equal(t, float32(14000), res.Bounds.Min)
	assert.Equal(t, float32(16000), res.Bounds.Max)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, int64(4*3*8*8*4), info.Size())
}

func TestCorrectRejectsDefocusStack(t *testing.T) {
	p := DefaultParams()
	p.Defocus = ptr(1000)
	_, err := NewPhaseFlip(1, logr.Discard()).Correct(context.Background(), Request{
		Projections: tensor.New(2, 2, 4, 4),
		Params:      p,
	})
	var shapeErr *tensor.ShapeError
	assert.True(t, errors.As(err, &shapeErr))
}

func TestCorrectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := DefaultParams()
	p.Defocus = ptr(1000)
	_, err := NewPhaseFlip(1, logr.Discard()).Correct(ctx, Request{
		Projections: stack(50, 8, 8),
		Params:      p,
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCorrectWorkerCountDoesNotChangeResult(t *testing.T) {
	in := stack(9, 6, 8)
	p := DefaultParams()
	p.Defocus = ptr(20000)
	p.NumDefocus = 2
	p.StepDefocus = 500
	req := Request{Projections: in, PixelSize: 1.5, Params: p}

	serial, err := NewPhaseFlip(1, logr.Discard()).Correct(context.Background(), req)
	require.NoError(t, err)
	parallel, err := NewPhaseFlip(4, logr.Discard()).Correct(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, serial.Projections.Values(), parallel.Projections.Values())
	assert.Equal(t, serial.Bounds, parallel.Bounds)
}

func TestFlipMaskIsSymmetric(t *testing.T) {
	p := DefaultParams()
	mask := flipMask(p, 20000, 1.5, 8, 8)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			ny, nx := (8-y)%8, (8-x)%8
			assert.Equal(t, mask[y*8+x], mask[ny*8+nx], "(%d, %d)", x, y)
		}
	}
	assert.False(t, mask[0])
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
