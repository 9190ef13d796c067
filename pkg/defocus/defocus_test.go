package defocus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiltrecon/pkg/tensor"
)

func TestPlanSinglePlaneWithoutCorrection(t *testing.T) {
	p, err := Plan(Bounds{}, 1)
	require.NoError(t, err)
	assert.True(t, p.Single())
	assert.Equal(t, []float32{0}, p.Values)
}

func TestPlanSpansBounds(t *testing.T) {
	p, err := Plan(Bounds{Min: 1000, Max: 3000}, 5)
	require.NoError(t, err)
	assert.False(t, p.Single())
	assert.Equal(t, []float32{1000, 1500, 2000, 2500, 3000}, p.Values)
}

func TestPlanReversedBounds(t *testing.T) {
	p, err := Plan(Bounds{Min: 3000, Max: 1000}, 3)
	require.NoError(t, err)
	assert.Equal(t, Bounds{Min: 1000, Max: 3000}, p.Bounds)
	assert.Equal(t, []float32{1000, 2000, 3000}, p.Values)
}

func TestPlanEqualBoundsManyPlanes(t *testing.T) {
	p, err := Plan(Bounds{Min: 500, Max: 500}, 3)
	require.NoError(t, err)
	assert.Equal(t, []float32{500, 500, 500}, p.Values)
	assert.Equal(t, 0, p.Nearest(900))
}

func TestPlanRejectsEmptyAxis(t *testing.T) {
	_, err := Plan(Bounds{}, 0)
	var shapeErr *tensor.ShapeError
	assert.True(t, errors.As(err, &shapeErr))
}

func TestForTensor(t *testing.T) {
	p, err := ForTensor(Bounds{Min: -1, Max: 1}, tensor.New(4, 3, 8, 16))
	require.NoError(t, err)
	assert.Equal(t, 3, p.Len())

	p, err = ForTensor(Bounds{Min: -1, Max: 1}, tensor.New(4, 8, 16))
	require.NoError(t, err)
	assert.Equal(t, []float32{0}, p.Values)
}

func TestNearest(t *testing.T) {
	p, err := Plan(Bounds{Min: 0, Max: 400}, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Nearest(-1000))
	assert.Equal(t, 0, p.Nearest(40))
	assert.Equal(t, 1, p.Nearest(60))
	assert.Equal(t, 2, p.Nearest(200))
	assert.Equal(t, 4, p.Nearest(390))
	assert.Equal(t, 4, p.Nearest(1e6))
}
