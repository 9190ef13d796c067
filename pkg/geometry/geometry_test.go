package geometry

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiltrecon/pkg/tensor"
)

func TestResolveCentreDefault(t *testing.T) {
	for _, shape := range [][]int{{4, 8, 16}, {1, 3, 7}, {12, 2, 33}, {3, 2, 5, 9}} {
		centre, err := ResolveCentre(shape, DefaultCentre(), true)
		require.NoError(t, err)
		require.Len(t, centre, shape[0])
		for _, c := range centre {
			assert.Equal(t, float32(shape[len(shape)-1])/2.0, c)
		}
	}

	centre, err := ResolveCentre([]int{4, 8, 16}, Centre{}, true)
	require.NoError(t, err)
	assert.Equal(t, []float32{8, 8, 8, 8}, centre)
}

func TestResolveCentreScalarProjectionOrder(t *testing.T) {
	centre, err := ResolveCentre([]int{10, 5, 20}, ScalarCentre(10), false)
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 10, 10, 10, 10}, centre)
}

func TestResolveCentreDefocusProjectionOrder(t *testing.T) {
	centre, err := ResolveCentre([]int{10, 3, 6, 20}, DefaultCentre(), false)
	require.NoError(t, err)
	assert.Len(t, centre, 6)
}

func TestResolveCentreArray(t *testing.T) {
	in := []float32{1.5, 2.5, 3.5}
	centre, err := ResolveCentre([]int{3, 8, 16}, ArrayCentre(in), true)
	require.NoError(t, err)
	assert.Equal(t, in, centre)

	centre[0] = 99
	again, err := ResolveCentre([]int{3, 8, 16}, ArrayCentre(in), true)
	require.NoError(t, err)
	assert.Equal(t, float32(1.5), again[0])
}

func TestResolveCentreArrayLengthMismatch(t *testing.T) {
	_, err := ResolveCentre([]int{4, 8, 16}, ArrayCentre([]float32{1, 2, 3}), true)
	var shapeErr *tensor.ShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Contains(t, err.Error(), "3 values for 4 rows")
}

func TestResolveCentreRank(t *testing.T) {
	_, err := ResolveCentre([]int{4, 8}, DefaultCentre(), true)
	var shapeErr *tensor.ShapeError
	assert.True(t, errors.As(err, &shapeErr))
}

func TestAnglesFromDegrees(t *testing.T) {
	rad := AnglesFromDegrees([]float32{-60, 0, 45, 90})
	assert.InDelta(t, -math.Pi/3, rad[0], 1e-6)
	assert.Equal(t, float32(0), rad[1])
	assert.InDelta(t, math.Pi/4, rad[2], 1e-6)
	assert.InDelta(t, math.Pi/2, rad[3], 1e-6)
}

func TestTransformApply(t *testing.T) {
	var nilTransform *Transform
	x, z := nilTransform.Apply(2, 3)
	assert.Equal(t, 2.0, x)
	assert.Equal(t, 3.0, z)

	x, z = Identity().Apply(2, 3)
	assert.Equal(t, 2.0, x)
	assert.Equal(t, 3.0, z)

	tr := &Transform{Matrix: [2][2]float64{{0, -1}, {1, 0}}, Offset: [2]float64{1, 0}}
	x, z = tr.Apply(2, 3)
	assert.Equal(t, -2.0, x)
	assert.Equal(t, 2.0, z)
}
