package geometry

import "math"

// AnglesFromDegrees converts tilt angles in degrees to radians.
func AnglesFromDegrees(degrees []float32) []float32 {
	out := make([]float32, len(degrees))
	for i, d := range degrees {
		out[i] = float32(float64(d) * math.Pi / 180.0)
	}
	return out
}

// Transform is an affine map applied to voxel coordinates (x, z), relative
// to the rotation centre, before they are projected. A nil *Transform is the
// identity.
type Transform struct {
	Matrix [2][2]float64
	Offset [2]float64
}

// Identity returns the identity transform.
func Identity() *Transform {
	return &Transform{Matrix: [2][2]float64{{1, 0}, {0, 1}}}
}

// Apply maps (x, z) through the transform.
func (t *Transform) Apply(x, z float64) (float64, float64) {
	if t == nil {
		return x, z
	}
	return t.Matrix[0][0]*x + t.Matrix[0][1]*z + t.Offset[0],
		t.Matrix[1][0]*x + t.Matrix[1][1]*z + t.Offset[1]
}
