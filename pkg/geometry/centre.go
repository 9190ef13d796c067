// Package geometry derives the per-row and per-projection geometry of a
// tilt-series reconstruction: rotation centres, tilt angles and the optional
// voxel transform applied by the back-projection kernel.
package geometry

import (
	"tiltrecon/pkg/tensor"
)

type centreKind int

const (
	centreDefault centreKind = iota
	centreScalar
	centreArray
)

// Centre is the rotation centre requested by the caller. The zero value is
// the default centre (half the column count for every row).
type Centre struct {
	kind   centreKind
	scalar float32
	values []float32
}

// DefaultCentre places the rotation axis at the middle of each row.
func DefaultCentre() Centre { return Centre{} }

// ScalarCentre uses v as the rotation centre of every row.
func ScalarCentre(v float32) Centre { return Centre{kind: centreScalar, scalar: v} }

// ArrayCentre uses one rotation centre per row.
func ArrayCentre(values []float32) Centre {
	return Centre{kind: centreArray, values: append([]float32(nil), values...)}
}

// IsDefault reports whether no centre was given.
func (c Centre) IsDefault() bool { return c.kind == centreDefault }

// RowCount returns the number of reconstruction rows described by shape.
// If sinogramOrder is false, shape is read as a projection stack and the
// first and second-to-last axes are exchanged first.
func RowCount(shape []int, sinogramOrder bool) (int, error) {
	if len(shape) != 3 && len(shape) != 4 {
		return 0, tensor.NewShapeError("row count", "expected rank 3 or 4, got shape %v", shape)
	}
	if sinogramOrder {
		return shape[0], nil
	}
	return shape[len(shape)-2], nil
}

// ResolveCentre materialises c as a dense per-row array for a tensor of the
// given shape.
func ResolveCentre(shape []int, c Centre, sinogramOrder bool) ([]float32, error) {
	rows, err := RowCount(shape, sinogramOrder)
	if err != nil {
		return nil, err
	}

	out := make([]float32, rows)
	switch c.kind {
	case centreScalar:
		for i := range out {
			out[i] = c.scalar
		}
	case centreArray:
		if len(c.values) != rows {
			return nil, tensor.NewShapeError("resolve centre", "centre has %d values for %d rows", len(c.values), rows)
		}
		copy(out, c.values)
	default:
		half := float32(shape[len(shape)-1]) / 2.0
		for i := range out {
			out[i] = half
		}
	}
	return out, nil
}
