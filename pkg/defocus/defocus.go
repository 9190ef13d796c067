// Package defocus plans the defocus planes that take part in a
// depth-dependent reconstruction.
//
// A CTF-corrected stack may carry a defocus axis with one corrected copy of
// each projection per defocus value. The planner turns the corrector's
// defocus bounds and the axis length into the ordered list of plane values
// handed to the back-projection kernel for every chunk.
package defocus

import "tiltrecon/pkg/tensor"

// Bounds is the defocus range spanned by the corrected projections. Both
// values are zero when no correction was applied.
type Bounds struct {
	Min float32
	Max float32
}

// Planes is the ordered set of defocus values, one per plane of the defocus
// axis, ascending.
type Planes struct {
	Bounds Bounds
	Values []float32
}

// Single reports whether each row is reconstructed from one plane.
func (p Planes) Single() bool { return len(p.Values) <= 1 }

// Len returns the number of planes.
func (p Planes) Len() int { return len(p.Values) }

// Plan builds the defocus planes for a stack with count planes along its
// defocus axis. Rank-3 input has count 1.
func Plan(b Bounds, count int) (Planes, error) {
	if count < 1 {
		return Planes{}, tensor.NewShapeError("defocus plan", "need at least one defocus plane, got %d", count)
	}
	if b.Min > b.Max {
		b.Min, b.Max = b.Max, b.Min
	}

	values := make([]float32, count)
	switch {
	case count == 1:
		values[0] = (b.Min + b.Max) / 2
	case b.Min == b.Max:
		for i := range values {
			values[i] = b.Min
		}
	default:
		step := float64(b.Max-b.Min) / float64(count-1)
		for i := range values {
			values[i] = b.Min + float32(step*float64(i))
		}
		values[count-1] = b.Max
	}
	return Planes{Bounds: b, Values: values}, nil
}

// ForTensor plans the defocus planes for a sinogram-ordered stack. A rank-4
// stack (Y, DEFOCUS, THETA, X) contributes its defocus axis length.
func ForTensor(b Bounds, sinogram *tensor.Tensor) (Planes, error) {
	count := 1
	if sinogram.Rank() == 4 {
		count = sinogram.Dim(1)
	}
	return Plan(b, count)
}

// Nearest returns the index of the plane whose value is closest to d.
func (p Planes) Nearest(d float32) int {
	n := len(p.Values)
	if n <= 1 {
		return 0
	}
	lo, hi := p.Values[0], p.Values[n-1]
	if hi == lo {
		return 0
	}
	pos := float64(d-lo) / float64(hi-lo) * float64(n-1)
	i := int(pos + 0.5)
	if pos < 0 {
		i = 0
	}
	if i >= n {
		i = n - 1
	}
	return i
}
