package backproject

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// rampFilter applies a Ram-Lak filter to projection rows in the frequency
// domain. It holds FFT work buffers and must not be shared between
// goroutines.
type rampFilter struct {
	width   int
	n       int
	fft     *fourier.FFT
	weights []float64
	padded  []float64
	coeff   []complex128
}

// newRampFilter creates a ramp filter for rows of the given width.
//
// Rows are zero padded to the next power of two of at least twice their
// width so the circular convolution performed by the FFT does not wrap
// around onto the row.
//
// Parameters:
//   - width: Number of detector columns in a projection row
//
// Returns:
//   - A filter ready to be applied to rows of that width
func newRampFilter(width int) *rampFilter {
	n := 1
	for n < 2*width {
		n <<= 1
	}

	// |f| in cycles per pixel for each non-negative frequency bin
	weights := make([]float64, n/2+1)
	for k := range weights {
		weights[k] = float64(k) / float64(n)
	}

	return &rampFilter{
		width:   width,
		n:       n,
		fft:     fourier.NewFFT(n),
		weights: weights,
		padded:  make([]float64, n),
		coeff:   make([]complex128, n/2+1),
	}
}

// apply filters row and writes the result into dst. Both slices have the
// filter width.
func (f *rampFilter) apply(dst []float64, row []float32) {
	for i := range f.padded {
		f.padded[i] = 0
	}
	for i, v := range row {
		f.padded[i] = float64(v)
	}

	f.fft.Coefficients(f.coeff, f.padded)
	for k := range f.coeff {
		f.coeff[k] *= complex(f.weights[k], 0)
	}
	f.fft.Sequence(f.padded, f.coeff)

	// Sequence is unnormalised
	scale := 1 / float64(f.n)
	for i := 0; i < f.width; i++ {
		dst[i] = f.padded[i] * scale
	}
}
