package ctf

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// fft2D holds the row and column transforms for one image size. It keeps
// work buffers and must not be shared between goroutines.
type fft2D struct {
	width, height int
	rows          *fourier.CmplxFFT
	cols          *fourier.CmplxFFT
	line          []complex128
	col           []complex128
	colOut        []complex128
}

func newFFT2D(width, height int) *fft2D {
	return &fft2D{
		width:  width,
		height: height,
		rows:   fourier.NewCmplxFFT(width),
		cols:   fourier.NewCmplxFFT(height),
		line:   make([]complex128, width),
		col:    make([]complex128, height),
		colOut: make([]complex128, height),
	}
}

// forward transforms data (row-major, height×width) in place.
func (f *fft2D) forward(data []complex128) {
	f.pass(data, false)
}

// inverse transforms data in place and normalises by the image size.
func (f *fft2D) inverse(data []complex128) {
	f.pass(data, true)
	scale := complex(1/float64(f.width*f.height), 0)
	for i := range data {
		data[i] *= scale
	}
}

func (f *fft2D) pass(data []complex128, inverse bool) {
	// Row-wise transform
	for y := 0; y < f.height; y++ {
		row := data[y*f.width : (y+1)*f.width]
		copy(f.line, row)
		if inverse {
			f.rows.Sequence(row, f.line)
		} else {
			f.rows.Coefficients(row, f.line)
		}
	}

	// Column-wise transform
	for x := 0; x < f.width; x++ {
		for y := 0; y < f.height; y++ {
			f.col[y] = data[y*f.width+x]
		}
		if inverse {
			f.cols.Sequence(f.colOut, f.col)
		} else {
			f.cols.Coefficients(f.colOut, f.col)
		}
		for y := 0; y < f.height; y++ {
			data[y*f.width+x] = f.colOut[y]
		}
	}
}

// frequency returns the signed frequency index of bin i in a transform of
// length n.
func frequency(i, n int) int {
	if i > n/2 {
		return i - n
	}
	return i
}
