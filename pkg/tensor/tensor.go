// Package tensor provides a strided float32 n-dimensional array used for
// projection stacks, sinograms and reconstructed volumes.
//
// A Tensor is a view over a shared backing slice. Axis swaps and row ranges
// are views (no data movement); Contiguous materialises a row-major copy when
// a consumer needs flat storage.
package tensor

import "fmt"

// Tensor is a strided view over a float32 buffer.
type Tensor struct {
	data    []float32
	shape   []int
	strides []int
	offset  int
}

// New allocates a zero-filled row-major tensor with the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension %d", d))
		}
		n *= d
	}
	return &Tensor{
		data:    make([]float32, n),
		shape:   append([]int(nil), shape...),
		strides: rowMajorStrides(shape),
	}
}

// FromSlice wraps data as a row-major tensor without copying.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, NewShapeError("from slice", "negative dimension in %v", shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, NewShapeError("from slice", "shape %v needs %d values, got %d", shape, n, len(data))
	}
	return &Tensor{
		data:    data,
		shape:   append([]int(nil), shape...),
		strides: rowMajorStrides(shape),
	}, nil
}

// FromFloat64 casts data to float32 and wraps it as a row-major tensor.
func FromFloat64(data []float64, shape ...int) (*Tensor, error) {
	converted := make([]float32, len(data))
	for i, v := range data {
		converted[i] = float32(v)
	}
	return FromSlice(converted, shape...)
}

func rowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.shape) }

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Dim returns the length of axis. Negative axes count from the end.
func (t *Tensor) Dim(axis int) int { return t.shape[t.axis(axis)] }

// Size returns the number of elements in the view.
func (t *Tensor) Size() int {
	n := 1
	for _, d := range t.shape {
		n *= d
	}
	return n
}

func (t *Tensor) axis(axis int) int {
	a := axis
	if a < 0 {
		a += len(t.shape)
	}
	if a < 0 || a >= len(t.shape) {
		panic(fmt.Sprintf("tensor: axis %d out of range for rank %d", axis, len(t.shape)))
	}
	return a
}

func (t *Tensor) index(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(idx), len(t.shape)))
	}
	off := t.offset
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.shape))
		}
		off += v * t.strides[i]
	}
	return off
}

// At returns the element at idx.
func (t *Tensor) At(idx ...int) float32 { return t.data[t.index(idx)] }

// Set stores v at idx.
func (t *Tensor) Set(v float32, idx ...int) { t.data[t.index(idx)] = v }

// SwapAxes returns a view with axes a and b exchanged. The backing buffer is
// shared with t.
func (t *Tensor) SwapAxes(a, b int) *Tensor {
	a, b = t.axis(a), t.axis(b)
	v := t.view()
	v.shape[a], v.shape[b] = v.shape[b], v.shape[a]
	v.strides[a], v.strides[b] = v.strides[b], v.strides[a]
	return v
}

// Rows returns a view of the half-open range [start, end) along axis 0.
func (t *Tensor) Rows(start, end int) *Tensor {
	if len(t.shape) == 0 {
		panic("tensor: rows of a scalar")
	}
	if start < 0 || end < start || end > t.shape[0] {
		panic(fmt.Sprintf("tensor: rows [%d, %d) out of range for length %d", start, end, t.shape[0]))
	}
	v := t.view()
	v.offset += start * t.strides[0]
	v.shape[0] = end - start
	return v
}

func (t *Tensor) view() *Tensor {
	return &Tensor{
		data:    t.data,
		shape:   append([]int(nil), t.shape...),
		strides: append([]int(nil), t.strides...),
		offset:  t.offset,
	}
}

// IsContiguous reports whether the view is laid out row-major without gaps.
func (t *Tensor) IsContiguous() bool {
	expect := 1
	for i := len(t.shape) - 1; i >= 0; i-- {
		if t.shape[i] != 1 && t.strides[i] != expect {
			return false
		}
		expect *= t.shape[i]
	}
	return true
}

// Data returns the flat row-major storage of a contiguous view, or nil if
// the view is strided. Writes through the returned slice are visible in t.
func (t *Tensor) Data() []float32 {
	if !t.IsContiguous() {
		return nil
	}
	return t.data[t.offset : t.offset+t.Size()]
}

// Contiguous returns t if it is already row-major, otherwise a row-major copy.
func (t *Tensor) Contiguous() *Tensor {
	if t.IsContiguous() {
		return t
	}
	out := New(t.shape...)
	t.each(func(i, off int) {
		out.data[i] = t.data[off]
	})
	return out
}

// Values returns a copy of the elements in logical row-major order.
func (t *Tensor) Values() []float32 {
	out := make([]float32, t.Size())
	t.each(func(i, off int) {
		out[i] = t.data[off]
	})
	return out
}

// CopyFrom copies src element-wise into t. Both views must have equal shapes.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !SameShape(t.shape, src.shape) {
		return NewShapeError("copy", "destination shape %v does not match source shape %v", t.shape, src.shape)
	}
	if t.IsContiguous() && src.IsContiguous() {
		copy(t.Data(), src.Data())
		return nil
	}
	vals := src.Values()
	t.each(func(i, off int) {
		t.data[off] = vals[i]
	})
	return nil
}

// Fill sets every element of the view to v.
func (t *Tensor) Fill(v float32) {
	t.each(func(_, off int) {
		t.data[off] = v
	})
}

// each calls fn with the logical position and buffer offset of every element.
func (t *Tensor) each(fn func(i, off int)) {
	n := t.Size()
	if n == 0 {
		return
	}
	if t.IsContiguous() {
		for i := 0; i < n; i++ {
			fn(i, t.offset+i)
		}
		return
	}
	idx := make([]int, len(t.shape))
	off := t.offset
	for i := 0; i < n; i++ {
		fn(i, off)
		for ax := len(idx) - 1; ax >= 0; ax-- {
			idx[ax]++
			off += t.strides[ax]
			if idx[ax] < t.shape[ax] {
				break
			}
			off -= idx[ax] * t.strides[ax]
			idx[ax] = 0
		}
	}
}

// SameShape reports whether a and b describe the same dimensions.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
