package reconstruction

import (
	"context"

	"tiltrecon/pkg/defocus"
	"tiltrecon/pkg/geometry"
	"tiltrecon/pkg/partition"
	"tiltrecon/pkg/tensor"
)

// KernelRequest is the input of one back-projection call covering the rows
// of a single chunk.
type KernelRequest struct {
	// Chunk is the row range being reconstructed.
	Chunk partition.Chunk
	// Device is the execution unit running the call. For host chunks the ID
	// is the worker slot.
	Device partition.Device
	// Sinogram is a read-only view of the chunk's rows, shaped
	// (rows, THETA, X) or (rows, DEFOCUS, THETA, X).
	Sinogram *tensor.Tensor
	// Centre holds one rotation centre per row of the chunk.
	Centre    []float32
	Angles    []float32
	PixelSize float32
	Defocus   defocus.Planes
	Transform *geometry.Transform
}

// Rows returns the number of rows in the request.
func (r KernelRequest) Rows() int { return r.Chunk.Len() }

// Edge returns the edge length of the reconstructed slices.
func (r KernelRequest) Edge() int { return r.Sinogram.Dim(-1) }

// Kernel reconstructs the slices of one chunk. The returned tensor must be
// shaped (rows, edge, edge); the dispatcher copies it into the output volume.
// Implementations must not retain or modify the request's slices.
type Kernel interface {
	Backproject(ctx context.Context, req KernelRequest) (*tensor.Tensor, error)
}

// KernelFunc adapts a function to the Kernel interface.
type KernelFunc func(ctx context.Context, req KernelRequest) (*tensor.Tensor, error)

// Backproject implements Kernel.
func (f KernelFunc) Backproject(ctx context.Context, req KernelRequest) (*tensor.Tensor, error) {
	return f(ctx, req)
}
