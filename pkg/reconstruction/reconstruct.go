package reconstruction

import (
	"context"

	"tiltrecon/pkg/defocus"
	"tiltrecon/pkg/geometry"
	"tiltrecon/pkg/partition"
	"tiltrecon/pkg/tensor"
)

// Options are the optional parameters of Reconstruct.
type Options struct {
	// Reconstruction is an optional pre-allocated (Y, X, X) volume written in
	// place. When nil a zeroed volume is allocated.
	Reconstruction *tensor.Tensor
	Centre         geometry.Centre
	// PixelSize defaults to 1.
	PixelSize float32
	Defocus   defocus.Bounds
	// SinogramOrder is true when the input is already a stack of sinograms.
	SinogramOrder bool
	Transform     *geometry.Transform
	// Target defaults to a CPU pool using every core.
	Target    partition.Target
	ChunkSize int
}

// Reconstruct back-projects tomogram into a (Y, X, X) volume.
//
// The tomogram is laid out as one of
//
//	(THETA, Y, X)            stack of projections
//	(Y, THETA, X)            stack of sinograms, SinogramOrder
//	(THETA, DEFOCUS, Y, X)   stack of defocus corrected projections
//	(Y, DEFOCUS, THETA, X)   stack of defocus corrected sinograms, SinogramOrder
//
// angles holds one tilt angle in radians per projection. Once the volume has
// been allocated or validated it is returned even with a non-nil error, so a
// caller can inspect the rows of chunks that did complete.
func (d *Dispatcher) Reconstruct(ctx context.Context, tomogram *tensor.Tensor, angles []float32, opts Options) (*tensor.Tensor, error) {
	sinogram, err := tensor.ToSinogramOrder(tomogram, opts.SinogramOrder)
	if err != nil {
		return nil, err
	}

	reconstruction, err := initialiseReconstruction(opts.Reconstruction, sinogram)
	if err != nil {
		return nil, err
	}

	centre, err := geometry.ResolveCentre(sinogram.Shape(), opts.Centre, true)
	if err != nil {
		return nil, err
	}

	planes, err := defocus.ForTensor(opts.Defocus, sinogram)
	if err != nil {
		return nil, err
	}

	target := opts.Target
	if target == nil {
		target = partition.CPUPool{}
	}
	chunks, err := partition.Partition(sinogram.Dim(0), target, opts.ChunkSize)
	if err != nil {
		return nil, err
	}

	pixelSize := opts.PixelSize
	if pixelSize == 0 {
		pixelSize = 1
	}

	err = d.Dispatch(ctx, Job{
		Sinogram:       sinogram,
		Reconstruction: reconstruction,
		Centre:         centre,
		Angles:         angles,
		PixelSize:      pixelSize,
		Defocus:        planes,
		Transform:      opts.Transform,
		Target:         target,
		Chunks:         chunks,
	})
	return reconstruction, err
}

func initialiseReconstruction(rec, sinogram *tensor.Tensor) (*tensor.Tensor, error) {
	rows, edge := sinogram.Dim(0), sinogram.Dim(-1)
	if rec == nil {
		return tensor.New(rows, edge, edge), nil
	}
	if want := []int{rows, edge, edge}; !tensor.SameShape(rec.Shape(), want) {
		return nil, tensor.NewShapeError("reconstruct", "reconstruction shape %v does not match sinogram, want %v", rec.Shape(), want)
	}
	return rec, nil
}
