// Package backproject is the host implementation of the per-chunk
// reconstruction kernel: ramp-filtered back-projection of each sinogram row
// onto a square slice.
//
// Depth-dependent reconstruction is supported for defocus stacks: every
// voxel takes its projection value from the defocus plane closest to the
// voxel's defocus at that tilt.
package backproject

import (
	"context"
	"math"

	"github.com/go-logr/logr"

	"tiltrecon/pkg/reconstruction"
	"tiltrecon/pkg/tensor"
)

// FBP is a filtered back-projection kernel running on the host. GPU device
// tags are accepted and executed on the host as well.
type FBP struct {
	log logr.Logger
}

// New creates an FBP kernel.
func New(log logr.Logger) *FBP {
	return &FBP{log: log}
}

var _ reconstruction.Kernel = (*FBP)(nil)

// Backproject reconstructs the rows of req.
//
// Voxel (i, j) of a slice sits at x = j - edge/2 across the beam and
// z = i - edge/2 along it. After the optional transform the voxel projects to
// detector column s = x·cosθ + z·sinθ + centre, sampled with linear
// interpolation. For defocus stacks the voxel's depth -x·sinθ + z·cosθ,
// scaled by the pixel size, offsets the mid defocus to pick a plane.
func (k *FBP) Backproject(_ context.Context, req reconstruction.KernelRequest) (*tensor.Tensor, error) {
	rows, edge := req.Rows(), req.Edge()
	nAngles := len(req.Angles)
	out := tensor.New(rows, edge, edge)
	if nAngles == 0 || edge == 0 {
		return out, nil
	}

	planes := 1
	if req.Sinogram.Rank() == 4 {
		planes = req.Sinogram.Dim(1)
	}
	mid := float64(req.Defocus.Bounds.Min+req.Defocus.Bounds.Max) / 2
	pixelSize := float64(req.PixelSize)
	if pixelSize == 0 {
		pixelSize = 1
	}

	cos := make([]float64, nAngles)
	sin := make([]float64, nAngles)
	for a, theta := range req.Angles {
		cos[a] = math.Cos(float64(theta))
		sin[a] = math.Sin(float64(theta))
	}

	filter := newRampFilter(edge)
	filtered := make([][]float64, planes*nAngles)
	for i := range filtered {
		filtered[i] = make([]float64, edge)
	}

	data := out.Data()
	half := float64(edge) / 2
	scale := math.Pi / float64(nAngles)

	for r := 0; r < rows; r++ {
		// (THETA, X) or (DEFOCUS, THETA, X), row-major
		sino := req.Sinogram.Rows(r, r+1).Values()
		for p := range filtered {
			filter.apply(filtered[p], sino[p*edge:(p+1)*edge])
		}

		centre := float64(req.Centre[r])
		slice := data[r*edge*edge : (r+1)*edge*edge]
		for i := 0; i < edge; i++ {
			for j := 0; j < edge; j++ {
				x, z := req.Transform.Apply(float64(j)-half, float64(i)-half)
				var sum float64
				for a := 0; a < nAngles; a++ {
					plane := 0
					if planes > 1 {
						depth := -x*sin[a] + z*cos[a]
						plane = req.Defocus.Nearest(float32(mid + depth*pixelSize))
					}
					sum += sample(filtered[plane*nAngles+a], x*cos[a]+z*sin[a]+centre)
				}
				slice[i*edge+j] = float32(sum * scale)
			}
		}
	}

	k.log.V(2).Info("back-projected chunk", "rows", rows, "edge", edge, "angles", nAngles, "planes", planes, "device", req.Device.String())
	return out, nil
}

// sample linearly interpolates row at position s; positions outside the
// detector, and NaN positions, contribute nothing.
func sample(row []float64, s float64) float64 {
	last := float64(len(row) - 1)
	if math.IsNaN(s) || s < 0 || s > last {
		return 0
	}
	i := int(s)
	if i == len(row)-1 {
		return row[i]
	}
	frac := s - float64(i)
	return row[i]*(1-frac) + row[i+1]*frac
}
