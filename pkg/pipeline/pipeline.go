// Package pipeline reconstructs a tilt-series file into a volume file.
//
// The steps are:
//  1. Reading the projections, tilt angles and voxel size
//  2. Resolving the rotation centre of every detector row
//  3. Correcting the projections for the CTF
//  4. Back-projecting the corrected projections across the configured devices
//  5. Writing the volume with the input voxel size
//  6. Computing volume statistics
//  7. Exporting optional previews and slice images
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tiltrecon/internal/models"
	"tiltrecon/pkg/backproject"
	"tiltrecon/pkg/ctf"
	"tiltrecon/pkg/geometry"
	"tiltrecon/pkg/mrc"
	"tiltrecon/pkg/partition"
	"tiltrecon/pkg/reconstruction"
	"tiltrecon/pkg/tensor"
	"tiltrecon/pkg/visualization"
)

// pixelSize is passed to the corrector and the kernel in place of the
// detector voxel size.
// TODO: use the voxel x size once the CTF model and defocus planes are
// calibrated in the same unit.
const pixelSize float32 = 1.0

// ErrAnisotropicVoxel is returned for inputs whose x and y voxel sizes differ.
var ErrAnisotropicVoxel = errors.New("x and y voxel sizes differ")

// VolumeStats summarises the intensities of the reconstructed volume.
type VolumeStats struct {
	Min, Max     float64
	Mean, StdDev float64
}

// Params holds the file-level reconstruction parameters.
type Params struct {
	// InputFile is the MRC tilt-series with one alpha tilt per section.
	InputFile string

	// OutputFile receives the reconstructed (Y, X, X) volume.
	OutputFile string

	// CorrectedFile, when set, receives the CTF corrected projections as raw
	// little-endian float32.
	CorrectedFile string

	// Centre is the rotation centre, defaulting to the middle of each row.
	Centre geometry.Centre

	// CTF describes the imaging conditions. Without a defocus no correction
	// is applied.
	CTF ctf.Params

	// Target selects the CPU pool or GPU devices. Nil uses every core.
	Target partition.Target

	// ChunkSize is the number of rows per chunk, 0 for balanced chunks.
	ChunkSize int

	// Transform is an optional affine transform of the slice coordinates.
	Transform *geometry.Transform

	// PreviewDir, when set, receives JPEG previews of the central slices.
	PreviewDir string

	// SliceDir, when set, receives every slice along each axis as JPEG
	// images in the subdirectories x, y and z.
	SliceDir string
}

// Reconstructor drives one file reconstruction.
type Reconstructor struct {
	params     *Params
	dispatcher *reconstruction.Dispatcher
	corrector  ctf.Corrector
	log        logr.Logger

	// stats are filled by Process
	stats VolumeStats
}

// Option configures a Reconstructor.
type Option func(*Reconstructor)

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(r *Reconstructor) { r.log = log }
}

// WithDispatcher replaces the default host back-projection dispatcher.
func WithDispatcher(d *reconstruction.Dispatcher) Option {
	return func(r *Reconstructor) { r.dispatcher = d }
}

// WithCorrector replaces the default phase flipping corrector.
func WithCorrector(c ctf.Corrector) Option {
	return func(r *Reconstructor) { r.corrector = c }
}

// NewReconstructor creates a reconstructor for params.
func NewReconstructor(params *Params, opts ...Option) *Reconstructor {
	r := &Reconstructor{
		params: params,
		log:    logr.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dispatcher == nil {
		r.dispatcher = reconstruction.NewDispatcher(backproject.New(r.log), reconstruction.WithLogger(r.log))
	}
	if r.corrector == nil {
		workers := 0
		if params.Target != nil {
			if _, ok := params.Target.(partition.CPUPool); ok {
				workers = params.Target.Workers()
			}
		}
		r.corrector = ctf.NewPhaseFlip(workers, r.log)
	}
	return r
}

// Stats returns the statistics of the last reconstructed volume.
func (r *Reconstructor) Stats() VolumeStats {
	return r.stats
}

// Process runs the complete reconstruction. When back-projection fails for
// some chunks the volume is still written, with the rows of the failed chunks
// left at zero, and the dispatch error is returned.
func (r *Reconstructor) Process(ctx context.Context) error {
	start := time.Now()

	r.log.Info("reading tilt-series", "path", r.params.InputFile)
	series, err := mrc.ReadTiltSeries(r.params.InputFile)
	if err != nil {
		return fmt.Errorf("failed to read tilt-series: %w", err)
	}
	r.log.Info("read tilt-series", "shape", series.Projections.Shape(), "voxelSize", series.VoxelSize)
	if !series.VoxelSize.SquareXY() {
		return fmt.Errorf("%s: %w (%g, %g)", r.params.InputFile, ErrAnisotropicVoxel, series.VoxelSize.X, series.VoxelSize.Y)
	}
	for i, a := range series.TiltAngles {
		r.log.V(1).Info("projection", "index", i, "angle", a)
	}
	angles := geometry.AnglesFromDegrees(series.TiltAngles)

	centre, err := geometry.ResolveCentre(series.Projections.Shape(), r.params.Centre, false)
	if err != nil {
		return err
	}

	corrected, err := r.corrector.Correct(ctx, ctf.Request{
		Projections: series.Projections,
		Centre:      centre,
		PixelSize:   pixelSize,
		Params:      r.params.CTF,
		OutputPath:  r.params.CorrectedFile,
	})
	if err != nil {
		return fmt.Errorf("failed to correct projections: %w", err)
	}

	r.log.Info("reconstructing", "output", r.params.OutputFile, "defocus", corrected.Bounds)
	volume, dispatchErr := r.dispatcher.Reconstruct(ctx, corrected.Projections, angles, reconstruction.Options{
		Centre:    geometry.ArrayCentre(centre),
		PixelSize: pixelSize,
		Defocus:   corrected.Bounds,
		Target:    r.params.Target,
		ChunkSize: r.params.ChunkSize,
		Transform: r.params.Transform,
	})
	if volume == nil {
		return dispatchErr
	}

	if err := mrc.WriteVolume(r.params.OutputFile, volume, series.VoxelSize); err != nil {
		return errors.Join(dispatchErr, fmt.Errorf("failed to write volume: %w", err))
	}
	r.stats = computeStats(volume)
	r.log.Info("wrote volume", "path", r.params.OutputFile, "shape", volume.Shape(),
		"min", r.stats.Min, "max", r.stats.Max, "mean", r.stats.Mean, "stddev", r.stats.StdDev)

	if dispatchErr != nil {
		return dispatchErr
	}

	if r.params.PreviewDir != "" || r.params.SliceDir != "" {
		viewer, err := visualization.NewViewer(&models.Volume{Data: volume, VoxelSize: series.VoxelSize})
		if err != nil {
			return fmt.Errorf("failed to open volume for export: %w", err)
		}
		if r.params.PreviewDir != "" {
			if err := r.savePreviews(viewer); err != nil {
				r.log.Error(err, "failed to write previews", "dir", r.params.PreviewDir)
			}
		}
		if r.params.SliceDir != "" {
			if err := r.saveSlices(ctx, viewer); err != nil {
				return err
			}
		}
	}

	r.log.Info("reconstruction complete", "elapsed", time.Since(start).Round(time.Millisecond).String())
	return nil
}

func (r *Reconstructor) savePreviews(viewer *visualization.Viewer) error {
	files, err := viewer.SaveCentralSlices(r.params.PreviewDir)
	if err != nil {
		return err
	}
	r.log.V(1).Info("wrote previews", "files", files)
	return nil
}

// saveSlices writes every slice along each axis. A failed axis is logged and
// the others are still written; only cancellation stops the export.
func (r *Reconstructor) saveSlices(ctx context.Context, viewer *visualization.Viewer) error {
	for _, axis := range []string{"x", "y", "z"} {
		dir := filepath.Join(r.params.SliceDir, axis)
		r.log.Info("saving slices", "axis", axis, "dir", dir)
		if err := viewer.SaveSliceSequence(ctx, axis, dir); err != nil {
			if ctx.Err() != nil {
				return err
			}
			r.log.Error(err, "failed to save slices", "axis", axis, "dir", dir)
		}
	}
	return nil
}

func computeStats(volume *tensor.Tensor) VolumeStats {
	values := volume.Values()
	if len(values) == 0 {
		return VolumeStats{}
	}
	data := make([]float64, len(values))
	for i, v := range values {
		data[i] = float64(v)
	}
	mean, std := stat.PopMeanStdDev(data, nil)
	return VolumeStats{
		Min:    floats.Min(data),
		Max:    floats.Max(data),
		Mean:   mean,
		StdDev: std,
	}
}
