// Package ctf corrects projections for the contrast transfer function of
// the microscope by phase flipping.
//
// With several defocus planes configured, every projection is corrected once
// per plane, producing a (THETA, DEFOCUS, Y, X) stack for depth-dependent
// reconstruction.
package ctf

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"runtime"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"tiltrecon/pkg/defocus"
	"tiltrecon/pkg/tensor"
)

// Params describes the imaging conditions.
type Params struct {
	// Energy is the electron energy in keV.
	Energy float64 `yaml:"energy" toml:"energy"`
	// Defocus is the mean defocus in Å, positive for underfocus. Nil
	// disables correction.
	Defocus *float64 `yaml:"defocus,omitempty" toml:"defocus,omitempty"`
	// NumDefocus is the number of defocus planes. Values below 2 give a
	// single plane.
	NumDefocus int `yaml:"numDefocus" toml:"num_defocus"`
	// StepDefocus is the spacing between defocus planes in Å.
	StepDefocus float64 `yaml:"stepDefocus" toml:"step_defocus"`
	// SphericalAberration is Cs in mm.
	SphericalAberration float64 `yaml:"sphericalAberration" toml:"spherical_aberration"`
	// Astigmatism is the defocus difference between the principal axes in Å.
	Astigmatism float64 `yaml:"astigmatism" toml:"astigmatism"`
	// AstigmatismAngle is the angle of the astigmatism axis in radians.
	AstigmatismAngle float64 `yaml:"astigmatismAngle" toml:"astigmatism_angle"`
	// PhaseShift is an additional phase shift in radians.
	PhaseShift float64 `yaml:"phaseShift" toml:"phase_shift"`
}

// DefaultParams returns the parameters of a 300 keV microscope with
// Cs = 2.7 mm and correction disabled.
func DefaultParams() Params {
	return Params{
		Energy:              300,
		SphericalAberration: 2.7,
	}
}

// Enabled reports whether a defocus was given.
func (p Params) Enabled() bool { return p.Defocus != nil }

// DefocusValues returns the plane defocus values in Å, ascending for a
// positive step and centred on the mean defocus.
func (p Params) DefocusValues() []float64 {
	if !p.Enabled() {
		return nil
	}
	n := p.NumDefocus
	if n < 1 {
		n = 1
	}
	values := make([]float64, n)
	for i := range values {
		values[i] = *p.Defocus + (float64(i)-float64(n-1)/2)*p.StepDefocus
	}
	return values
}

// Validate checks that the parameters describe a physical microscope.
func (p Params) Validate() error {
	if !p.Enabled() {
		return nil
	}
	if p.Energy <= 0 {
		return fmt.Errorf("ctf: energy must be positive, got %g keV", p.Energy)
	}
	if p.NumDefocus > 1 && p.StepDefocus <= 0 {
		return fmt.Errorf("ctf: %d defocus planes need a positive step, got %g", p.NumDefocus, p.StepDefocus)
	}
	return nil
}

// Wavelength returns the relativistic electron wavelength in Å for an
// energy in keV.
func Wavelength(energy float64) float64 {
	v := energy * 1000
	return 12.2643247 / math.Sqrt(v*(1+0.978466e-6*v))
}

// Request is the input of a correction.
type Request struct {
	// Projections is a (THETA, Y, X) stack.
	Projections *tensor.Tensor
	// Centre holds the rotation centre of each row, in projection columns.
	Centre    []float32
	PixelSize float32
	Params    Params
	// OutputPath, when set, receives the corrected stack as raw
	// little-endian float32 in C order.
	OutputPath string
}

// Result is the corrected stack and the defocus range it spans.
type Result struct {
	// Projections is (THETA, Y, X) or (THETA, DEFOCUS, Y, X).
	Projections *tensor.Tensor
	Bounds      defocus.Bounds
}

// Corrector applies CTF correction to a projection stack.
type Corrector interface {
	Correct(ctx context.Context, req Request) (Result, error)
}

// PhaseFlip flips the sign of every Fourier component where the CTF is
// negative. Every projection is corrected with the same defocus; the
// request's centre is not used.
type PhaseFlip struct {
	workers int
	log     logr.Logger
}

// NewPhaseFlip creates a corrector using up to workers goroutines. Zero
// uses every core.
func NewPhaseFlip(workers int, log logr.Logger) *PhaseFlip {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &PhaseFlip{workers: workers, log: log}
}

var _ Corrector = (*PhaseFlip)(nil)

// Correct implements Corrector. When no defocus is configured the input is
// returned unchanged with zero bounds.
func (c *PhaseFlip) Correct(ctx context.Context, req Request) (Result, error) {
	if !req.Params.Enabled() {
		c.log.V(1).Info("no defocus given, skipping CTF correction")
		return Result{Projections: req.Projections}, nil
	}
	if err := req.Params.Validate(); err != nil {
		return Result{}, err
	}
	proj := req.Projections
	if proj == nil || proj.Rank() != 3 {
		return Result{}, tensor.NewShapeError("ctf correct", "expected a (THETA, Y, X) stack")
	}

	values := req.Params.DefocusValues()
	nTheta, height, width := proj.Dim(0), proj.Dim(1), proj.Dim(2)
	planes := len(values)

	var out *tensor.Tensor
	if planes == 1 {
		out = tensor.New(nTheta, height, width)
	} else {
		out = tensor.New(nTheta, planes, height, width)
	}
	outData := out.Data()
	frame := height * width

	pixelSize := float64(req.PixelSize)
	if pixelSize == 0 {
		pixelSize = 1
	}
	filters := make([][]bool, planes)
	for i, d := range values {
		filters[i] = flipMask(req.Params, d, pixelSize, width, height)
	}

	c.log.Info("correcting projections", "projections", nTheta, "planes", planes,
		"minDefocus", values[0], "maxDefocus", values[planes-1])

	// Workers reuse FFT plans and buffers through the pool.
	pool := sync.Pool{New: func() any { return newWorkspace(width, height) }}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for theta := 0; theta < nTheta; theta++ {
		if gctx.Err() != nil {
			break
		}
		theta := theta
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ws := pool.Get().(*workspace)
			defer pool.Put(ws)
			ws.flip(proj.Rows(theta, theta+1).Values(), filters, outData[theta*planes*frame:(theta+1)*planes*frame])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if req.OutputPath != "" {
		if err := writeRaw(req.OutputPath, outData); err != nil {
			return Result{}, err
		}
		c.log.V(1).Info("wrote corrected projections", "path", req.OutputPath, "shape", out.Shape())
	}

	return Result{
		Projections: out,
		Bounds: defocus.Bounds{
			Min: float32(values[0]),
			Max: float32(values[planes-1]),
		},
	}, nil
}

// workspace holds the FFT plan and buffers for correcting one projection.
type workspace struct {
	fft      *fft2D
	spectrum []complex128
	work     []complex128
}

func newWorkspace(width, height int) *workspace {
	return &workspace{
		fft:      newFFT2D(width, height),
		spectrum: make([]complex128, width*height),
		work:     make([]complex128, width*height),
	}
}

// flip writes one phase-flipped copy of src per mask to dst, plane after
// plane.
func (ws *workspace) flip(src []float32, masks [][]bool, dst []float32) {
	for i, v := range src {
		ws.spectrum[i] = complex(float64(v), 0)
	}
	ws.fft.forward(ws.spectrum)
	frame := len(src)
	for p, mask := range masks {
		for i, flip := range mask {
			if flip {
				ws.work[i] = -ws.spectrum[i]
			} else {
				ws.work[i] = ws.spectrum[i]
			}
		}
		ws.fft.inverse(ws.work)
		plane := dst[p*frame : (p+1)*frame]
		for i := range plane {
			plane[i] = float32(real(ws.work[i]))
		}
	}
}

// flipMask marks the Fourier components where the CTF at defocus df is
// negative.
func flipMask(p Params, df, pixelSize float64, width, height int) []bool {
	lambda := Wavelength(p.Energy)
	cs := p.SphericalAberration * 1e7 // mm to Å
	mask := make([]bool, width*height)
	for y := 0; y < height; y++ {
		fy := float64(frequency(y, height)) / (float64(height) * pixelSize)
		for x := 0; x < width; x++ {
			fx := float64(frequency(x, width)) / (float64(width) * pixelSize)
			k2 := fx*fx + fy*fy
			angle := math.Atan2(fy, fx)
			d := df + p.Astigmatism/2*math.Cos(2*(angle-p.AstigmatismAngle))
			chi := math.Pi*lambda*d*k2 - math.Pi/2*cs*lambda*lambda*lambda*k2*k2 + p.PhaseShift
			mask[y*width+x] = -math.Sin(chi) < 0
		}
	}
	return mask
}

func writeRaw(path string, data []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create corrected output: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write corrected output: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write corrected output: %w", err)
	}
	return f.Close()
}
