package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"tiltrecon/internal/logging"
	"tiltrecon/pkg/backproject"
	"tiltrecon/pkg/config"
	"tiltrecon/pkg/pipeline"
	"tiltrecon/pkg/reconstruction"
)

// reconstructFlags are the command line overrides of the configuration file.
type reconstructFlags struct {
	configPath string

	device    string
	cores     int
	gpus      []int
	chunkSize int
	centre    float64

	transformMatrix []float64
	transformOffset []float64

	energy              float64
	defocus             float64
	numDefocus          int
	stepDefocus         float64
	sphericalAberration float64
	astigmatism         float64
	astigmatismAngle    float64
	phaseShift          float64

	correctedFile string
	previewDir    string
	sliceDir      string
	metricsAddr   string
	logLevel      string
	quiet         bool
}

// Reconstruct returns the command reconstructing a tilt-series file.
//
// Flags that are set override the configuration file, which in turn
// overrides the defaults.
func Reconstruct() *cobra.Command {
	f := &reconstructFlags{}

	cmd := &cobra.Command{
		Use:   "reconstruct <input.mrc> <output.mrc>",
		Short: "Reconstruct a volume from a tilt-series",
		Long: `Reconstruct a volume from an MRC tilt-series.

The input must carry the alpha tilt of every projection in its extended
header. The output holds one reconstructed slice per detector row.

Examples:
  # Reconstruct on every CPU core
  tiltrecon reconstruct series.mrc volume.mrc

  # Phase flip at 2.5 µm underfocus, 5 defocus planes 500 Å apart
  tiltrecon reconstruct series.mrc volume.mrc --defocus 25000 --num-defocus 5 --step-defocus 500

  # Split rows over two GPUs
  tiltrecon reconstruct series.mrc volume.mrc --device gpu --gpus 0,1

  # Shift the volume by 4 voxels along x and save every slice
  tiltrecon reconstruct series.mrc volume.mrc --transform-offset 4,0 --slices-dir slices`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return runReconstruct(cmd.Context(), cmd.ErrOrStderr(), cfg, args[0], args[1])
		},
	}

	f.bind(cmd.Flags())

	return cmd
}

func (f *reconstructFlags) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "tiltrecon.yaml", "Path to configuration file (YAML or TOML)")

	fs.StringVar(&f.device, "device", "cpu", "Device to reconstruct on: cpu or gpu")
	fs.IntVar(&f.cores, "cores", 0, "Number of CPU cores to use, 0 for all")
	fs.IntSliceVar(&f.gpus, "gpus", nil, "GPU device ids")
	fs.IntVar(&f.chunkSize, "chunk-size", 0, "Rows per chunk, 0 for balanced chunks")
	fs.Float64Var(&f.centre, "centre", 0, "Rotation centre in detector columns (default: middle of the row)")
	fs.Float64SliceVar(&f.transformMatrix, "transform-matrix", nil, "Affine matrix a,b,c,d mapping voxel (x, z) to (a·x+b·z, c·x+d·z)")
	fs.Float64SliceVar(&f.transformOffset, "transform-offset", nil, "Offset x,z added to voxel coordinates after the matrix")

	fs.Float64Var(&f.energy, "energy", 300, "Electron energy in keV")
	fs.Float64Var(&f.defocus, "defocus", 0, "Mean defocus in Å; CTF correction is skipped when unset")
	fs.IntVar(&f.numDefocus, "num-defocus", 1, "Number of defocus planes")
	fs.Float64Var(&f.stepDefocus, "step-defocus", 0, "Spacing between defocus planes in Å")
	fs.Float64Var(&f.sphericalAberration, "spherical-aberration", 2.7, "Spherical aberration in mm")
	fs.Float64Var(&f.astigmatism, "astigmatism", 0, "Astigmatism in Å")
	fs.Float64Var(&f.astigmatismAngle, "astigmatism-angle", 0, "Astigmatism angle in radians")
	fs.Float64Var(&f.phaseShift, "phase-shift", 0, "Phase shift in radians")

	fs.StringVar(&f.correctedFile, "corrected-file", "corrected.dat", "File receiving the CTF corrected projections")
	fs.StringVar(&f.previewDir, "preview-dir", "", "Directory receiving JPEG previews of the volume")
	fs.StringVar(&f.sliceDir, "slices-dir", "", "Directory receiving every slice of the volume along each axis")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level: error, warn, info, debug or trace")
	fs.BoolVarP(&f.quiet, "quiet", "q", false, "Do not print progress")
}

// loadConfig reads the configuration file and applies the flags the user set.
func loadConfig(cmd *cobra.Command, f *reconstructFlags) (*config.Config, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("device") {
		cfg.Processing.Device = f.device
	}
	if changed("cores") {
		cfg.Processing.NumCores = f.cores
	}
	if changed("gpus") {
		cfg.Processing.GPUs = f.gpus
	}
	if changed("chunk-size") {
		cfg.Processing.ChunkSize = f.chunkSize
	}
	if changed("centre") {
		cfg.Processing.Centre = &f.centre
	}
	if changed("transform-matrix") || changed("transform-offset") {
		t, err := f.transform(cfg.Processing.Transform, changed)
		if err != nil {
			return nil, err
		}
		cfg.Processing.Transform = t
	}
	if changed("energy") {
		cfg.CTF.Energy = f.energy
	}
	if changed("defocus") {
		cfg.CTF.Defocus = &f.defocus
	}
	if changed("num-defocus") {
		cfg.CTF.NumDefocus = f.numDefocus
	}
	if changed("step-defocus") {
		cfg.CTF.StepDefocus = f.stepDefocus
	}
	if changed("spherical-aberration") {
		cfg.CTF.SphericalAberration = f.sphericalAberration
	}
	if changed("astigmatism") {
		cfg.CTF.Astigmatism = f.astigmatism
	}
	if changed("astigmatism-angle") {
		cfg.CTF.AstigmatismAngle = f.astigmatismAngle
	}
	if changed("phase-shift") {
		cfg.CTF.PhaseShift = f.phaseShift
	}
	if changed("corrected-file") {
		cfg.Output.CorrectedFile = f.correctedFile
	}
	if changed("preview-dir") {
		cfg.Output.PreviewDir = f.previewDir
	}
	if changed("slices-dir") {
		cfg.Output.SliceDir = f.sliceDir
	}
	if changed("metrics-addr") {
		cfg.Output.MetricsAddr = f.metricsAddr
	}
	if changed("log-level") {
		cfg.Output.LogLevel = f.logLevel
	}
	if changed("quiet") {
		cfg.Output.Verbose = !f.quiet
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// transform applies the transform flags that were set on top of base. An
// unset base starts from the identity.
func (f *reconstructFlags) transform(base *config.Transform, changed func(string) bool) (*config.Transform, error) {
	t := config.IdentityTransform()
	if base != nil {
		c := *base
		t = &c
	}
	if changed("transform-matrix") {
		m := f.transformMatrix
		if len(m) != 4 {
			return nil, fmt.Errorf("--transform-matrix takes 4 values, got %d", len(m))
		}
		t.Matrix = [2][2]float64{{m[0], m[1]}, {m[2], m[3]}}
	}
	if changed("transform-offset") {
		o := f.transformOffset
		if len(o) != 2 {
			return nil, fmt.Errorf("--transform-offset takes 2 values, got %d", len(o))
		}
		t.Offset = [2]float64{o[0], o[1]}
	}
	return t, nil
}

func runReconstruct(ctx context.Context, stderr io.Writer, cfg *config.Config, input, output string) error {
	log := logging.New(stderr, logging.Configure(cfg.Output.LogLevel))

	target, err := cfg.Target()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Output.MetricsAddr != "" {
		stop := serveMetrics(cfg.Output.MetricsAddr, reg, log)
		defer stop()
	}

	opts := []reconstruction.Option{
		reconstruction.WithLogger(log),
		reconstruction.WithMetrics(reconstruction.NewMetrics(reg)),
	}
	if cfg.Output.Verbose {
		opts = append(opts, reconstruction.WithProgress(progressPrinter(stderr, log)))
	}
	dispatcher := reconstruction.NewDispatcher(backproject.New(log), opts...)

	params := &pipeline.Params{
		InputFile:     input,
		OutputFile:    output,
		CorrectedFile: cfg.Output.CorrectedFile,
		Centre:        cfg.Centre(),
		CTF:           cfg.CTF,
		Target:        target,
		ChunkSize:     cfg.Processing.ChunkSize,
		Transform:     cfg.Transform(),
		PreviewDir:    cfg.Output.PreviewDir,
		SliceDir:      cfg.Output.SliceDir,
	}
	r := pipeline.NewReconstructor(params, pipeline.WithLogger(log), pipeline.WithDispatcher(dispatcher))

	start := time.Now()
	if err := r.Process(ctx); err != nil {
		return fmt.Errorf("reconstruction failed: %w", err)
	}
	stats := r.Stats()
	fmt.Fprintf(stderr, "Reconstruction completed in %.2f seconds\n", time.Since(start).Seconds())
	fmt.Fprintf(stderr, "Volume saved to: %s\n", output)
	fmt.Fprintf(stderr, "  min %.4g  max %.4g  mean %.4g  stddev %.4g\n", stats.Min, stats.Max, stats.Mean, stats.StdDev)
	return nil
}

// progressPrinter rewrites a single progress line on terminals and logs each
// chunk otherwise.
func progressPrinter(w io.Writer, log logr.Logger) reconstruction.ProgressFunc {
	if file, ok := w.(*os.File); ok && (isatty.IsTerminal(file.Fd()) || isatty.IsCygwinTerminal(file.Fd())) {
		return func(done, total int) {
			fmt.Fprintf(w, "\rReconstructing: %d/%d chunks", done, total)
			if done == total {
				fmt.Fprintln(w)
			}
		}
	}
	return func(done, total int) {
		log.V(1).Info("progress", "done", done, "total", total)
	}
}

// serveMetrics exposes reg on addr until the returned function is called.
func serveMetrics(addr string, reg *prometheus.Registry, log logr.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "metrics server failed", "addr", addr)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error(err, "failed to stop metrics server")
		}
	}
}
