// Package reconstruction schedules the back-projection of a sinogram stack
// across CPU workers or GPU devices.
//
// The row axis is partitioned into disjoint chunks (see package partition).
// Every chunk is reconstructed independently by a Kernel and copied into its
// own rows of the caller's volume, so workers never share writable memory
// and no locking of the volume is needed.
package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"tiltrecon/pkg/defocus"
	"tiltrecon/pkg/geometry"
	"tiltrecon/pkg/partition"
	"tiltrecon/pkg/tensor"
)

// ProgressFunc is called after every chunk reaches a terminal state. Calls
// are serialised.
type ProgressFunc func(done, total int)

// Job is one dispatch of a sinogram stack into a reconstruction volume.
type Job struct {
	// Sinogram is shaped (Y, THETA, X) or (Y, DEFOCUS, THETA, X).
	Sinogram *tensor.Tensor
	// Reconstruction is shaped (Y, X, X) and written in place.
	Reconstruction *tensor.Tensor
	Centre         []float32
	Angles         []float32
	PixelSize      float32
	Defocus        defocus.Planes
	Transform      *geometry.Transform
	Target         partition.Target
	Chunks         []partition.Chunk
}

// Dispatcher runs a Kernel over the chunks of a Job.
type Dispatcher struct {
	kernel   Kernel
	log      logr.Logger
	metrics  *Metrics
	progress ProgressFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(log logr.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithMetrics records chunk outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithProgress reports chunk completion to fn.
func WithProgress(fn ProgressFunc) Option {
	return func(d *Dispatcher) { d.progress = fn }
}

// NewDispatcher returns a Dispatcher invoking kernel for every chunk.
func NewDispatcher(kernel Kernel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		kernel: kernel,
		log:    logr.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type chunkState int

const (
	chunkPending chunkState = iota
	chunkDone
	chunkFailed
)

type outcome struct {
	state chunkState
	err   *KernelError
}

// Dispatch reconstructs every chunk of job into job.Reconstruction.
//
// All shapes are checked before the first kernel call. Once dispatch starts,
// a failing chunk does not stop the others: every failure is returned as a
// *KernelError joined into the result after all chunks finish, and rows of
// successful chunks stay written. When ctx is cancelled no further chunks are
// started; chunks already running complete normally.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) error {
	if job.Target == nil {
		job.Target = partition.CPUPool{}
	}
	if job.Defocus.Len() == 0 {
		job.Defocus = defocus.Planes{Values: []float32{0}}
	}
	if err := validateJob(job); err != nil {
		return err
	}
	if len(job.Chunks) == 0 {
		return nil
	}

	d.log.V(1).Info("dispatching reconstruction",
		"rows", job.Sinogram.Dim(0),
		"angles", len(job.Angles),
		"edge", job.Sinogram.Dim(-1),
		"defocusPlanes", job.Defocus.Len(),
		"chunks", len(job.Chunks),
		"workers", job.Target.Workers())

	outcomes := make([]outcome, len(job.Chunks))
	var (
		progressMu sync.Mutex
		done       int
	)
	finish := func() {
		if d.progress == nil {
			return
		}
		progressMu.Lock()
		done++
		d.progress(done, len(job.Chunks))
		progressMu.Unlock()
	}

	run := func(idx int, dev partition.Device) {
		if ctx.Err() != nil {
			return
		}
		outcomes[idx] = d.runChunk(ctx, job, job.Chunks[idx], dev)
		finish()
	}

	var wg sync.WaitGroup
	switch t := job.Target.(type) {
	case partition.GPUDevices:
		queues := make(map[int][]int, len(t.IDs))
		for i, c := range job.Chunks {
			queues[c.Device.ID] = append(queues[c.Device.ID], i)
		}
		for _, id := range t.IDs {
			queue := queues[id]
			if len(queue) == 0 {
				continue
			}
			dev := partition.Device{Kind: partition.GPU, ID: id}
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, idx := range queue {
					run(idx, dev)
				}
			}()
		}
	default:
		workers := job.Target.Workers()
		if workers > len(job.Chunks) {
			workers = len(job.Chunks)
		}
		next := make(chan int)
		for w := 0; w < workers; w++ {
			dev := partition.Device{Kind: partition.Host, ID: w}
			wg.Add(1)
			go func() {
				defer wg.Done()
				for idx := range next {
					run(idx, dev)
				}
			}()
		}
	feed:
		for i := range job.Chunks {
			select {
			case <-ctx.Done():
				break feed
			case next <- i:
			}
		}
		close(next)
	}
	wg.Wait()

	return d.collect(ctx, job, outcomes)
}

func (d *Dispatcher) collect(ctx context.Context, job Job, outcomes []outcome) error {
	var (
		errs            []error
		failed, skipped int
	)
	for i, o := range outcomes {
		switch o.state {
		case chunkFailed:
			failed++
			errs = append(errs, o.err)
		case chunkPending:
			skipped++
			d.metrics.skipped(job.Chunks[i].Device)
		}
	}
	if skipped > 0 {
		errs = append(errs, fmt.Errorf("%d of %d chunks not dispatched: %w", skipped, len(outcomes), context.Cause(ctx)))
	}
	if len(errs) == 0 {
		return nil
	}
	err := errors.Join(errs...)
	d.log.Error(err, "reconstruction incomplete", "failed", failed, "skipped", skipped, "chunks", len(outcomes))
	return err
}

func (d *Dispatcher) runChunk(ctx context.Context, job Job, c partition.Chunk, dev partition.Device) outcome {
	req := KernelRequest{
		Chunk:     c,
		Device:    dev,
		Sinogram:  job.Sinogram.Rows(c.Start, c.End),
		Centre:    append([]float32(nil), job.Centre[c.Start:c.End]...),
		Angles:    append([]float32(nil), job.Angles...),
		PixelSize: job.PixelSize,
		Defocus:   job.Defocus,
		Transform: job.Transform,
	}

	start := time.Now()
	out, err := d.invoke(ctx, req)
	if err == nil {
		err = checkKernelOutput(out, c.Len(), req.Edge())
	}
	if err == nil {
		err = job.Reconstruction.Rows(c.Start, c.End).CopyFrom(out)
	}
	elapsed := time.Since(start)
	d.metrics.observe(dev, c.Len(), elapsed, err)

	if err != nil {
		kerr := &KernelError{Start: c.Start, End: c.End, Device: dev, Err: err}
		d.log.V(1).Info("chunk failed", "start", c.Start, "end", c.End, "device", dev.String(), "error", err.Error())
		return outcome{state: chunkFailed, err: kerr}
	}
	d.log.V(2).Info("chunk reconstructed", "start", c.Start, "end", c.End, "device", dev.String(), "elapsed", elapsed)
	return outcome{state: chunkDone}
}

func (d *Dispatcher) invoke(ctx context.Context, req KernelRequest) (out *tensor.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel panic: %v", r)
		}
	}()
	return d.kernel.Backproject(ctx, req)
}

func checkKernelOutput(out *tensor.Tensor, rows, edge int) error {
	if out == nil {
		return errors.New("kernel returned no data")
	}
	want := []int{rows, edge, edge}
	if !tensor.SameShape(out.Shape(), want) {
		return fmt.Errorf("kernel returned shape %v, want %v", out.Shape(), want)
	}
	return nil
}

func validateJob(job Job) error {
	sino := job.Sinogram
	if sino == nil {
		return tensor.NewShapeError("dispatch", "nil sinogram")
	}
	if r := sino.Rank(); r != 3 && r != 4 {
		return tensor.NewShapeError("dispatch", "sinogram must have rank 3 or 4, got shape %v", sino.Shape())
	}
	rows, angles, edge := sino.Dim(0), sino.Dim(-2), sino.Dim(-1)

	if job.Reconstruction == nil {
		return tensor.NewShapeError("dispatch", "nil reconstruction")
	}
	if want := []int{rows, edge, edge}; !tensor.SameShape(job.Reconstruction.Shape(), want) {
		return tensor.NewShapeError("dispatch", "reconstruction shape %v does not match sinogram, want %v", job.Reconstruction.Shape(), want)
	}
	if len(job.Centre) != rows {
		return tensor.NewShapeError("dispatch", "centre has %d values for %d rows", len(job.Centre), rows)
	}
	if len(job.Angles) != angles {
		return tensor.NewShapeError("dispatch", "got %d angles for %d projections", len(job.Angles), angles)
	}

	planes := 1
	if sino.Rank() == 4 {
		planes = sino.Dim(1)
	}
	if job.Defocus.Len() != planes {
		return tensor.NewShapeError("dispatch", "%d defocus planes planned for a defocus axis of %d", job.Defocus.Len(), planes)
	}

	if err := partition.Validate(job.Chunks, rows); err != nil {
		return tensor.NewShapeError("dispatch", "%v", err)
	}
	return validateDevices(job.Target, job.Chunks)
}

func validateDevices(target partition.Target, chunks []partition.Chunk) error {
	switch t := target.(type) {
	case partition.GPUDevices:
		ids := make(map[int]bool, len(t.IDs))
		for _, id := range t.IDs {
			ids[id] = true
		}
		for _, c := range chunks {
			if c.Device.Kind != partition.GPU || !ids[c.Device.ID] {
				return fmt.Errorf("%w: %s is not on a listed GPU", partition.ErrInvalidTarget, c)
			}
		}
	default:
		if target.Workers() < 1 {
			return fmt.Errorf("%w: no workers", partition.ErrInvalidTarget)
		}
		for _, c := range chunks {
			if c.Device.Kind != partition.Host {
				return fmt.Errorf("%w: %s on a CPU pool", partition.ErrInvalidTarget, c)
			}
		}
	}
	return nil
}
