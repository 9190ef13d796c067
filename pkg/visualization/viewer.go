// Package visualization renders previews of reconstructed volumes.
package visualization

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"tiltrecon/internal/models"
)

// Viewer extracts orthogonal slices from a reconstructed volume.
//
// The volume is laid out (Y, Z, X): one reconstructed slice per detector row,
// each slice Z×X with Z the depth along the beam.
type Viewer struct {
	// volume holds the reconstructed volume
	volume *models.Volume

	// dimensions of the volume
	width  int
	height int
	depth  int

	// lo and hi are the intensity window mapped to black and white
	lo, hi float32
}

// NewViewer creates a viewer over vol. The grey levels span the volume's
// minimum to maximum.
func NewViewer(vol *models.Volume) (*Viewer, error) {
	if vol == nil || vol.Data == nil || vol.Data.Rank() != 3 {
		return nil, fmt.Errorf("expected a rank 3 volume")
	}
	values := vol.Data.Values()
	var lo, hi float32
	if len(values) > 0 {
		lo, hi = values[0], values[0]
		for _, v := range values {
			lo = min(lo, v)
			hi = max(hi, v)
		}
	}
	return &Viewer{
		volume: vol,
		height: vol.Data.Dim(0),
		depth:  vol.Data.Dim(1),
		width:  vol.Data.Dim(2),
		lo:     lo,
		hi:     hi,
	}, nil
}

// gray maps a voxel value into the viewer's window.
func (v *Viewer) gray(value float32) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	n := float64(value-v.lo) / float64(v.hi-v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, n*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis.
// "y" gives a reconstructed slice (X across, Z down), "x" and "z" give
// sections through all rows (rows down).
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	data := v.volume.Data
	var img *image.Gray16

	switch axis {
	case "x", "X":
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewGray16(image.Rect(0, 0, v.depth, v.height))
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				img.SetGray16(z, y, v.gray(data.At(y, z, position)))
			}
		}

	case "y", "Y":
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, z, v.gray(data.At(position, z, x)))
			}
		}

	case "z", "Z":
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, y, v.gray(data.At(y, position, x)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func (v *Viewer) extent(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.width, nil
	case "y", "Y":
		return v.height, nil
	case "z", "Z":
		return v.depth, nil
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// SaveSliceSequence extracts and saves every slice along the specified axis,
// encoding several slices at once.
func (v *Viewer) SaveSliceSequence(ctx context.Context, axis string, outputDir string) error {
	maxPos, err := v.extent(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for pos := 0; pos < maxPos; pos++ {
		if gctx.Err() != nil {
			break
		}
		pos := pos
		g.Go(func() error {
			img, err := v.ExtractSlice(axis, pos)
			if err != nil {
				return err
			}
			filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
			return v.SaveSlice(img, filename)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return context.Cause(ctx)
}

// SaveCentralSlices writes the middle slice along each axis to outputDir and
// returns the file names.
func (v *Viewer) SaveCentralSlices(outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	var files []string
	for _, axis := range []string{"x", "y", "z"} {
		n, _ := v.extent(axis)
		if n == 0 {
			continue
		}
		img, err := v.ExtractSlice(axis, n/2)
		if err != nil {
			return files, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("central_%s.jpg", axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}
	return files, nil
}
