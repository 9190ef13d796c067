package mrc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"tiltrecon/internal/models"
	"tiltrecon/pkg/tensor"
)

// File is a decoded MRC file.
type File struct {
	Header Header
	// Data is shaped (NZ, NY, NX) and cast to float32.
	Data *tensor.Tensor
	// TiltAngles holds the alpha tilt in degrees of each section that has an
	// extended header record.
	TiltAngles []float32
}

// VoxelSize returns the voxel size recorded in the header.
func (f *File) VoxelSize() models.VoxelSize {
	x, y, z := f.Header.VoxelSize()
	return models.VoxelSize{X: x, Y: y, Z: z}
}

// Read decodes the MRC file at path. A header describing more data than the
// file holds is rejected before anything is allocated for it.
func Read(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	info, err := fh.Stat()
	if err != nil {
		return nil, err
	}
	f, err := decode(bufio.NewReader(fh), info.Size()-HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Decode reads an MRC file from r.
func Decode(r io.Reader) (*File, error) {
	return decode(r, -1)
}

// decode reads an MRC file from r. When limit is not negative it is the
// number of bytes available after the main header.
func decode(r io.Reader, limit int64) (*File, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read MRC header: %w", err)
	}
	order := byteOrder(raw)

	var h Header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("failed to decode MRC header: %w", err)
	}
	if h.NX < 0 || h.NY < 0 || h.NZ < 0 || h.NSymBT < 0 {
		return nil, fmt.Errorf("%w: shape (%d, %d, %d), extended header %d bytes", ErrCorruptHeader, h.NZ, h.NY, h.NX, h.NSymBT)
	}
	size, err := bytesPerValue(h.Mode)
	if err != nil {
		return nil, err
	}
	dataBytes, err := payloadSize(h, size)
	if err != nil {
		return nil, err
	}
	if limit >= 0 && int64(h.NSymBT)+dataBytes > limit {
		return nil, fmt.Errorf("%w: header describes %d bytes after the main header, input holds %d",
			ErrCorruptHeader, int64(h.NSymBT)+dataBytes, limit)
	}

	ext, err := readSection(r, int64(h.NSymBT))
	if err != nil {
		return nil, fmt.Errorf("failed to read MRC extended header: %w", err)
	}
	payload, err := readSection(r, dataBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to read MRC data: %w", err)
	}

	nx, ny, nz := int(h.NX), int(h.NY), int(h.NZ)
	data := make([]float32, len(payload)/size)
	for i := range data {
		b := payload[i*size : (i+1)*size]
		switch h.Mode {
		case ModeInt8:
			data[i] = float32(int8(b[0]))
		case ModeInt16:
			data[i] = float32(int16(order.Uint16(b)))
		case ModeUint16:
			data[i] = float32(order.Uint16(b))
		case ModeFloat32:
			data[i] = math.Float32frombits(order.Uint32(b))
		}
	}
	t, err := tensor.FromSlice(data, nz, ny, nx)
	if err != nil {
		return nil, err
	}

	tilts, err := sectionTilts(h, ext, order, nz)
	if err != nil {
		return nil, err
	}
	return &File{
		Header:     h,
		Data:       t,
		TiltAngles: tilts,
	}, nil
}

// payloadSize returns the size in bytes of the data block h describes.
func payloadSize(h Header, size int) (int64, error) {
	n := int64(h.NX) * int64(h.NY)
	limit := int64(math.MaxInt) / int64(size)
	if h.NZ != 0 && n > limit/int64(h.NZ) {
		return 0, fmt.Errorf("%w: shape (%d, %d, %d) is too large", ErrCorruptHeader, h.NZ, h.NY, h.NX)
	}
	return n * int64(h.NZ) * int64(size), nil
}

// readSection reads exactly n bytes from r. The buffer grows with the data
// actually read, so a bogus length fails on the short read instead of on
// the allocation.
func readSection(r io.Reader, n int64) ([]byte, error) {
	buf, err := io.ReadAll(io.LimitReader(r, n))
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) < n {
		return nil, io.ErrUnexpectedEOF
	}
	return buf, nil
}

// sectionTilts extracts the alpha tilt of each section from the extended
// header, at most one per section.
func sectionTilts(h Header, ext []byte, order binary.ByteOrder, nz int) ([]float32, error) {
	if h.isFEI() {
		return feiTilts(ext, order, nz)
	}
	records := len(ext) / SectionRecordSize
	if records > nz {
		records = nz
	}
	tilts := make([]float32, records)
	for i := range tilts {
		off := i * SectionRecordSize
		tilts[i] = math.Float32frombits(order.Uint32(ext[off : off+4]))
	}
	return tilts, nil
}

func feiTilts(ext []byte, order binary.ByteOrder, nz int) ([]float32, error) {
	var tilts []float32
	for off := 0; len(tilts) < nz && off+4 <= len(ext); {
		size := int(int32(order.Uint32(ext[off : off+4])))
		if size < feiMinRecordSize || size > len(ext)-off {
			return nil, fmt.Errorf("%w: FEI extended header record %d has size %d with %d bytes left",
				ErrCorruptHeader, len(tilts), size, len(ext)-off)
		}
		alpha := math.Float64frombits(order.Uint64(ext[off+feiAlphaTiltOffset : off+feiMinRecordSize]))
		tilts = append(tilts, float32(alpha))
		off += size
	}
	return tilts, nil
}

// ReadTiltSeries reads a projection stack and its tilt angles. Every
// section must carry a tilt angle.
func ReadTiltSeries(path string) (*models.TiltSeries, error) {
	f, err := Read(path)
	if err != nil {
		return nil, err
	}
	nz := f.Data.Dim(0)
	if len(f.TiltAngles) != nz {
		return nil, fmt.Errorf("%s: %d tilt angles for %d projections", path, len(f.TiltAngles), nz)
	}
	return &models.TiltSeries{
		Projections: f.Data,
		TiltAngles:  f.TiltAngles,
		VoxelSize:   f.VoxelSize(),
	}, nil
}

// WriteVolume writes a (Z, Y, X) float32 volume to path.
func WriteVolume(path string, vol *tensor.Tensor, voxel models.VoxelSize) error {
	return write(path, vol, voxel, nil)
}

// WriteTiltSeries writes a projection stack with one extended header record
// per section carrying its tilt angle.
func WriteTiltSeries(path string, ts *models.TiltSeries) error {
	if len(ts.TiltAngles) != ts.Projections.Dim(0) {
		return tensor.NewShapeError("write tilt series", "%d tilt angles for %d projections", len(ts.TiltAngles), ts.Projections.Dim(0))
	}
	return write(path, ts.Projections, ts.VoxelSize, ts.TiltAngles)
}

func write(path string, vol *tensor.Tensor, voxel models.VoxelSize, tilts []float32) error {
	if vol.Rank() != 3 {
		return tensor.NewShapeError("write mrc", "expected a rank 3 volume, got shape %v", vol.Shape())
	}
	nz, ny, nx := vol.Dim(0), vol.Dim(1), vol.Dim(2)
	values := vol.Values()

	h := newHeader(nx, ny, nz)
	h.CellA = [3]float32{voxel.X * float32(nx), voxel.Y * float32(ny), voxel.Z * float32(nz)}
	h.DMin, h.DMax, h.DMean, h.RMS = density(values)
	h.NSymBT = int32(len(tilts) * SectionRecordSize)

	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(fh)
	if err := encode(w, h, tilts, values); err != nil {
		fh.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		fh.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return fh.Close()
}

func encode(w io.Writer, h Header, tilts []float32, values []float32) error {
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	record := make([]byte, SectionRecordSize)
	for _, tilt := range tilts {
		binary.LittleEndian.PutUint32(record[0:4], math.Float32bits(tilt))
		if _, err := w.Write(record); err != nil {
			return err
		}
	}
	return binary.Write(w, binary.LittleEndian, values)
}

func density(values []float32) (lo, hi, mean, rms float32) {
	if len(values) == 0 {
		return 0, 0, 0, 0
	}
	lo, hi = values[0], values[0]
	var sum float64
	for _, v := range values {
		lo = min(lo, v)
		hi = max(hi, v)
		sum += float64(v)
	}
	m := sum / float64(len(values))
	var ss float64
	for _, v := range values {
		d := float64(v) - m
		ss += d * d
	}
	return lo, hi, float32(m), float32(math.Sqrt(ss / float64(len(values))))
}
