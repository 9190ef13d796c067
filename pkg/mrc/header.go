// Package mrc reads tilt-series and writes reconstructed volumes in the
// MRC2014 image format.
//
// Only the parts of the format the reconstruction needs are interpreted:
// data shape and mode, voxel size, and the per-section alpha tilt stored in
// the extended header. FEI1 and FEI2 extended headers carry the tilt as a
// float64 inside variable-size metadata records; any other extended header
// is read as 128-byte records whose first float32 is the tilt in degrees.
package mrc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the main MRC header in bytes.
const HeaderSize = 1024

// SectionRecordSize is the size of one per-section extended header record
// in the fixed-size layout.
const SectionRecordSize = 128

// FEI extended header layout. Each record starts with its own size as an
// int32 and holds the alpha tilt in degrees as a float64.
const (
	feiAlphaTiltOffset = 100
	feiMinRecordSize   = feiAlphaTiltOffset + 8
)

// Data modes.
const (
	ModeInt8    int32 = 0
	ModeInt16   int32 = 1
	ModeFloat32 int32 = 2
	ModeUint16  int32 = 6
)

var (
	// ErrUnsupportedMode is returned for data modes other than 0, 1, 2 and 6.
	ErrUnsupportedMode = errors.New("unsupported MRC mode")
	// ErrCorruptHeader is returned when the header describes data that
	// cannot exist or that the input does not hold.
	ErrCorruptHeader = errors.New("corrupt MRC header")
)

// Header is the 1024-byte MRC2014 main header.
type Header struct {
	NX, NY, NZ                int32
	Mode                      int32
	NXStart, NYStart, NZStart int32
	MX, MY, MZ                int32
	CellA                     [3]float32
	CellB                     [3]float32
	MapC, MapR, MapS          int32
	DMin, DMax, DMean         float32
	ISPG                      int32
	NSymBT                    int32
	Extra1                    [8]byte
	ExtType                   [4]byte
	NVersion                  int32
	Extra2                    [84]byte
	Origin                    [3]float32
	Map                       [4]byte
	MachST                    [4]byte
	RMS                       float32
	NLabl                     int32
	Label                     [10][80]byte
}

func newHeader(nx, ny, nz int) Header {
	return Header{
		NX:       int32(nx),
		NY:       int32(ny),
		NZ:       int32(nz),
		Mode:     ModeFloat32,
		MX:       int32(nx),
		MY:       int32(ny),
		MZ:       int32(nz),
		CellB:    [3]float32{90, 90, 90},
		MapC:     1,
		MapR:     2,
		MapS:     3,
		ISPG:     1,
		NVersion: 20141,
		Map:      [4]byte{'M', 'A', 'P', ' '},
		MachST:   [4]byte{0x44, 0x44, 0, 0},
	}
}

// byteOrder detects the byte order from the machine stamp, falling back to
// checking which order gives a sane mode value.
func byteOrder(raw []byte) binary.ByteOrder {
	switch raw[212] {
	case 0x44:
		return binary.LittleEndian
	case 0x11:
		return binary.BigEndian
	}
	if m := binary.LittleEndian.Uint32(raw[12:16]); m <= 16 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// isFEI reports whether the extended header uses the FEI metadata layout.
func (h Header) isFEI() bool {
	switch string(h.ExtType[:]) {
	case "FEI1", "FEI2":
		return true
	}
	return false
}

func bytesPerValue(mode int32) (int, error) {
	switch mode {
	case ModeInt8:
		return 1, nil
	case ModeInt16, ModeUint16:
		return 2, nil
	case ModeFloat32:
		return 4, nil
	default:
		return 0, fmt.Errorf("%w %d", ErrUnsupportedMode, mode)
	}
}

// VoxelSize returns the voxel size in Å derived from the cell dimensions
// and sampling.
func (h Header) VoxelSize() (x, y, z float32) {
	div := func(cell float32, n int32) float32 {
		if n == 0 {
			return 0
		}
		return cell / float32(n)
	}
	return div(h.CellA[0], h.MX), div(h.CellA[1], h.MY), div(h.CellA[2], h.MZ)
}
