package models

import (
	"tiltrecon/pkg/tensor"
)

// VoxelSize is the physical size of a voxel in Å
type VoxelSize struct {
	X, Y, Z float32
}

// SquareXY reports whether the x and y voxel edges are equal
func (v VoxelSize) SquareXY() bool {
	return v.X == v.Y
}

// TiltSeries represents a stack of projections read from disk
type TiltSeries struct {
	// Projections is the (THETA, Y, X) projection stack
	Projections *tensor.Tensor

	// TiltAngles holds the alpha tilt of each projection in degrees
	TiltAngles []float32

	// VoxelSize is the sampling of the detector
	VoxelSize VoxelSize
}

// Volume represents a 3D volume reconstructed from a tilt-series
type Volume struct {
	// Data is the (Y, X, X) volume: one reconstructed slice per detector row
	Data *tensor.Tensor

	// VoxelSize is copied from the tilt-series
	VoxelSize VoxelSize
}
