// Package mppca implements Marchenko-Pastur PCA denoising of multi-volume images.
// A cubic neighbourhood around each voxel is gathered across all volumes into a
// matrix, its noise components are identified from the eigenvalue spectrum and
// removed, and the centre voxel is rebuilt from the remaining signal components.
package mppca

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultWindowSize is the side length used when none is configured
	DefaultWindowSize = 5

	// MinWindowSize and MaxWindowSize bound the accepted side length
	MinWindowSize = 0
	MaxWindowSize = 50
)

// ErrInvalidWindowSize is returned for window sizes that are even or out of range
var ErrInvalidWindowSize = errors.New("invalid window size")

// Source is a readable 4D image: three spatial axes and one volume axis
type Source interface {
	Dims() (nx, ny, nz, nv int)
	At(x, y, z, v int) float64
}

// Destination is a writable 4D image addressed like a Source
type Destination interface {
	Set(x, y, z, v int, val float64)
}

// Window describes a cubic neighbourhood of odd side length.
//
// Columns are enumerated with z outermost, then y, then x. Under this order the
// column of offset (0,0,0) is always N/2, which is the only column written back.
type Window struct {
	Size   int
	Extent int
	N      int
}

// NewWindow validates size and returns the corresponding window
func NewWindow(size int) (Window, error) {
	if err := ValidateWindowSize(size); err != nil {
		return Window{}, err
	}
	return Window{
		Size:   size,
		Extent: size / 2,
		N:      size * size * size,
	}, nil
}

// ValidateWindowSize rejects sizes outside [MinWindowSize, MaxWindowSize] and even sizes
func ValidateWindowSize(size int) error {
	if size < MinWindowSize || size > MaxWindowSize {
		return errors.Wrapf(ErrInvalidWindowSize, "%d is outside [%d,%d]", size, MinWindowSize, MaxWindowSize)
	}
	if size%2 == 0 {
		return errors.Wrapf(ErrInvalidWindowSize, "%d is not odd", size)
	}
	return nil
}

// Center returns the column index of offset (0,0,0)
func (w Window) Center() int {
	return w.N / 2
}

// Offset returns the spatial offset enumerated at column k
func (w Window) Offset(k int) (dx, dy, dz int) {
	dx = k%w.Size - w.Extent
	dy = (k/w.Size)%w.Size - w.Extent
	dz = k/(w.Size*w.Size) - w.Extent
	return dx, dy, dz
}

// Extract fills X with the neighbourhood of (x0,y0,z0).
// X must be m×N where m is the number of volumes of src. Column k holds the
// volume vector at the k-th offset; columns falling outside the image are zero.
// The source is only read.
func (w Window) Extract(src Source, x0, y0, z0 int, X *mat.Dense) {
	nx, ny, nz, _ := src.Dims()
	m, _ := X.Dims()
	X.Zero()
	raw := X.RawMatrix()

	k := 0
	for z := z0 - w.Extent; z <= z0+w.Extent; z++ {
		for y := y0 - w.Extent; y <= y0+w.Extent; y++ {
			for x := x0 - w.Extent; x <= x0+w.Extent; x, k = x+1, k+1 {
				if x < 0 || x >= nx || y < 0 || y >= ny || z < 0 || z >= nz {
					continue
				}
				for v := 0; v < m; v++ {
					raw.Data[v*raw.Stride+k] = src.At(x, y, z, v)
				}
			}
		}
	}
}
