package models

import "fmt"

// Volume represents a 4D image: three spatial axes and one volume axis.
// The volume axis indexes repeated acquisitions, e.g. diffusion directions.
type Volume struct {
	// Data holds the samples in x-fastest order: x, then y, then z, then v
	Data []float32

	// Nx, Ny, Nz are the spatial extents in voxels
	Nx, Ny, Nz int

	// Nv is the number of volumes; 1 for 3D maps
	Nv int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}
}

// NewVolume allocates a zero-filled volume of the given extents
func NewVolume(nx, ny, nz, nv int) *Volume {
	return &Volume{
		Data: make([]float32, nx*ny*nz*nv),
		Nx:   nx,
		Ny:   ny,
		Nz:   nz,
		Nv:   nv,
	}
}

// Like allocates a zero-filled volume with the same spatial grid and nv volumes
func (v *Volume) Like(nv int) *Volume {
	out := NewVolume(v.Nx, v.Ny, v.Nz, nv)
	out.VoxelSize = v.VoxelSize
	return out
}

// Dims returns the extents along the four axes
func (v *Volume) Dims() (nx, ny, nz, nv int) {
	return v.Nx, v.Ny, v.Nz, v.Nv
}

// InBounds reports whether the spatial position lies inside the grid
func (v *Volume) InBounds(x, y, z int) bool {
	return x >= 0 && x < v.Nx && y >= 0 && y < v.Ny && z >= 0 && z < v.Nz
}

// Index returns the offset of (x,y,z,vol) into Data
func (v *Volume) Index(x, y, z, vol int) int {
	return x + v.Nx*(y+v.Ny*(z+v.Nz*vol))
}

// At returns the sample at (x,y,z,vol)
func (v *Volume) At(x, y, z, vol int) float64 {
	return float64(v.Data[v.Index(x, y, z, vol)])
}

// Set stores val at (x,y,z,vol)
func (v *Volume) Set(x, y, z, vol int, val float64) {
	v.Data[v.Index(x, y, z, vol)] = float32(val)
}

// Frame returns a copy of the 3D volume at index vol
func (v *Volume) Frame(vol int) ([]float32, error) {
	if vol < 0 || vol >= v.Nv {
		return nil, fmt.Errorf("volume index %d out of range [0,%d)", vol, v.Nv)
	}
	n := v.Nx * v.Ny * v.Nz
	frame := make([]float32, n)
	copy(frame, v.Data[vol*n:(vol+1)*n])
	return frame, nil
}

// SameGrid reports whether both volumes share the spatial extents
func (v *Volume) SameGrid(o *Volume) bool {
	return v.Nx == o.Nx && v.Ny == o.Ny && v.Nz == o.Nz
}

// Mask is a 3D boolean selection over a spatial grid
type Mask struct {
	Inside     []bool
	Nx, Ny, Nz int
}

// MaskFromVolume marks every voxel of the first volume with a non-zero value
func MaskFromVolume(v *Volume) *Mask {
	n := v.Nx * v.Ny * v.Nz
	m := &Mask{
		Inside: make([]bool, n),
		Nx:     v.Nx,
		Ny:     v.Ny,
		Nz:     v.Nz,
	}
	for i := 0; i < n; i++ {
		m.Inside[i] = v.Data[i] != 0
	}
	return m
}

// Contains reports whether (x,y,z) is selected
func (m *Mask) Contains(x, y, z int) bool {
	return m.Inside[x+m.Nx*(y+m.Ny*z)]
}

// Count returns the number of selected voxels
func (m *Mask) Count() int {
	n := 0
	for _, in := range m.Inside {
		if in {
			n++
		}
	}
	return n
}
