package nifti

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"dwidenoise/internal/models"
)

// Write stores vol as a float32 NIfTI-1 file, gzip-compressed if path ends in .gz.
// Geometry is taken from tmpl; its dimensions and datatype are replaced.
func Write(path string, vol *models.Volume, tmpl Header) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating image")
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "closing %s", path)
		}
	}()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var zw *gzip.Writer
	if isGzip(path) {
		zw = gzip.NewWriter(bw)
		w = zw
	}

	if err := Encode(w, vol, tmpl); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return errors.Wrapf(err, "finishing gzip stream of %s", path)
		}
	}
	return errors.Wrapf(bw.Flush(), "flushing %s", path)
}

// Encode writes the header, an empty extension block and the samples in little endian order
func Encode(w io.Writer, vol *models.Volume, tmpl Header) error {
	if len(vol.Data) != vol.Nx*vol.Ny*vol.Nz*vol.Nv {
		return errors.Errorf("volume holds %d samples, dims %dx%dx%dx%d need %d",
			len(vol.Data), vol.Nx, vol.Ny, vol.Nz, vol.Nv, vol.Nx*vol.Ny*vol.Nz*vol.Nv)
	}

	h := tmpl.WithDims(vol.Nx, vol.Ny, vol.Nz, vol.Nv)
	if vol.VoxelSize.X > 0 {
		h.PixDim[1] = float32(vol.VoxelSize.X)
		h.PixDim[2] = float32(vol.VoxelSize.Y)
		h.PixDim[3] = float32(vol.VoxelSize.Z)
	}
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return errors.Wrap(err, "encoding header")
	}
	// extension flag: no extensions follow
	if _, err := w.Write(make([]byte, DataOffset-HeaderSize)); err != nil {
		return errors.Wrap(err, "writing extension flag")
	}

	buf := make([]byte, 4*4096)
	for start := 0; start < len(vol.Data); start += 4096 {
		end := start + 4096
		if end > len(vol.Data) {
			end = len(vol.Data)
		}
		chunk := buf[:4*(end-start)]
		for i, s := range vol.Data[start:end] {
			binary.LittleEndian.PutUint32(chunk[4*i:], math.Float32bits(s))
		}
		if _, err := w.Write(chunk); err != nil {
			return errors.Wrap(err, "writing samples")
		}
	}
	return nil
}
