package nifti

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"dwidenoise/internal/models"
)

// Read loads a .nii or .nii.gz file into a float32 volume.
// The scaling in scl_slope and scl_inter is applied to the samples.
func Read(path string) (*models.Volume, Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Header{}, errors.Wrap(err, "opening image")
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if isGzip(path) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, Header{}, errors.Wrapf(err, "opening gzip stream of %s", path)
		}
		defer zr.Close()
		r = zr
	}

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, Header{}, errors.Wrapf(err, "reading %s", path)
	}

	vol, h, err := Decode(b)
	if err != nil {
		return nil, Header{}, errors.Wrapf(err, "decoding %s", path)
	}

	logrus.WithFields(logrus.Fields{
		"path":     path,
		"dims":     [4]int{vol.Nx, vol.Ny, vol.Nz, vol.Nv},
		"datatype": h.DataType,
	}).Debug("read image")
	return vol, h, nil
}

// Decode parses a complete single-file NIfTI-1 image held in memory
func Decode(b []byte) (*models.Volume, Header, error) {
	h, order, err := ReadHeader(b)
	if err != nil {
		return nil, Header{}, err
	}

	bpv, _ := bytesPerVoxel(h.DataType)
	nx, ny, nz, nv := h.Dims()
	count := nx * ny * nz * nv

	offset := int(h.VoxOffset)
	if offset < DataOffset {
		offset = DataOffset
	}
	if need := offset + count*bpv; len(b) < need {
		return nil, Header{}, errors.Errorf("image data truncated: have %d bytes, need %d", len(b), need)
	}

	vol := models.NewVolume(nx, ny, nz, nv)
	vol.VoxelSize.X = float64(h.PixDim[1])
	vol.VoxelSize.Y = float64(h.PixDim[2])
	vol.VoxelSize.Z = float64(h.PixDim[3])
	decodeSamples(vol.Data, b[offset:offset+count*bpv], h.DataType, order)

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !math.IsNaN(slope) && (slope != 1 || inter != 0) {
		for i, s := range vol.Data {
			vol.Data[i] = float32(float64(s)*slope + inter)
		}
	}
	return vol, h, nil
}

func decodeSamples(dst []float32, src []byte, dt int16, order binary.ByteOrder) {
	for i := range dst {
		switch dt {
		case DTUint8:
			dst[i] = float32(src[i])
		case DTInt8:
			dst[i] = float32(int8(src[i]))
		case DTInt16:
			dst[i] = float32(int16(order.Uint16(src[2*i:])))
		case DTUint16:
			dst[i] = float32(order.Uint16(src[2*i:]))
		case DTInt32:
			dst[i] = float32(int32(order.Uint32(src[4*i:])))
		case DTUint32:
			dst[i] = float32(order.Uint32(src[4*i:]))
		case DTFloat32:
			dst[i] = math.Float32frombits(order.Uint32(src[4*i:]))
		case DTInt64:
			dst[i] = float32(int64(order.Uint64(src[8*i:])))
		case DTUint64:
			dst[i] = float32(order.Uint64(src[8*i:]))
		case DTFloat64:
			dst[i] = float32(math.Float64frombits(order.Uint64(src[8*i:])))
		}
	}
}

func isGzip(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}
