// Package nifti reads and writes single-file NIfTI-1 images (.nii and .nii.gz).
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Datatype codes (NIFTI_TYPE_*)
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
	DTInt64   int16 = 1024
	DTUint64  int16 = 1280
)

const (
	// HeaderSize is the value of sizeof_hdr for NIfTI-1
	HeaderSize = 348

	// DataOffset is where voxel data starts in a single file with no extensions
	DataOffset = 352
)

var magicSingleFile = [4]byte{'n', '+', '1', 0}

// ErrInvalidHeader is returned for headers that are not single-file NIfTI-1
var ErrInvalidHeader = errors.New("invalid nifti1 header")

// Header defines the structure of the NIfTI-1 header.
//
// Type translation from nifti1 C header to Go:
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  byte
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]byte // Unused
	UnusedDbName       [18]byte // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      byte     // Unused
	DimInfo            byte     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     byte       // Slice timing order
	XYZTUnits     byte       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // Must be "n+1\0"
}

// ReadHeader decodes a header and returns the byte order of the file.
// The byte order is inferred from sizeof_hdr.
func ReadHeader(b []byte) (Header, binary.ByteOrder, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, errors.Wrapf(ErrInvalidHeader, "%d bytes is shorter than a header", len(b))
	}

	var h Header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(b), order, &h); err != nil {
		return Header{}, nil, errors.Wrap(err, "decoding header")
	}

	if h.SizeOfHdr != HeaderSize {
		order = binary.BigEndian
		h = Header{}
		if err := binary.Read(bytes.NewReader(b), order, &h); err != nil {
			return Header{}, nil, errors.Wrap(err, "decoding header")
		}
	}

	if err := h.Validate(); err != nil {
		return Header{}, nil, err
	}
	return h, order, nil
}

// Validate checks that h describes a single-file NIfTI-1 image this package can load
func (h Header) Validate() error {
	switch {
	case h.SizeOfHdr != HeaderSize:
		return errors.Wrapf(ErrInvalidHeader, "sizeof_hdr is %d", h.SizeOfHdr)
	case h.Magic != magicSingleFile:
		return errors.Wrap(ErrInvalidHeader, "magic is not n+1, data must be stored in the same file as the header")
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return errors.Wrapf(ErrInvalidHeader, "dim[0] is %d", h.Dim[0])
	}

	if _, err := bytesPerVoxel(h.DataType); err != nil {
		return err
	}
	for i := 1; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return errors.Wrapf(ErrInvalidHeader, "dim[%d] is %d", i, h.Dim[i])
		}
	}
	for i := 5; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] != 1 {
			return errors.Wrapf(ErrInvalidHeader, "dimension %d has extent %d, only 3D and 4D images are supported", i, h.Dim[i])
		}
	}
	return nil
}

// Dims returns the spatial extents and number of volumes
func (h Header) Dims() (nx, ny, nz, nv int) {
	ext := func(i int) int {
		if i > int(h.Dim[0]) || h.Dim[i] < 1 {
			return 1
		}
		return int(h.Dim[i])
	}
	return ext(1), ext(2), ext(3), ext(4)
}

// WithDims returns a float32 copy of h describing an image of the given extents.
// nv == 1 yields a 3D image. Geometry fields are preserved.
func (h Header) WithDims(nx, ny, nz, nv int) Header {
	out := h
	out.SizeOfHdr = HeaderSize
	out.Magic = magicSingleFile
	out.DataType = DTFloat32
	out.BitPix = 32
	out.VoxOffset = DataOffset
	out.SclSlope = 1
	out.SclInter = 0
	out.CalMin = 0
	out.CalMax = 0
	out.Dim = [8]int16{3, int16(nx), int16(ny), int16(nz), 1, 1, 1, 1}
	if nv > 1 {
		out.Dim[0] = 4
		out.Dim[4] = int16(nv)
	}
	return out
}

// NewHeader returns a minimal header for a float32 image with isotropic 1mm voxels
func NewHeader(nx, ny, nz, nv int) Header {
	var h Header
	h.PixDim = [8]float32{1, 1, 1, 1, 1, 0, 0, 0}
	h.XYZTUnits = 2 // NIFTI_UNITS_MM
	return h.WithDims(nx, ny, nz, nv)
}

func bytesPerVoxel(dt int16) (int, error) {
	switch dt {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTInt64, DTUint64, DTFloat64:
		return 8, nil
	default:
		return 0, errors.Wrapf(ErrInvalidHeader, "unsupported datatype %d", dt)
	}
}
