package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	colorful "github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/draw"
)

// Ramp endpoints for colour previews, blended in HCL so steps look even
var (
	rampLow  = colorful.Hsv(240, 0.85, 0.25)
	rampHigh = colorful.Hsv(55, 0.9, 1.0)
)

// Viewer renders 2D previews of one 3D frame of a volume
type Viewer struct {
	// volumeData holds the 3D frame in x-fastest order
	volumeData []float32

	// dimensions of the frame
	width  int
	height int
	depth  int

	// scale is the integer upscaling factor applied when saving
	scale int

	// lo and hi bound the finite values, used for normalisation
	lo, hi float64
}

// NewViewer creates a viewer for a width×height×depth frame
func NewViewer(volumeData []float32, width, height, depth int) *Viewer {
	v := &Viewer{
		volumeData: volumeData,
		width:      width,
		height:     height,
		depth:      depth,
		scale:      1,
	}
	v.lo, v.hi = finiteRange(volumeData)
	return v
}

// SetScale sets the upscaling factor for saved slices
func (v *Viewer) SetScale(scale int) {
	if scale < 1 {
		scale = 1
	}
	v.scale = scale
}

// Range returns the finite minimum and maximum of the frame
func (v *Viewer) Range() (lo, hi float64) {
	return v.lo, v.hi
}

func finiteRange(data []float32) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, d := range data {
		f := float64(d)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}

// normalise maps a sample to [0,1]; ok is false for NaN and infinities
func (v *Viewer) normalise(val float32) (t float64, ok bool) {
	f := float64(val)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if v.hi <= v.lo {
		return 0, true
	}
	return math.Max(0, math.Min(1, (f-v.lo)/(v.hi-v.lo))), true
}

// sliceGeometry returns the size of a slice along axis and a function mapping
// slice coordinates to an index into volumeData
func (v *Viewer) sliceGeometry(axis string, position int) (w, h int, index func(i, j int) int, err error) {
	if position < 0 {
		return 0, 0, nil, fmt.Errorf("position must be non-negative")
	}

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= v.width {
			return 0, 0, nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		return v.height, v.depth, func(i, j int) int {
			return (v.depth-1-j)*v.width*v.height + i*v.width + position
		}, nil

	case "y", "Y":
		// XZ plane
		if position >= v.height {
			return 0, 0, nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		return v.width, v.depth, func(i, j int) int {
			return (v.depth-1-j)*v.width*v.height + position*v.width + i
		}, nil

	case "z", "Z":
		// XY plane
		if position >= v.depth {
			return 0, 0, nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		return v.width, v.height, func(i, j int) int {
			return position*v.width*v.height + (v.height-1-j)*v.width + i
		}, nil

	default:
		return 0, 0, nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// ExtractSlice extracts a grey-scale slice along the specified axis.
// The vertical axis points up, so row 0 of the image is the last row of the frame.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	w, h, index, err := v.sliceGeometry(axis, position)
	if err != nil {
		return nil, err
	}

	img := image.NewGray16(image.Rect(0, 0, w, h))
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			t, _ := v.normalise(v.volumeData[index(i, j)])
			img.SetGray16(i, j, color.Gray16{Y: uint16(t * 65535)})
		}
	}
	return img, nil
}

// ExtractColorSlice extracts a slice mapped through the colour ramp.
// Undefined samples are drawn black.
func (v *Viewer) ExtractColorSlice(axis string, position int) (image.Image, error) {
	w, h, index, err := v.sliceGeometry(axis, position)
	if err != nil {
		return nil, err
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			t, ok := v.normalise(v.volumeData[index(i, j)])
			if !ok {
				img.Set(i, j, color.Black)
				continue
			}
			img.Set(i, j, rampLow.BlendHcl(rampHigh, t).Clamped())
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image, upscaled by the viewer's scale
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	if v.scale > 1 {
		b := img.Bounds()
		dst := image.NewNRGBA(image.Rect(0, 0, b.Dx()*v.scale, b.Dy()*v.scale))
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		img = dst
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveMidSlices saves the central slice along each axis as <prefix>_<axis>.png
func (v *Viewer) SaveMidSlices(outputDir, prefix string, colour bool) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	mids := map[string]int{"x": v.width / 2, "y": v.height / 2, "z": v.depth / 2}
	var saved []string
	for _, axis := range []string{"x", "y", "z"} {
		var img image.Image
		var err error
		if colour {
			img, err = v.ExtractColorSlice(axis, mids[axis])
		} else {
			img, err = v.ExtractSlice(axis, mids[axis])
		}
		if err != nil {
			return saved, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", prefix, axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return saved, err
		}
		saved = append(saved, filename)
	}
	return saved, nil
}
