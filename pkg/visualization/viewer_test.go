package visualization

import (
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// gradientFrame fills a frame whose value grows with z
func gradientFrame(width, height, depth int) []float32 {
	data := make([]float32, width*height*depth)
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				data[z*width*height+y*width+x] = float32(z)
			}
		}
	}
	return data
}

// TestNewViewer verifies that a new viewer records dimensions and value range
func TestNewViewer(t *testing.T) {
	width, height, depth := 10, 8, 5
	data := gradientFrame(width, height, depth)
	data[3] = float32(math.NaN())

	viewer := NewViewer(data, width, height, depth)

	if viewer.width != width || viewer.height != height || viewer.depth != depth {
		t.Errorf("Expected dims %dx%dx%d, got %dx%dx%d",
			width, height, depth, viewer.width, viewer.height, viewer.depth)
	}

	lo, hi := viewer.Range()
	if lo != 0 || hi != float64(depth-1) {
		t.Errorf("Expected range [0,%d], got [%f,%f]", depth-1, lo, hi)
	}

	if viewer.scale != 1 {
		t.Errorf("Expected default scale 1, got %d", viewer.scale)
	}
	viewer.SetScale(0)
	if viewer.scale != 1 {
		t.Errorf("Expected scale clamped to 1, got %d", viewer.scale)
	}
}

// TestExtractSlice verifies that slices are correctly extracted from the frame
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	viewer := NewViewer(gradientFrame(width, height, depth), width, height, depth)

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}

		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d",
				width, height, bounds.Dx(), bounds.Dy())
		}

		gray16Img, ok := img.(*image.Gray16)
		if !ok {
			t.Fatalf("Expected *image.Gray16, got %T", img)
		}
		expected := uint16(float64(z) / float64(depth-1) * 65535)
		got := gray16Img.Gray16At(width/2, height/2).Y
		if math.Abs(float64(got)-float64(expected)) > 1 {
			t.Errorf("Expected Z slice value ~%d, got %d", expected, got)
		}
	}

	imgX, err := viewer.ExtractSlice("x", width/2)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != height || b.Dy() != depth {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", height, depth, b.Dx(), b.Dy())
	}

	// z increases upwards: the top row holds the last slice
	top := imgX.(*image.Gray16).Gray16At(0, 0).Y
	if top != 65535 {
		t.Errorf("Expected top row of X slice to be white, got %d", top)
	}

	imgY, err := viewer.ExtractSlice("y", height/2)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != width || b.Dy() != depth {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", width, depth, b.Dx(), b.Dy())
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", depth+1); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
	if _, err := viewer.ExtractSlice("z", -1); err == nil {
		t.Error("Expected error for negative position, got nil")
	}
}

// TestExtractColorSlice verifies NaN handling and the ramp end points
func TestExtractColorSlice(t *testing.T) {
	width, height, depth := 4, 4, 3
	data := gradientFrame(width, height, depth)
	data[0] = float32(math.NaN())
	viewer := NewViewer(data, width, height, depth)

	img, err := viewer.ExtractColorSlice("z", 0)
	if err != nil {
		t.Fatalf("Failed to extract colour slice: %v", err)
	}

	// voxel (0,0,0) lands on the bottom-left pixel
	r, g, b, _ := img.At(0, height-1).RGBA()
	if r != 0 || g != 0 || b != 0 {
		t.Errorf("Expected NaN voxel to be black, got (%d,%d,%d)", r, g, b)
	}

	low, _ := viewer.ExtractColorSlice("z", 0)
	high, _ := viewer.ExtractColorSlice("z", depth-1)
	lr, lg, _, _ := low.At(1, 1).RGBA()
	hr, hg, _, _ := high.At(1, 1).RGBA()
	if hr+hg <= lr+lg {
		t.Errorf("Expected high values to be brighter than low values")
	}
}

// TestExtractSliceConstantFrame verifies that a flat frame does not divide by zero
func TestExtractSliceConstantFrame(t *testing.T) {
	data := make([]float32, 27)
	for i := range data {
		data[i] = 7
	}
	viewer := NewViewer(data, 3, 3, 3)

	img, err := viewer.ExtractSlice("y", 1)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}
	if v := img.(*image.Gray16).Gray16At(1, 1).Y; v != 0 {
		t.Errorf("Expected flat frame to render black, got %d", v)
	}
}

// TestSaveSlice verifies that slices are saved and upscaled
func TestSaveSlice(t *testing.T) {
	tempDir := t.TempDir()

	width, height, depth := 6, 5, 4
	viewer := NewViewer(gradientFrame(width, height, depth), width, height, depth)
	viewer.SetScale(3)

	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}

	filename := filepath.Join(tempDir, "test_slice.png")
	if err := viewer.SaveSlice(img, filename); err != nil {
		t.Fatalf("Failed to save slice: %v", err)
	}

	file, err := os.Open(filename)
	if err != nil {
		t.Fatalf("Saved file does not exist: %v", err)
	}
	defer file.Close()

	decoded, err := png.Decode(file)
	if err != nil {
		t.Fatalf("Failed to decode saved slice: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != width*3 || b.Dy() != height*3 {
		t.Errorf("Expected upscaled size %dx%d, got %dx%d", width*3, height*3, b.Dx(), b.Dy())
	}
}

// TestSaveMidSlices verifies that one file per axis is written
func TestSaveMidSlices(t *testing.T) {
	tempDir := t.TempDir()

	viewer := NewViewer(gradientFrame(5, 5, 3), 5, 5, 3)
	outputDir := filepath.Join(tempDir, "preview")

	saved, err := viewer.SaveMidSlices(outputDir, "noise", true)
	if err != nil {
		t.Fatalf("Failed to save mid slices: %v", err)
	}
	if len(saved) != 3 {
		t.Fatalf("Expected 3 files, got %d", len(saved))
	}
	for _, axis := range []string{"x", "y", "z"} {
		filename := filepath.Join(outputDir, "noise_"+axis+".png")
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}
}
