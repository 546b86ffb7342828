package denoise

import (
	"math"
	"sort"
	"time"

	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"dwidenoise/internal/models"
)

// medianSamples bounds the number of noise values drawn for the median
const medianSamples = 20000

// Summary holds the quality figures reported after a run
type Summary struct {
	Stats

	// MedianSigma is the approximate median of the finite noise estimates
	// inside the mask
	MedianSigma float64

	// ResidualRMS is the root mean square of input minus output inside the
	// mask, per volume
	ResidualRMS []float64

	// MeanResidualRMS averages ResidualRMS over volumes
	MeanResidualRMS float64

	// MaxResidualRMS is the largest per-volume residual
	MaxResidualRMS float64

	Elapsed time.Duration
}

// Summarize computes the run summary from the images of a finished job.
// Voxels outside mask were passed through and are left out; a nil mask selects all.
func Summarize(st Stats, in, out, noise *models.Volume, mask *models.Mask, elapsed time.Duration) Summary {
	s := Summary{
		Stats:       st,
		MedianSigma: math.NaN(),
		Elapsed:     elapsed,
	}
	if noise != nil {
		s.MedianSigma = approxMedian(insideMask(noise.Data, mask), medianSamples)
	}

	s.ResidualRMS = residualRMS(in, out, mask)
	if len(s.ResidualRMS) > 0 {
		s.MeanResidualRMS = stat.Mean(s.ResidualRMS, nil)
		s.MaxResidualRMS = floats.Max(s.ResidualRMS)
	}
	return s
}

func residualRMS(in, out *models.Volume, mask *models.Mask) []float64 {
	n := in.Nx * in.Ny * in.Nz
	count := n
	if mask != nil {
		count = mask.Count()
	}
	if count == 0 {
		return nil
	}
	rms := make([]float64, in.Nv)
	for v := range rms {
		a := in.Data[v*n : (v+1)*n]
		b := out.Data[v*n : (v+1)*n]
		sum := 0.0
		for i := range a {
			if mask != nil && !mask.Inside[i] {
				continue
			}
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		rms[v] = math.Sqrt(sum / float64(count))
	}
	return rms
}

// insideMask returns the samples of a 3D map selected by mask
func insideMask(data []float32, mask *models.Mask) []float32 {
	if mask == nil {
		return data
	}
	vals := make([]float32, 0, mask.Count())
	for i, in := range mask.Inside {
		if in {
			vals = append(vals, data[i])
		}
	}
	return vals
}

// approxMedian returns the median of the finite values of data.
// Large inputs are subsampled at random positions, mirroring how the
// noise level of a full image is summarised without sorting all of it.
func approxMedian(data []float32, samples int) float64 {
	values := make([]float64, 0, samples)
	if len(data) <= samples {
		for _, d := range data {
			if isFinite(d) {
				values = append(values, float64(d))
			}
		}
	} else {
		var rng fastrand.RNG
		n := uint32(len(data))
		for attempts := 0; len(values) < samples && attempts < 4*samples; attempts++ {
			d := data[rng.Uint32n(n)]
			if isFinite(d) {
				values = append(values, float64(d))
			}
		}
	}
	if len(values) == 0 {
		return math.NaN()
	}
	sort.Float64s(values)
	return stat.Quantile(0.5, stat.Empirical, values, nil)
}

func isFinite(f float32) bool {
	return !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0)
}
