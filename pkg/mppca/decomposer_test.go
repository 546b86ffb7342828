package mppca

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"dwidenoise/internal/models"
)

func newDecomposer(t *testing.T, m, size int) *Decomposer {
	t.Helper()
	w, err := NewWindow(size)
	require.NoError(t, err)
	d, err := NewDecomposer(m, w)
	require.NoError(t, err)
	return d
}

func constantVolume(nx, ny, nz, nv int, val float32) *models.Volume {
	vol := models.NewVolume(nx, ny, nz, nv)
	for i := range vol.Data {
		vol.Data[i] = val
	}
	return vol
}

func noiseVolume(nx, ny, nz, nv int, sigma float64, seed uint64) *models.Volume {
	vol := models.NewVolume(nx, ny, nz, nv)
	dist := distuv.Normal{Mu: 0, Sigma: sigma, Src: rand.NewSource(seed)}
	for i := range vol.Data {
		vol.Data[i] = float32(dist.Rand())
	}
	return vol
}

func TestNewDecomposerDims(t *testing.T) {
	d := newDecomposer(t, 30, 3)
	m, n, r := d.Dims()
	assert.Equal(t, 30, m)
	assert.Equal(t, 27, n)
	assert.Equal(t, 27, r)

	d = newDecomposer(t, 12, 5)
	m, n, r = d.Dims()
	assert.Equal(t, 12, m)
	assert.Equal(t, 125, n)
	assert.Equal(t, 12, r)

	w, err := NewWindow(3)
	require.NoError(t, err)
	_, err = NewDecomposer(0, w)
	assert.Error(t, err)
	_, err = NewDecomposer(4, Window{})
	assert.Error(t, err)
}

func TestProcessAllZero(t *testing.T) {
	src := models.NewVolume(5, 5, 5, 8)
	out := src.Like(8)
	noise := src.Like(1)
	d := newDecomposer(t, 8, 3)

	res := d.Process(src, 2, 2, 2, out, noise)

	assert.Equal(t, 0, res.Rank)
	assert.Equal(t, 0.0, res.Sigma)
	for v := 0; v < 8; v++ {
		assert.Equal(t, 0.0, out.At(2, 2, 2, v))
	}
	assert.Equal(t, 0.0, noise.At(2, 2, 2, 0))
}

// 30 volumes of 10x10x10, window 3, all samples 100
func TestProcessConstantVolume(t *testing.T) {
	src := constantVolume(10, 10, 10, 30, 100)
	out := src.Like(30)
	noise := src.Like(1)
	d := newDecomposer(t, 30, 3)

	res := d.Process(src, 5, 5, 5, out, noise)
	assert.Equal(t, 0, res.Rank)
	assert.Equal(t, 0.0, res.Sigma)
	for v := 0; v < 30; v++ {
		assert.Equal(t, 100.0, out.At(5, 5, 5, v))
	}
	assert.Equal(t, 0.0, noise.At(5, 5, 5, 0))

	// a corner window is zero padded and rank one after centring
	res = d.Process(src, 0, 0, 0, out, noise)
	assert.Equal(t, 1, res.Rank)
	assert.Equal(t, 0.0, res.Sigma)
	for v := 0; v < 30; v++ {
		assert.InDelta(t, 100.0, out.At(0, 0, 0, v), 1e-6)
	}
}

func TestProcessWithoutNoiseMap(t *testing.T) {
	src := noiseVolume(5, 5, 5, 6, 1, 3)
	out := src.Like(6)
	d := newDecomposer(t, 6, 5)

	res := d.Process(src, 2, 2, 2, out, nil)
	assert.False(t, math.IsNaN(res.Sigma))
	assert.Greater(t, res.Sigma, 0.0)
}

// Pure white noise: the estimate approaches the true sigma as the window grows.
func TestProcessPureNoiseSigma(t *testing.T) {
	const (
		sigma = 2.0
		m     = 20
	)
	tests := []struct {
		size int
		tol  float64
	}{
		{size: 5, tol: 0.15},
		{size: 7, tol: 0.10},
		{size: 9, tol: 0.10},
	}
	for _, tt := range tests {
		src := noiseVolume(tt.size, tt.size, tt.size, m, sigma, uint64(tt.size))
		out := src.Like(m)
		d := newDecomposer(t, m, tt.size)

		c := tt.size / 2
		res := d.Process(src, c, c, c, out, nil)

		require.False(t, math.IsNaN(res.Sigma), "size %d", tt.size)
		rel := math.Abs(res.Sigma-sigma) / sigma
		assert.Less(t, rel, tt.tol, "size %d: sigma %.4f rank %d", tt.size, res.Sigma, res.Rank)
		assert.LessOrEqual(t, res.Rank, 3, "size %d", tt.size)
	}
}

// A rank-one signal plus Gaussian noise keeps one component and beats the noisy input.
func TestProcessRankOneSignal(t *testing.T) {
	const (
		size   = 7
		m      = 30
		trials = 20
	)
	c := size / 2
	rankOne := 0

	for trial := 0; trial < trials; trial++ {
		clean := models.NewVolume(size, size, size, m)
		for v := 0; v < m; v++ {
			a := 50 + 2*float64(v)
			for z := 0; z < size; z++ {
				for y := 0; y < size; y++ {
					for x := 0; x < size; x++ {
						b := 1 + float64(x+2*y+3*z)/10
						clean.Set(x, y, z, v, a*b)
					}
				}
			}
		}
		noisy := noiseVolume(size, size, size, m, 1, uint64(100+trial))
		for i := range noisy.Data {
			noisy.Data[i] += clean.Data[i]
		}

		out := noisy.Like(m)
		d := newDecomposer(t, m, size)
		res := d.Process(noisy, c, c, c, out, nil)
		if res.Rank == 1 {
			rankOne++
		}
		assert.GreaterOrEqual(t, res.Rank, 1)

		var errDenoised, errNoisy float64
		for v := 0; v < m; v++ {
			truth := clean.At(c, c, c, v)
			errDenoised += math.Pow(out.At(c, c, c, v)-truth, 2)
			errNoisy += math.Pow(noisy.At(c, c, c, v)-truth, 2)
		}
		assert.Less(t, errDenoised, errNoisy, "trial %d", trial)
	}
	assert.GreaterOrEqual(t, rankOne, trials/2)
}

func TestProcessBoundaryIsFinite(t *testing.T) {
	src := noiseVolume(6, 6, 6, 10, 1, 11)
	for i := range src.Data {
		src.Data[i] += 20
	}
	out := src.Like(10)
	noise := src.Like(1)
	d := newDecomposer(t, 10, 5)

	corners := [][3]int{{0, 0, 0}, {5, 5, 5}, {0, 5, 2}, {5, 0, 3}}
	for _, p := range corners {
		d.Process(src, p[0], p[1], p[2], out, noise)
		for v := 0; v < 10; v++ {
			val := out.At(p[0], p[1], p[2], v)
			assert.False(t, math.IsNaN(val) || math.IsInf(val, 0), "voxel %v volume %d", p, v)
		}
	}
}

func TestProcessIsDeterministic(t *testing.T) {
	src := noiseVolume(7, 7, 7, 16, 1.5, 42)
	first := src.Like(16)
	second := src.Like(16)
	third := src.Like(16)

	d := newDecomposer(t, 16, 5)
	r1 := d.Process(src, 3, 2, 4, first, nil)
	// a different voxel in between must not leak into the next result
	d.Process(src, 0, 0, 0, third, nil)
	r2 := d.Process(src, 3, 2, 4, second, nil)

	other := newDecomposer(t, 16, 5)
	r3 := other.Process(src, 3, 2, 4, third, nil)

	assert.Equal(t, r1.Rank, r2.Rank)
	assert.Equal(t, math.Float64bits(r1.Sigma), math.Float64bits(r2.Sigma))
	assert.Equal(t, math.Float64bits(r1.Sigma), math.Float64bits(r3.Sigma))
	for v := 0; v < 16; v++ {
		assert.Equal(t, first.At(3, 2, 4, v), second.At(3, 2, 4, v))
		assert.Equal(t, first.At(3, 2, 4, v), third.At(3, 2, 4, v))
	}
}

// The workspace-based factorisation must agree with gonum's mat.SVD
func TestProcessMatchesDenseSVD(t *testing.T) {
	const m, size = 12, 5
	src := noiseVolume(9, 9, 9, m, 1, 17)
	for v := 0; v < m; v++ {
		for z := 0; z < 9; z++ {
			for y := 0; y < 9; y++ {
				for x := 0; x < 9; x++ {
					src.Set(x, y, z, v, src.At(x, y, z, v)+float64((x+y+z)*(v+1)))
				}
			}
		}
	}

	w, err := NewWindow(size)
	require.NoError(t, err)
	X := mat.NewDense(m, w.N, nil)
	w.Extract(src, 4, 4, 4, X)
	xm := make([]float64, m)
	for i := range xm {
		row := X.RawRowView(i)
		xm[i] = floats.Sum(row) / float64(w.N)
		floats.AddConst(-xm[i], row)
	}

	var svd mat.SVD
	require.True(t, svd.Factorize(X, mat.SVDThin))
	s := svd.Values(nil)
	lam := make([]float64, len(s))
	clam := make([]float64, len(s))
	for i, sv := range s {
		lam[i] = sv * sv / float64(w.N)
	}
	cs := 0.0
	for i := len(lam) - 1; i >= 0; i-- {
		cs += lam[i]
		clam[i] = cs
	}
	p, sigma := Threshold(lam, clam, m, w.N)
	for i := p; i < len(s); i++ {
		s[i] = 0
	}
	var u, v, us, rec mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	us.Mul(&u, mat.NewDiagDense(len(s), s))
	rec.Mul(&us, v.T())

	out := src.Like(m)
	noise := src.Like(1)
	res := newDecomposer(t, m, size).Process(src, 4, 4, 4, out, noise)

	require.Equal(t, p, res.Rank)
	assert.Greater(t, res.Rank, 0)
	assert.InDelta(t, sigma, res.Sigma, 1e-9*math.Max(1, sigma))
	for vol := 0; vol < m; vol++ {
		want := rec.At(vol, w.Center()) + xm[vol]
		assert.InDelta(t, want, out.At(4, 4, 4, vol), 1e-3, "volume %d", vol)
	}
}

func TestProcessDoesNotAllocate(t *testing.T) {
	if raceEnabled {
		t.Skip("allocation counts are unreliable under the race detector")
	}
	src := noiseVolume(9, 9, 9, 20, 1, 3)
	out := src.Like(20)
	noise := src.Like(1)
	d := newDecomposer(t, 20, 5)

	allocs := testing.AllocsPerRun(10, func() {
		d.Process(src, 4, 4, 4, out, noise)
		d.Process(src, 0, 8, 1, out, noise)
	})
	assert.Zero(t, allocs)
}

func TestThreshold(t *testing.T) {
	cumulative := func(lam []float64) []float64 {
		clam := make([]float64, len(lam))
		cs := 0.0
		for i := len(lam) - 1; i >= 0; i-- {
			cs += lam[i]
			clam[i] = cs
		}
		return clam
	}

	t.Run("FlatSpectrumIsNoise", func(t *testing.T) {
		lam := []float64{1, 1, 1, 1}
		p, sigma := Threshold(lam, cumulative(lam), 4, 100)
		assert.Equal(t, 0, p)
		assert.InDelta(t, 1.0, sigma, 1e-12)
	})

	t.Run("DominantComponent", func(t *testing.T) {
		lam := []float64{1000, 1.2, 1.1, 1.0, 0.9, 0.8}
		p, sigma := Threshold(lam, cumulative(lam), 6, 200)
		assert.Equal(t, 1, p)
		assert.InDelta(t, 1.0, sigma, 1e-12)
	})

	t.Run("GammaClampedAtOne", func(t *testing.T) {
		// m > n gives gamma > 1 which divides the mean estimate
		lam := []float64{2, 2}
		p, sigma := Threshold(lam, cumulative(lam), 8, 2)
		assert.Equal(t, 0, p)
		assert.InDelta(t, math.Sqrt(2.0/4), sigma, 1e-12)
	})

	t.Run("ZeroSpectrum", func(t *testing.T) {
		lam := []float64{0, 0, 0}
		p, sigma := Threshold(lam, cumulative(lam), 3, 27)
		assert.Equal(t, 0, p)
		assert.Equal(t, 0.0, sigma)
	})

	t.Run("ExactLowRank", func(t *testing.T) {
		lam := []float64{50, 0, 0, 0}
		p, sigma := Threshold(lam, cumulative(lam), 4, 27)
		assert.Equal(t, 1, p)
		assert.Equal(t, 0.0, sigma)
	})

	t.Run("UndefinedSpectrum", func(t *testing.T) {
		lam := []float64{math.NaN(), math.NaN()}
		p, sigma := Threshold(lam, cumulative(lam), 2, 27)
		assert.Equal(t, 2, p)
		assert.True(t, math.IsNaN(sigma))
	})

	t.Run("Empty", func(t *testing.T) {
		p, sigma := Threshold(nil, nil, 0, 27)
		assert.Equal(t, 0, p)
		assert.True(t, math.IsNaN(sigma))
	})
}
