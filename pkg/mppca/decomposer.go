package mppca

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/lapack"
	"gonum.org/v1/gonum/lapack/lapack64"
	"gonum.org/v1/gonum/mat"
)

// zeroTail is the fraction of the total eigenvalue mass below which the
// remaining components are treated as exactly zero.
const zeroTail = 1e-12

// Result summarises the decomposition of one voxel
type Result struct {
	// Rank is the number of retained signal components p, 0 <= p <= r
	Rank int

	// Sigma is the estimated noise standard deviation, NaN if Rank == r
	Sigma float64
}

// Decomposer holds the scratch state for denoising one voxel at a time.
//
// All buffers, the LAPACK workspace included, are sized at construction and
// overwritten on every call to Process, so the per-voxel path does not allocate.
// A Decomposer must not be shared between goroutines; create one per worker.
type Decomposer struct {
	window  Window
	m, n, r int

	x    *mat.Dense // m×n window matrix
	xm   []float64  // per-volume mean over the window
	a    *mat.Dense // copy of the centred x, destroyed by the SVD
	u    *mat.Dense // m×r
	vt   *mat.Dense // r×n
	us   *mat.Dense // U·diag(s), m×r
	work []float64

	s    []float64
	lam  []float64
	clam []float64
}

// NewDecomposer allocates the scratch state for m volumes and the given window
func NewDecomposer(m int, w Window) (*Decomposer, error) {
	if m < 1 {
		return nil, errors.Errorf("number of volumes must be positive, got %d", m)
	}
	if w.N < 1 {
		return nil, errors.Wrap(ErrInvalidWindowSize, "empty window")
	}
	r := m
	if w.N < r {
		r = w.N
	}
	d := &Decomposer{
		window: w,
		m:      m,
		n:      w.N,
		r:      r,
		x:      mat.NewDense(m, w.N, nil),
		xm:     make([]float64, m),
		a:      mat.NewDense(m, w.N, nil),
		u:      mat.NewDense(m, r, nil),
		vt:     mat.NewDense(r, w.N, nil),
		us:     mat.NewDense(m, r, nil),
		s:      make([]float64, r),
		lam:    make([]float64, r),
		clam:   make([]float64, r),
	}

	// workspace query
	query := []float64{0}
	lapack64.Gesvd(lapack.SVDStore, lapack.SVDStore, d.a.RawMatrix(), d.u.RawMatrix(), d.vt.RawMatrix(), d.s, query, -1)
	d.work = make([]float64, int(query[0]))
	return d, nil
}

// Dims returns the number of volumes m, window columns n and rank cap r
func (d *Decomposer) Dims() (m, n, r int) {
	return d.m, d.n, d.r
}

// Process denoises the voxel at (x,y,z) of src and writes its full volume vector
// to out. If noise is non-nil the noise level is written there at volume index 0.
func (d *Decomposer) Process(src Source, x, y, z int, out, noise Destination) Result {
	d.window.Extract(src, x, y, z, d.x)
	res := d.denoise()

	c := d.window.Center()
	raw := d.x.RawMatrix()
	for vol := 0; vol < d.m; vol++ {
		out.Set(x, y, z, vol, raw.Data[vol*raw.Stride+c])
	}
	if noise != nil {
		noise.Set(x, y, z, 0, res.Sigma)
	}
	return res
}

// denoise replaces the contents of d.x with its low-rank reconstruction
func (d *Decomposer) denoise() Result {
	d.centre()

	copy(d.a.RawMatrix().Data, d.x.RawMatrix().Data)
	ok := lapack64.Gesvd(lapack.SVDStore, lapack.SVDStore,
		d.a.RawMatrix(), d.u.RawMatrix(), d.vt.RawMatrix(), d.s, d.work, len(d.work))
	if !ok {
		// d.x still holds the centred input
		d.uncentre()
		return Result{Rank: d.r, Sigma: math.NaN()}
	}

	for i, sv := range d.s {
		d.lam[i] = sv * sv / float64(d.n)
	}
	cs := 0.0
	for i := d.r - 1; i >= 0; i-- {
		cs += d.lam[i]
		d.clam[i] = cs
	}

	p, sigma := Threshold(d.lam, d.clam, d.m, d.n)
	for i := p; i < d.r; i++ {
		d.s[i] = 0
	}

	d.reconstruct(p)
	d.uncentre()
	return Result{Rank: p, Sigma: sigma}
}

// centre subtracts the per-volume mean from every column
func (d *Decomposer) centre() {
	for i := 0; i < d.m; i++ {
		row := d.x.RawRowView(i)
		d.xm[i] = floats.Sum(row) / float64(d.n)
		floats.AddConst(-d.xm[i], row)
	}
}

func (d *Decomposer) uncentre() {
	for i := 0; i < d.m; i++ {
		floats.AddConst(d.xm[i], d.x.RawRowView(i))
	}
}

// reconstruct sets d.x = U·diag(s)·Vᵀ using the first p singular values
func (d *Decomposer) reconstruct(p int) {
	if p == 0 {
		d.x.Zero()
		return
	}
	for i := 0; i < d.m; i++ {
		urow := d.u.RawRowView(i)
		row := d.us.RawRowView(i)
		for j := range row {
			row[j] = urow[j] * d.s[j]
		}
	}
	d.x.Mul(d.us, d.vt)
}

// Threshold finds the boundary p between signal and noise components.
//
// lam holds the eigenvalues in descending order and clam[i] the sum of lam[i:].
// m is the number of volumes and n the number of window columns. The search
// stops at the first p where the spread-based variance estimate drops below the
// mean-based one, and returns the latter's square root as the noise level.
// If the remaining eigenvalue mass is numerically zero the noise level is 0.
// If no boundary is found p == len(lam) and the noise level is NaN.
func Threshold(lam, clam []float64, m, n int) (p int, sigma float64) {
	r := len(lam)
	if r == 0 {
		return 0, math.NaN()
	}
	floor := clam[0] * zeroTail
	for p = 0; p < r; p++ {
		if clam[p] <= floor {
			return p, 0
		}
		gam := float64(m-p) / float64(n)
		sigsq1 := clam[p] / float64(r-p) / math.Max(gam, 1)
		sigsq2 := (lam[p] - lam[r-1]) / 4 / math.Sqrt(gam)
		// signal components have sigsq2 > sigsq1
		if sigsq2 < sigsq1 {
			return p, math.Sqrt(sigsq1)
		}
	}
	return r, math.NaN()
}
