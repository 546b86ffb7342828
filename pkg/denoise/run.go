package denoise

import (
	"context"
	"math"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"dwidenoise/internal/models"
	"dwidenoise/pkg/mppca"
)

// ErrShapeMismatch is returned when the images of a job do not share a grid
var ErrShapeMismatch = errors.New("image dimensions do not match")

// Job describes one parallel denoising pass over a volume
type Job struct {
	Source *models.Volume
	Output *models.Volume

	// Noise and Rank are optional 3D maps
	Noise *models.Volume
	Rank  *models.Volume

	// Mask restricts processing when set
	Mask *models.Mask

	Window  mppca.Window
	Threads int

	Progress *Progress
	Metrics  *Metrics
}

// Stats counts what happened to the voxels of a job
type Stats struct {
	Voxels    int
	Masked    int
	Undefined int
	RankSum   int
}

func (s *Stats) merge(o Stats) {
	s.Voxels += o.Voxels
	s.Masked += o.Masked
	s.Undefined += o.Undefined
	s.RankSum += o.RankSum
}

// MeanRank is the average number of retained components over decomposed voxels
func (s Stats) MeanRank() float64 {
	if s.Voxels == 0 {
		return 0
	}
	return float64(s.RankSum) / float64(s.Voxels)
}

func (j *Job) validate() error {
	if j.Source == nil || j.Output == nil {
		return errors.New("source and output images are required")
	}
	if j.Threads < 1 {
		return errors.Errorf("thread count must be positive, got %d", j.Threads)
	}
	if err := mppca.ValidateWindowSize(j.Window.Size); err != nil {
		return err
	}
	if len(j.Source.Data) != j.Source.Nx*j.Source.Ny*j.Source.Nz*j.Source.Nv || j.Source.Nv < 1 {
		return errors.Errorf("source holds %d samples for dims %dx%dx%dx%d",
			len(j.Source.Data), j.Source.Nx, j.Source.Ny, j.Source.Nz, j.Source.Nv)
	}
	if !j.Output.SameGrid(j.Source) || j.Output.Nv != j.Source.Nv {
		return errors.Wrap(ErrShapeMismatch, "output")
	}
	for name, v := range map[string]*models.Volume{"noise map": j.Noise, "rank map": j.Rank} {
		if v != nil && (!v.SameGrid(j.Source) || v.Nv != 1) {
			return errors.Wrap(ErrShapeMismatch, name)
		}
	}
	if j.Mask != nil && (j.Mask.Nx != j.Source.Nx || j.Mask.Ny != j.Source.Ny || j.Mask.Nz != j.Source.Nz) {
		return errors.Wrap(ErrShapeMismatch, "mask")
	}
	return nil
}

// Run denoises every voxel of the job's source.
//
// The grid is split into lines along x, one (y,z) pair per unit of work. Each
// worker owns a Decomposer for the whole run and writes only the voxels of the
// line it is processing, so outputs are written without locking.
func Run(ctx context.Context, job Job) (Stats, error) {
	if err := job.validate(); err != nil {
		return Stats{}, err
	}

	src := job.Source
	lines := src.Ny * src.Nz
	threads := job.Threads
	if threads > lines {
		threads = lines
	}

	g, ctx := errgroup.WithContext(ctx)
	work := make(chan int)

	g.Go(func() error {
		defer close(work)
		for l := 0; l < lines; l++ {
			select {
			case work <- l:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	var (
		mu    sync.Mutex
		total Stats
	)
	for i := 0; i < threads; i++ {
		g.Go(func() error {
			dec, err := mppca.NewDecomposer(src.Nv, job.Window)
			if err != nil {
				return err
			}
			var local Stats
			for l := range work {
				if err := ctx.Err(); err != nil {
					return err
				}
				processLine(dec, &job, l%src.Ny, l/src.Ny, &local)
				job.Progress.Add(1)
			}
			mu.Lock()
			total.merge(local)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Stats{}, errors.Wrap(err, "denoising interrupted")
	}
	job.Progress.Done()
	job.Metrics.observeMasked(total.Masked)
	return total, nil
}

func processLine(dec *mppca.Decomposer, job *Job, y, z int, st *Stats) {
	src := job.Source
	var noise mppca.Destination
	if job.Noise != nil {
		noise = job.Noise
	}

	for x := 0; x < src.Nx; x++ {
		if job.Mask != nil && !job.Mask.Contains(x, y, z) {
			passThrough(job, x, y, z)
			st.Masked++
			continue
		}

		res := dec.Process(src, x, y, z, job.Output, noise)
		undefined := math.IsNaN(res.Sigma)

		st.Voxels++
		st.RankSum += res.Rank
		if undefined {
			st.Undefined++
		}
		if job.Rank != nil {
			job.Rank.Set(x, y, z, 0, float64(res.Rank))
		}
		job.Metrics.observe(res.Rank, undefined)
	}
}

// passThrough copies the input vector of a voxel outside the mask
func passThrough(job *Job, x, y, z int) {
	for v := 0; v < job.Source.Nv; v++ {
		job.Output.Set(x, y, z, v, job.Source.At(x, y, z, v))
	}
	if job.Noise != nil {
		job.Noise.Set(x, y, z, 0, 0)
	}
	if job.Rank != nil {
		job.Rank.Set(x, y, z, 0, 0)
	}
}
