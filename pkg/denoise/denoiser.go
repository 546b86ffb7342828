// Package denoise runs MP-PCA denoising over whole NIfTI images: it loads the
// input, dispatches the per-voxel decomposition to a pool of workers and writes
// the denoised image together with the optional noise and rank maps.
package denoise

import (
	"context"
	"io"
	"time"

	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"dwidenoise/internal/models"
	"dwidenoise/pkg/mppca"
	"dwidenoise/pkg/nifti"
	"dwidenoise/pkg/visualization"
)

// Params holds the denoising parameters.
// These parameters control the input/output and processing configuration.
type Params struct {
	// InputFile is the diffusion-weighted image, .nii or .nii.gz
	InputFile string

	// OutputFile receives the denoised image as float32
	OutputFile string

	// NoiseFile optionally receives the 3D noise level map
	NoiseFile string

	// RankFile optionally receives the 3D map of retained signal components
	RankFile string

	// MaskFile optionally restricts processing to its non-zero voxels
	MaskFile string

	// WindowSize is the odd side length of the sliding window
	WindowSize int

	// NumThreads is the number of worker goroutines, resolved by the caller
	NumThreads int

	// MemoryFraction is the share of physical memory above which a warning is logged
	MemoryFraction float64

	// PreviewDir receives PNG previews of the central slices when non-empty
	PreviewDir string

	// PreviewScale is the integer upscaling factor of the previews
	PreviewScale int

	// MetricsFile receives Prometheus text-format metrics when non-empty
	MetricsFile string

	// ProgressOutput receives the progress line; nil disables it
	ProgressOutput io.Writer
}

// Validate checks the parameters before any image is opened
func (p *Params) Validate() error {
	if err := mppca.ValidateWindowSize(p.WindowSize); err != nil {
		return err
	}
	if p.InputFile == "" || p.OutputFile == "" {
		return errors.New("input and output images are required")
	}
	if p.NumThreads < 1 {
		return errors.Errorf("thread count must be positive, got %d", p.NumThreads)
	}
	return nil
}

// Denoiser runs the complete pipeline for one image
type Denoiser struct {
	params *Params
	log    logrus.FieldLogger

	summary Summary
}

// NewDenoiser creates a denoiser for the given parameters
func NewDenoiser(params *Params, log logrus.FieldLogger) *Denoiser {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Denoiser{
		params: params,
		log:    log,
	}
}

// Summary returns the figures of the last successful run
func (d *Denoiser) Summary() Summary {
	return d.summary
}

// Process runs the pipeline: validate, load, denoise, write
func (d *Denoiser) Process(ctx context.Context) error {
	p := d.params
	if err := p.Validate(); err != nil {
		return errors.Wrap(err, "invalid parameters")
	}
	window, _ := mppca.NewWindow(p.WindowSize)

	in, header, err := nifti.Read(p.InputFile)
	if err != nil {
		return errors.Wrap(err, "loading input")
	}

	var mask *models.Mask
	if p.MaskFile != "" {
		mvol, _, err := nifti.Read(p.MaskFile)
		if err != nil {
			return errors.Wrap(err, "loading mask")
		}
		if !mvol.SameGrid(in) {
			return errors.Wrapf(ErrShapeMismatch, "mask %dx%dx%d, image %dx%dx%d",
				mvol.Nx, mvol.Ny, mvol.Nz, in.Nx, in.Ny, in.Nz)
		}
		mask = models.MaskFromVolume(mvol)
	}

	out := in.Like(in.Nv)
	var noise, rank *models.Volume
	if p.NoiseFile != "" || p.PreviewDir != "" {
		noise = in.Like(1)
	}
	if p.RankFile != "" {
		rank = in.Like(1)
	}
	d.checkMemory(in, noise, rank)

	m, n := in.Nv, window.N
	r := m
	if n < r {
		r = n
	}
	fields := logrus.Fields{
		"window":  window.Size,
		"volumes": m,
		"columns": n,
		"threads": p.NumThreads,
		"dims":    [3]int{in.Nx, in.Ny, in.Nz},
	}
	if mask != nil {
		fields["masked"] = mask.Count()
	}
	d.log.WithFields(fields).Info("running MP-PCA denoising")
	if m > n {
		d.log.WithFields(logrus.Fields{"volumes": m, "columns": n}).
			Warn("window has fewer voxels than volumes, consider a larger window")
	}

	var metrics *Metrics
	if p.MetricsFile != "" {
		metrics = NewMetrics(r)
	}

	start := time.Now()
	stats, err := Run(ctx, Job{
		Source:   in,
		Output:   out,
		Noise:    noise,
		Rank:     rank,
		Mask:     mask,
		Window:   window,
		Threads:  p.NumThreads,
		Progress: NewProgress(p.ProgressOutput, "running MP-PCA denoising", in.Ny*in.Nz),
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	d.summary = Summarize(stats, in, out, noise, mask, time.Since(start))

	if err := nifti.Write(p.OutputFile, out, header); err != nil {
		return errors.Wrap(err, "saving denoised image")
	}
	if p.NoiseFile != "" {
		if err := nifti.Write(p.NoiseFile, noise, header); err != nil {
			return errors.Wrap(err, "saving noise map")
		}
	}
	if p.RankFile != "" {
		if err := nifti.Write(p.RankFile, rank, header); err != nil {
			return errors.Wrap(err, "saving rank map")
		}
	}

	if p.PreviewDir != "" {
		if err := d.savePreviews(in, out, noise); err != nil {
			d.log.WithError(err).Warn("failed to save previews")
		}
	}
	if metrics != nil {
		metrics.setSummary(d.summary)
		if err := metrics.WriteTextfile(p.MetricsFile); err != nil {
			return err
		}
	}

	d.log.WithFields(logrus.Fields{
		"voxels":      d.summary.Voxels,
		"undefined":   d.summary.Undefined,
		"meanRank":    d.summary.MeanRank(),
		"medianSigma": d.summary.MedianSigma,
		"residualRMS": d.summary.MeanResidualRMS,
		"elapsed":     d.summary.Elapsed.Round(time.Millisecond),
	}).Info("denoising complete")
	return nil
}

// checkMemory warns when the images approach the physical memory of the machine
func (d *Denoiser) checkMemory(vols ...*models.Volume) {
	total := memory.TotalMemory()
	if total == 0 {
		return
	}
	var need uint64
	for _, v := range vols {
		if v != nil {
			need += uint64(len(v.Data)) * 4
		}
	}
	// the output has the same size as the input
	need += uint64(len(vols[0].Data)) * 4

	limit := uint64(float64(total) * d.params.MemoryFraction)
	fields := logrus.Fields{"needMiB": need >> 20, "totalMiB": total >> 20}
	if d.params.MemoryFraction > 0 && need > limit {
		d.log.WithFields(fields).Warn("images may not fit in memory")
		return
	}
	d.log.WithFields(fields).Debug("memory check")
}

func (d *Denoiser) savePreviews(in, out, noise *models.Volume) error {
	scale := d.params.PreviewScale
	frames := []struct {
		prefix string
		vol    *models.Volume
		colour bool
	}{
		{"input", in, false},
		{"denoised", out, false},
		{"noise", noise, true},
	}
	for _, f := range frames {
		if f.vol == nil {
			continue
		}
		data, err := f.vol.Frame(0)
		if err != nil {
			return err
		}
		viewer := visualization.NewViewer(data, f.vol.Nx, f.vol.Ny, f.vol.Nz)
		viewer.SetScale(scale)
		saved, err := viewer.SaveMidSlices(d.params.PreviewDir, f.prefix, f.colour)
		if err != nil {
			return errors.Wrapf(err, "saving %s preview", f.prefix)
		}
		d.log.WithFields(logrus.Fields{"preview": f.prefix, "files": saved}).Debug("saved preview")
	}
	return nil
}
