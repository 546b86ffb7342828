package denoise

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects per-run counters in a private registry so they can be
// written to a node_exporter textfile once the batch job finishes.
type Metrics struct {
	registry *prometheus.Registry

	voxels    prometheus.Counter
	masked    prometheus.Counter
	undefined prometheus.Counter
	rank      prometheus.Histogram
	duration  prometheus.Gauge
	sigma     prometheus.Gauge
}

// NewMetrics registers the denoising metrics; maxRank bounds the rank histogram
func NewMetrics(maxRank int) *Metrics {
	if maxRank < 1 {
		maxRank = 1
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		voxels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dwidenoise",
			Name:      "voxels_processed_total",
			Help:      "Voxels decomposed by MP-PCA.",
		}),
		masked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dwidenoise",
			Name:      "voxels_masked_total",
			Help:      "Voxels outside the mask, passed through unchanged.",
		}),
		undefined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dwidenoise",
			Name:      "voxels_undefined_sigma_total",
			Help:      "Voxels where no noise threshold was found.",
		}),
		rank: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dwidenoise",
			Name:      "signal_components",
			Help:      "Number of retained signal components per voxel.",
			Buckets:   prometheus.LinearBuckets(0, 1, maxRank+1),
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dwidenoise",
			Name:      "run_duration_seconds",
			Help:      "Wall time of the denoising loop.",
		}),
		sigma: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dwidenoise",
			Name:      "noise_sigma_median",
			Help:      "Approximate median of the estimated noise level.",
		}),
	}
	m.registry.MustRegister(m.voxels, m.masked, m.undefined, m.rank, m.duration, m.sigma)
	return m
}

// Registry exposes the underlying registry, e.g. for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observe(rank int, undefined bool) {
	if m == nil {
		return
	}
	m.voxels.Inc()
	m.rank.Observe(float64(rank))
	if undefined {
		m.undefined.Inc()
	}
}

func (m *Metrics) observeMasked(n int) {
	if m == nil || n == 0 {
		return
	}
	m.masked.Add(float64(n))
}

func (m *Metrics) setSummary(s Summary) {
	if m == nil {
		return
	}
	m.duration.Set(s.Elapsed.Seconds())
	m.sigma.Set(s.MedianSigma)
}

// WriteTextfile stores the metrics in the Prometheus text format
func (m *Metrics) WriteTextfile(path string) error {
	return errors.Wrapf(prometheus.WriteToTextfile(path, m.registry), "writing metrics to %s", path)
}
