package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalImages atomic.Int64

var (
	ImagesEncodedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lens_images_encoded_total",
		Help: "The total number of images encoded",
	})

	ForwardDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "lens_forward_duration_seconds",
		Help: "Duration of full model forward passes",
	})

	LayerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lens_layer_duration_seconds",
		Help:    "Histogram of per-stage forward times",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lens_kernel_duration_seconds",
		Help:    "Histogram of CPU kernel execution times",
		Buckets: []float64{.00001, .0001, .001, .01, .1, 1},
	}, []string{"kernel"})

	PatchTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lens_patch_tokens",
		Help:    "Distribution of sequence lengths entering the encoder",
		Buckets: []float64{16, 64, 196, 256, 576, 1024},
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lens_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lens_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	ScratchMemory = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lens_scratch_memory_bytes",
		Help: "Bytes currently held by kernel scratch buffers",
	})

	ExportedVectors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lens_exported_vectors_total",
		Help: "Embedding vectors written to an export sink",
	}, []string{"sink"})
)

func RecordForward(images int, duration time.Duration) {
	ImagesEncodedTotal.Add(float64(images))
	totalImages.Add(int64(images))
	ForwardDuration.Observe(duration.Seconds())
}

// TotalImages is the process-lifetime image count, readable without
// scraping the registry.
func TotalImages() int64 {
	return totalImages.Load()
}

func RecordLayerDuration(stage string, duration time.Duration) {
	LayerDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordPatchTokens(tokens int) {
	PatchTokens.Observe(float64(tokens))
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordScratchMemory(bytes int64) {
	ScratchMemory.Set(float64(bytes))
}

func RecordExport(sink string, vectors int) {
	ExportedVectors.WithLabelValues(sink).Add(float64(vectors))
}
