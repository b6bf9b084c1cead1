package shared

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service collectors on a private registry so tests and
// multiple components in one process never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmitted      prometheus.Counter
	JobsCompleted      *prometheus.CounterVec
	JobsFailed         prometheus.Counter
	EncodeAttempts     prometheus.Counter
	SegmentsUploaded   prometheus.Counter
	TTSCache           *prometheus.CounterVec
	DownloadsGenerated prometheus.Counter
	TimeToFirstSegment prometheus.Histogram
}

// NewMetrics registers all collectors plus Go runtime collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guided_audio_jobs_submitted_total",
			Help: "Generation jobs accepted by the gateway.",
		}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guided_audio_jobs_completed_total",
			Help: "Generation jobs that reached completed, by delivery mode.",
		}, []string{"delivery"}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guided_audio_jobs_failed_total",
			Help: "Generation jobs that reached failed.",
		}),
		EncodeAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guided_audio_encode_attempts_total",
			Help: "Encoder invocations for generation, including retries.",
		}),
		SegmentsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guided_audio_segments_uploaded_total",
			Help: "Segments uploaded to object storage.",
		}),
		TTSCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guided_audio_tts_cache_total",
			Help: "Voice track cache lookups by result.",
		}, []string{"result"}),
		DownloadsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guided_audio_downloads_generated_total",
			Help: "Concatenated download artifacts produced.",
		}),
		TimeToFirstSegment: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "guided_audio_time_to_first_segment_seconds",
			Help:    "Time from processing start to the first published segment.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}),
	}
	m.registry.MustRegister(
		m.JobsSubmitted,
		m.JobsCompleted,
		m.JobsFailed,
		m.EncodeAttempts,
		m.SegmentsUploaded,
		m.TTSCache,
		m.DownloadsGenerated,
		m.TimeToFirstSegment,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
