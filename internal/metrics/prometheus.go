package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"endpoint", "status", "method"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

var DeviceCommandsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "device_commands_total",
		Help: "Total number of device control commands executed",
	},
	[]string{"platform", "action", "result"},
)

var RenderRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "render_requests_total",
		Help: "Total number of requests sent to the screenshot rendering API",
	},
	[]string{"platform", "result"},
)

var RenderRetriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "render_retries_total",
		Help: "Total number of rendering API retries after a server error",
	},
	[]string{"platform"},
)

var RenderRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "render_request_duration_seconds",
		Help:    "Duration of rendering API calls in seconds",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	},
	[]string{"platform"},
)

var ActiveJobs = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "screenshot_jobs_active",
		Help: "Number of template generation requests currently in flight",
	},
)

var TemplateOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "screenshot_template_outcomes_total",
		Help: "Final state of each processed template",
	},
	[]string{"platform", "state"},
)

var BucketUploadsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bucket_upload_groups_total",
		Help: "Image groups pushed to the object store",
	},
	[]string{"result"},
)

var ArchiveFilesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "archive_files_extracted_total",
		Help: "Image files extracted and renamed from generated archives",
	},
)

var registerOnce sync.Once

// Init registers every collector with the default registry.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(DeviceCommandsTotal)
		prometheus.MustRegister(RenderRequestsTotal)
		prometheus.MustRegister(RenderRetriesTotal)
		prometheus.MustRegister(RenderRequestDuration)
		prometheus.MustRegister(ActiveJobs)
		prometheus.MustRegister(TemplateOutcomesTotal)
		prometheus.MustRegister(BucketUploadsTotal)
		prometheus.MustRegister(ArchiveFilesTotal)
	})
}
