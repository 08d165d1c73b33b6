package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	statusOK           = "ok"
	statusError        = "error"
	statusDisconnected = "disconnected"
	statusRejected     = "rejected"
)

// Metrics instruments relayed chat requests.
type Metrics struct {
	requests          *prometheus.CounterVec
	active            prometheus.Gauge
	timeToFirstEvent  prometheus.Histogram
	duration          *prometheus.HistogramVec
	frames            prometheus.Counter
	clientDisconnects prometheus.Counter
}

// NewMetrics registers the relay collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "difyrelay_stream_requests_total",
			Help: "Chat requests handled by the relay, by response mode and outcome",
		}, []string{"mode", "status"}),

		active: f.NewGauge(prometheus.GaugeOpts{
			Name: "difyrelay_stream_active",
			Help: "Streams currently being relayed",
		}),

		timeToFirstEvent: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "difyrelay_stream_time_to_first_event_seconds",
			Help:    "Time from request to the first upstream event",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),

		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "difyrelay_stream_duration_seconds",
			Help:    "Total duration of relayed chat requests by outcome",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7m
		}, []string{"status"}),

		frames: f.NewCounter(prometheus.CounterOpts{
			Name: "difyrelay_stream_frames_total",
			Help: "Event frames forwarded to consumers",
		}),

		clientDisconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "difyrelay_stream_client_disconnects_total",
			Help: "Streams abandoned by the consumer before the terminal frame",
		}),
	}
}
