package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	registerOnce sync.Once

	wireBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quikwire",
			Subsystem: "wire",
			Name:      "bytes_total",
			Help:      "Raw bytes moved over the bridge socket.",
		},
		[]string{"direction"},
	)
	wireEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quikwire",
			Subsystem: "wire",
			Name:      "envelopes_total",
			Help:      "Envelopes sent or dispatched, by type.",
		},
		[]string{"direction", "type"},
	)
	wireDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quikwire",
			Subsystem: "wire",
			Name:      "discarded_bytes_total",
			Help:      "Bytes dropped while resynchronizing the frame extractor.",
		},
	)
	wireParseErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "quikwire",
			Subsystem: "wire",
			Name:      "parse_errors_total",
			Help:      "Balanced frames that did not parse as a JSON object.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(wireBytes, wireEnvelopes, wireDiscarded, wireParseErrors)
	})
}

// Handler exposes the registered wire counters in the Prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordBytes(direction string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	wireBytes.WithLabelValues(direction).Add(float64(n))
}

func RecordEnvelope(direction, typ string) {
	RegisterMetrics()
	wireEnvelopes.WithLabelValues(direction, typ).Inc()
}

func RecordDiscard(n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	wireDiscarded.Add(float64(n))
}

func RecordParseError() {
	RegisterMetrics()
	wireParseErrors.Inc()
}
