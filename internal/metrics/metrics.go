// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "canvas_relay"

var (
	// Registry holds the relay collectors.
	Registry = prometheus.NewRegistry()

	roomsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "active",
			Help:      "Rooms currently held by the lifecycle manager.",
		},
	)

	participantsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "participants",
			Name:      "connected",
			Help:      "Participant sessions in the active state.",
		},
	)

	framesRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "relayed_total",
			Help:      "Client frames fanned out, by event type.",
		},
		[]string{"type"},
	)

	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "dropped_total",
			Help:      "Client frames dropped before fan-out, by reason.",
		},
		[]string{"reason"},
	)

	sendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "send_failures_total",
			Help:      "Recipients dropped because a send to them failed.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests, including the lifetime of upgraded connections.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		roomsActive,
		participantsConnected,
		framesRelayed,
		framesDropped,
		sendFailures,
		httpRequests,
		httpDuration,
	)
}

// Handler exposes Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RoomOpened() { roomsActive.Inc() }
func RoomClosed() { roomsActive.Dec() }

func ParticipantJoined() { participantsConnected.Inc() }
func ParticipantLeft()   { participantsConnected.Dec() }

func FrameRelayed(eventType string) { framesRelayed.WithLabelValues(eventType).Inc() }
func FrameDropped(reason string)    { framesDropped.WithLabelValues(reason).Inc() }

func SendFailures(n int) {
	if n > 0 {
		sendFailures.Add(float64(n))
	}
}

// RecordHTTPRequest records one finished request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
