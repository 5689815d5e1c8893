// Package metrics instruments the data plane's hot paths with Prometheus
// counters, gauges, and histograms, registered once at init time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DBO
	DBONoWritableSlotTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtps_dbo_no_writable_slot_total",
		Help: "Writes rejected with ErrNoWritableSlot because their target DBO slot was being read",
	}, []string{"component"})

	// MBX
	MBXOverflowTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtps_mbx_overflow_total",
		Help: "Push calls rejected because the payload exceeded max_payload",
	}, []string{"pin"})

	MBXDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtps_mbx_dropped_total",
		Help: "Events silently overwritten before every client consumed them",
	}, []string{"pin"})

	MBXPendingDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rtps_mbx_pending_depth",
		Help: "Most recently observed pending count for a client of a pin",
	}, []string{"pin", "client"})

	// IRT
	IRTCallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtps_irt_callback_total",
		Help: "Invocations of IRT instance callbacks by edge",
	}, []string{"instance", "edge"}) // edge ∈ {start, elapsed, stop}

	IRTTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtps_irt_tick_duration_seconds",
		Help:    "Wall time of a single IRT.Update call",
		Buckets: prometheus.DefBuckets,
	})

	// Subscriber
	SubscriberHeartBeatDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtps_subscriber_heartbeat_duration_seconds",
		Help:    "Wall time of a single Subscriber.HeartBeat call",
		Buckets: prometheus.DefBuckets,
	})

	// Admission gate (internal/platform.ResourceGuard)
	AdmissionRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtps_admission_rejected_total",
		Help: "Input events rejected by the resource guard before reaching a pin",
	}, []string{"reason"})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rtps_cpu_usage_percent",
		Help: "Container-aware CPU usage as a percentage of the allocated quota",
	})
)

func init() {
	prometheus.MustRegister(
		DBONoWritableSlotTotal,
		MBXOverflowTotal,
		MBXDroppedTotal,
		MBXPendingDepth,
		IRTCallbackTotal,
		IRTTickDuration,
		SubscriberHeartBeatDuration,
		AdmissionRejectedTotal,
		CPUUsagePercent,
	)
}

// Handler returns the HTTP handler to mount at the configured metrics
// bind address.
func Handler() http.Handler {
	return promhttp.Handler()
}
