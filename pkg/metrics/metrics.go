package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lock acquisition latency - histogram to track p50/p90/p99
	// includes any server-side wait spent polling for a busy lock
	// labels: lock_name (to see which locks are contended)
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "distlockd_lock_acquire_duration_seconds",
			Help:    "time taken to answer a LOCK request",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
		},
		[]string{"lock_name"},
	)

	// lock acquisition counter - counts grants vs denials
	// use this to calculate grant rate: granted / (granted + denied)
	// labels: lock_name, status (granted/denied)
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distlockd_lock_acquire_total",
			Help: "total number of LOCK requests answered",
		},
		[]string{"lock_name", "status"},
	)

	// lock release counter - tracks clean releases vs rejected ones
	// labels: lock_name, status (released/not_held/forbidden)
	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distlockd_lock_release_total",
			Help: "total number of RELEASE requests answered",
		},
		[]string{"lock_name", "status"},
	)

	// currently held locks - gauge shows real-time active locks
	// useful for detecting lock leaks from crashed clients
	LocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "distlockd_locks_held",
			Help: "current number of held locks",
		},
	)

	// expiry counter - tracks holders that crashed or never released
	// spikes indicate network issues or misbehaving clients
	LockExpireTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "distlockd_lock_expire_total",
			Help: "total number of locks force-expired by the sweeper",
		},
	)

	// open client connections - gauge shows connected sessions
	ConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "distlockd_connections_open",
			Help: "current number of open client connections",
		},
	)

	// request counter by verb - overall traffic shape
	// labels: verb (LOCK/RELEASE/HEALTH)
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distlockd_requests_total",
			Help: "total number of well-formed requests processed",
		},
		[]string{"verb"},
	)

	// protocol error counter - malformed lines by error code
	// labels: code (BAD_REQUEST/EMPTY_NAME/BAD_TIMEOUT/UNKNOWN_COMMAND/LINE_TOO_LONG)
	ProtocolErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distlockd_protocol_errors_total",
			Help: "total number of malformed requests rejected",
		},
		[]string{"code"},
	)

	// service uptime - always 1 when running
	// prometheus uses this to detect service restarts
	// scrape failure = 0 in prometheus (service down)
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "distlockd_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	// set uptime gauge to 1 on startup
	Up.Set(1)
}
