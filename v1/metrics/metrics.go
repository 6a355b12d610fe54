package metrics

import "github.com/prometheus/client_golang/prometheus"

// Result labels used by the counters below.
const (
	ResultAcquired  = "acquired"
	ResultContended = "contended"
	ResultReleased  = "released"
	ResultLost      = "lost"
	ResultError     = "error"
)

var (
	// AcquireCounter counts single acquisition attempts by outcome.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutex_acquire_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"lock", "result"})
	// ReleaseCounter counts releases. "lost" means the record had already
	// expired or belonged to another holder.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutex_release_total",
		Help: "Total number of lock releases",
	}, []string{"lock", "result"})
	// ForceResetCounter counts administrative resets.
	ForceResetCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mutex_force_reset_total",
		Help: "Total number of forced lock resets",
	}, []string{"lock"})
	// WaitHistogram observes how long optimistic acquisitions waited.
	WaitHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mutex_wait_seconds",
		Help:    "Time spent waiting for an optimistic lock",
		Buckets: prometheus.DefBuckets,
	}, []string{"lock"})
	// HoldHistogram observes how long scoped work held a lock.
	HoldHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mutex_hold_seconds",
		Help:    "Time a lock was held by scoped work",
		Buckets: prometheus.DefBuckets,
	}, []string{"lock"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterMutexMetrics registers the mutex collectors on the provided registry.
func RegisterMutexMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, ForceResetCounter, WaitHistogram, HoldHistogram)
}
