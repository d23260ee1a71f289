package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ton_gateway",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ton_gateway",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ton_gateway",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	chainTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ton_gateway",
			Subsystem: "chain",
			Name:      "gen_utime",
			Help:      "Chain time of the latest processed masterchain block.",
		},
	)

	blocksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ton_gateway",
			Subsystem: "chain",
			Name:      "blocks_total",
			Help:      "Total number of blocks walked by the subscriber.",
		},
		[]string{"chain"},
	)

	broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ton_gateway",
			Subsystem: "chain",
			Name:      "broadcasts_total",
			Help:      "Total number of external messages sent to the node.",
		},
		[]string{"outcome"},
	)

	callbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ton_gateway",
			Subsystem: "callbacks",
			Name:      "deliveries_total",
			Help:      "Total number of callback delivery attempts.",
		},
		[]string{"status"},
	)

	// pendingFn is installed by the application once the pending-message
	// queue exists; the gauge reads through it on every scrape.
	pendingFn atomic.Value // func() float64

	pendingMessages = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "ton_gateway",
			Subsystem: "chain",
			Name:      "pending_messages",
			Help:      "External messages awaiting on-chain confirmation.",
		},
		func() float64 {
			if fn, ok := pendingFn.Load().(func() float64); ok {
				return fn()
			}
			return 0
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		chainTime,
		blocksProcessed,
		broadcasts,
		callbacks,
		pendingMessages,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
// The path label uses the mux route template so address and id parameters do
// not explode the cardinality.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := routeTemplate(r)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// SetChainTime records the gen_utime of the latest masterchain block.
func SetChainTime(utime uint32) {
	chainTime.Set(float64(utime))
}

// SetPendingMessages installs the source for the pending-message gauge.
func SetPendingMessages(fn func() float64) {
	pendingFn.Store(fn)
}

// RecordBlock counts a processed block per chain kind.
func RecordBlock(masterchain bool) {
	chain := "shard"
	if masterchain {
		chain = "master"
	}
	blocksProcessed.WithLabelValues(chain).Inc()
}

// RecordBroadcast counts an external message broadcast attempt.
func RecordBroadcast(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	broadcasts.WithLabelValues(outcome).Inc()
}

// RecordCallback counts a callback delivery attempt by resulting status.
func RecordCallback(status string) {
	callbacks.WithLabelValues(status).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
