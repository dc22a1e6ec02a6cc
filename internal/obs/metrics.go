package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	paymentDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_decisions_total",
			Help: "Admin or gateway decisions on submitted payments, by outcome.",
		},
		[]string{"decision", "result"},
	)

	referralBonuses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_bonus_total",
			Help: "Referral payment bonus attempts by result (granted, already_granted, no_link, failed).",
		},
		[]string{"result"},
	)

	initOnce sync.Once
)

// Init registers the collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration, paymentDecisions, referralBonuses)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePaymentDecision counts a validate/reject attempt. result is "ok" or an error kind.
func ObservePaymentDecision(decision, result string) {
	paymentDecisions.WithLabelValues(decision, result).Inc()
}

// ObserveReferralBonus counts a bonus grant attempt.
func ObserveReferralBonus(result string) {
	referralBonuses.WithLabelValues(result).Inc()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// collections whose next path segment is an identifier, unless it is a fixed sub-route.
var idCollections = map[string]map[string]bool{
	"members":       {},
	"payments":      {"webhook": true},
	"referrals":     {"leaderboard": true},
	"points-config": {},
}

// CanonicalPath collapses identifiers so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	for i := 1; i < len(parts); i++ {
		fixed, ok := idCollections[parts[i-1]]
		if !ok || parts[i] == "" || fixed[parts[i]] {
			continue
		}
		parts[i] = ":id"
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
