package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the auth service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// OTP metrics
	OTPSendsTotal       *prometheus.CounterVec
	OTPValidationsTotal *prometheus.CounterVec
	SMSFailuresTotal    prometheus.Counter

	// Session metrics
	TokensIssuedTotal *prometheus.CounterVec
	AuthFailuresTotal *prometheus.CounterVec

	// Downstream metrics
	DirectoryRetriesTotal *prometheus.CounterVec
}

// New creates the collectors and registers them on registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phoneauth_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "phoneauth_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		OTPSendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phoneauth_otp_sends_total",
				Help: "OTP send requests by result",
			},
			[]string{"status"},
		),
		OTPValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phoneauth_otp_validations_total",
				Help: "OTP validations by outcome",
			},
			[]string{"outcome"},
		),
		SMSFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "phoneauth_sms_dispatch_failures_total",
				Help: "OTP messages the SMS gateway failed to accept",
			},
		),
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phoneauth_tokens_issued_total",
				Help: "Tokens issued by kind",
			},
			[]string{"kind"},
		),
		AuthFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phoneauth_auth_failures_total",
				Help: "Failed authentication attempts by flow",
			},
			[]string{"flow"},
		),
		DirectoryRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phoneauth_directory_retries_total",
				Help: "Retried user directory calls by operation",
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.OTPSendsTotal,
		m.OTPValidationsTotal,
		m.SMSFailuresTotal,
		m.TokensIssuedTotal,
		m.AuthFailuresTotal,
		m.DirectoryRetriesTotal,
	)

	return m
}

// NewNop returns collectors registered on a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// RouteFunc resolves the label used for a request's route. Using the route
// template instead of the raw path keeps label cardinality bounded.
type RouteFunc func(r *http.Request) string

// HTTPMiddleware counts requests and observes their latency.
func HTTPMiddleware(m *Metrics, route RouteFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rec, r)

			label := route(r)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, label, strconv.Itoa(rec.statusCode)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, label).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes registry in the Prometheus text format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
