package observability

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/techquiry/techquiry/internal/sqlrunner"
)

const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

// Metrics holds the process collectors. It implements sqlrunner.Observer.
type Metrics struct {
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	statementsTotal    *prometheus.CounterVec
	failuresTotal      *prometheus.CounterVec
	runDurationSeconds *prometheus.HistogramVec
}

var _ sqlrunner.Observer = (*Metrics)(nil)

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "techquiry_http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "techquiry_http_request_duration_seconds",
				Help:    "HTTP request latency by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		statementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "techquiry_sqlrunner_statements_total",
				Help: "Statements processed by the script runner, by phase and outcome.",
			},
			[]string{"phase", "outcome"},
		),
		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "techquiry_sqlrunner_failures_total",
				Help: "Failed runner calls by failure kind.",
			},
			[]string{"kind"},
		),
		runDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "techquiry_sqlrunner_run_duration_seconds",
				Help:    "Runner call latency from script read to first result.",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"entry"},
		),
	}
	if reg != nil {
		for _, collector := range []prometheus.Collector{
			m.httpRequestsTotal,
			m.httpRequestDurationSeconds,
			m.statementsTotal,
			m.failuresTotal,
			m.runDurationSeconds,
		} {
			if err := reg.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) ObserveStatement(phase string, err error) {
	m.statementsTotal.WithLabelValues(phase, outcomeLabel(err)).Inc()
}

func (m *Metrics) ObserveRun(entry string, elapsed time.Duration, err error) {
	m.runDurationSeconds.WithLabelValues(entry).Observe(elapsed.Seconds())
	if err != nil {
		m.failuresTotal.WithLabelValues(FailureKind(err)).Inc()
	}
}

// FailureKind maps a runner error to the failures_total kind label. An
// execute error that wraps a load error, as RunStatement reports a prepare
// failure, counts as execute.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, sqlrunner.ErrArity):
		return "arity"
	case errors.Is(err, sqlrunner.ErrExecute):
		return "execute"
	case errors.Is(err, sqlrunner.ErrLoad):
		return "load"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "connection"
	}
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		status := strconv.Itoa(recorder.status)
		m.httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.httpRequestDurationSeconds.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func outcomeLabel(err error) string {
	if err != nil {
		return outcomeError
	}
	return outcomeOK
}
