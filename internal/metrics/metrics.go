// Package metrics holds the Prometheus collectors for the HTTP surface, the
// store and the sync engine.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type originKey struct{}

const namespace = "calsync"

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests served, by route and status.",
	}, []string{"method", "route", "status"})

	requestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "rate_limited_total",
		Help: "Requests rejected by an inbound rate limiter.",
	}, []string{"limiter"})

	dbSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "db", Name: "operation_duration_seconds",
		Help:    "Store operation latency, by operation and the route or job that issued it.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "origin"})

	remoteSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "remote", Name: "request_duration_seconds",
		Help:    "Latency of calls to the remote calendar API.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})

	pushItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sync", Name: "push_items_total",
		Help: "Push queue items handled, by outcome.",
	}, []string{"outcome"})

	pullRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sync", Name: "pull_runs_total",
		Help: "Delta pull runs, by outcome.",
	}, []string{"outcome"})

	changeItemsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sync", Name: "change_items_reconciled_total",
		Help: "Change queue items consumed by reconciliation.",
	})

	jobSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "job_duration_seconds",
		Help:    "Scheduled job run time.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware counts and times each request by its chi route pattern, and
// tags the request context so store latency can be attributed to the route.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			// chi fills in the pattern while routing, so resolve it lazily.
			ctx := context.WithValue(r.Context(), originKey{}, func() string { return routePattern(r) })
			next.ServeHTTP(ww, r.WithContext(ctx))

			route := routePattern(r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			requestSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// WithOrigin labels ctx with the route or job that store calls made under it
// are attributed to.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// Origin returns the label set by WithOrigin, or "unknown".
func Origin(ctx context.Context) string {
	switch o := ctx.Value(originKey{}).(type) {
	case string:
		if o != "" {
			return o
		}
	case func() string:
		return o()
	}
	return "unknown"
}

// ObserveDBLatency records one store operation.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	dbSeconds.WithLabelValues(operation, Origin(ctx)).Observe(time.Since(start).Seconds())
}

// ObserveRemoteRequest records the latency of one remote API call. A zero
// status marks a transport failure.
func ObserveRemoteRequest(method string, status int, start time.Time) {
	label := "transport_error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	remoteSeconds.WithLabelValues(method, label).Observe(time.Since(start).Seconds())
}

// AddPushItems counts push queue items that reached an outcome such as
// "processed", "retrying" or "failed".
func AddPushItems(outcome string, n int) {
	if n > 0 {
		pushItemsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// IncPullRun counts one delta pull run.
func IncPullRun(outcome string) {
	pullRunsTotal.WithLabelValues(outcome).Inc()
}

func AddChangeItems(n int) {
	if n > 0 {
		changeItemsTotal.Add(float64(n))
	}
}

// IncRateLimited counts one request rejected by the named limiter.
func IncRateLimited(limiter string) {
	rateLimitedTotal.WithLabelValues(limiter).Inc()
}

func ObserveJob(job string, start time.Time) {
	jobSeconds.WithLabelValues(job).Observe(time.Since(start).Seconds())
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
