// Package metrics exposes ledger counters for Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is nil-safe: a nil *Recorder records nothing.
type Recorder struct {
	registry       *prometheus.Registry
	sales          *prometheus.CounterVec
	salesAmount    prometheus.Counter
	refunds        prometheus.Counter
	restockSkipped prometheus.Counter
	statsCache     *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		sales: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posledger",
			Name:      "sales_total",
			Help:      "Checkout attempts by outcome.",
		}, []string{"outcome"}),
		salesAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "posledger",
			Name:      "sales_amount_cents_total",
			Help:      "Sum of committed sale totals in cents.",
		}),
		refunds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "posledger",
			Name:      "refunds_total",
			Help:      "Committed refunds.",
		}),
		restockSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "posledger",
			Name:      "refund_restock_skipped_total",
			Help:      "Refund lines not restocked because the product was deleted.",
		}),
		statsCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posledger",
			Name:      "stats_cache_lookups_total",
			Help:      "Stats cache lookups by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posledger",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "posledger",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.sales, r.salesAmount, r.refunds, r.restockSkipped, r.statsCache,
		r.httpRequests, r.httpDuration,
	)
	return r
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) SaleCommitted(totalCents int64) {
	if r == nil {
		return
	}
	r.sales.WithLabelValues("committed").Inc()
	r.salesAmount.Add(float64(totalCents))
}

func (r *Recorder) SaleDuplicate() {
	if r == nil {
		return
	}
	r.sales.WithLabelValues("duplicate").Inc()
}

func (r *Recorder) SaleRejected() {
	if r == nil {
		return
	}
	r.sales.WithLabelValues("rejected").Inc()
}

func (r *Recorder) Refunded(skipped int) {
	if r == nil {
		return
	}
	r.refunds.Inc()
	r.restockSkipped.Add(float64(skipped))
}

func (r *Recorder) StatsCacheLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.statsCache.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveHTTP(method string, route string, status int, seconds float64) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(seconds)
}
