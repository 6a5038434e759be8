// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal            *prometheus.CounterVec
	fetchDurationSeconds  *prometheus.HistogramVec
	itemsUpsertedTotal    *prometheus.CounterVec
	pricesRecordedTotal   *prometheus.CounterVec
	softDeletesTotal      *prometheus.CounterVec
	queueDepth            *prometheus.GaugeVec
	reconcileMergesTotal  *prometheus.CounterVec
	indexDocumentsTotal   *prometheus.CounterVec
	transientFailureTotal *prometheus.CounterVec
	rateLimitWaitSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_pages_total",
				Help: "Pages processed, labeled by store, page type and outcome.",
			},
			[]string{"store", "page_type", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies per store.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"store"},
		)

		itemsUpsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_items_upserted_total",
				Help: "Item upserts written to the catalog store.",
			},
			[]string{"store"},
		)

		pricesRecordedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_prices_recorded_total",
				Help: "Price history records appended (no-op writes excluded).",
			},
			[]string{"store"},
		)

		softDeletesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_soft_deletes_total",
				Help: "Entities flagged removed, labeled by store and entity kind.",
			},
			[]string{"store", "kind"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "catalog_frontier_queue_depth",
				Help: "Current frontier queue depth per store and sub-queue.",
			},
			[]string{"store", "queue"},
		)

		reconcileMergesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_reconcile_merges_total",
				Help: "Duplicate category nodes merged away per store.",
			},
			[]string{"store"},
		)

		indexDocumentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_index_documents_total",
				Help: "Search index operations, labeled by op (upsert|delete).",
			},
			[]string{"op"},
		)

		transientFailureTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_transient_failures_total",
				Help: "Fetches surfaced to the scheduler as retryable.",
			},
			[]string{"store"},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_rate_limit_wait_seconds",
				Help:    "Time spent waiting on the per-host politeness limiter.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one processed page.
func ObservePage(store, pageType, outcome string, duration time.Duration) {
	Init()
	pagesTotal.WithLabelValues(store, pageType, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(store).Observe(duration.Seconds())
}

// ObserveItemUpsert records a catalog item write.
func ObserveItemUpsert(store string, priceRecorded bool) {
	Init()
	itemsUpsertedTotal.WithLabelValues(store).Inc()
	if priceRecorded {
		pricesRecordedTotal.WithLabelValues(store).Inc()
	}
}

// ObserveSoftDelete records flagged entities.
func ObserveSoftDelete(store, kind string, n int) {
	Init()
	if n > 0 {
		softDeletesTotal.WithLabelValues(store, kind).Add(float64(n))
	}
}

// SetQueueDepth publishes the current frontier queue sizes.
func SetQueueDepth(store string, categories, items int) {
	Init()
	queueDepth.WithLabelValues(store, "categories").Set(float64(categories))
	queueDepth.WithLabelValues(store, "items").Set(float64(items))
}

// ObserveMerge records reconciled duplicate categories.
func ObserveMerge(store string, n int) {
	Init()
	if n > 0 {
		reconcileMergesTotal.WithLabelValues(store).Add(float64(n))
	}
}

// ObserveIndex records search index traffic.
func ObserveIndex(op string, n int) {
	Init()
	if n > 0 {
		indexDocumentsTotal.WithLabelValues(op).Add(float64(n))
	}
}

// ObserveTransientFailure records a fetch handed back for retry.
func ObserveTransientFailure(store string) {
	Init()
	transientFailureTotal.WithLabelValues(store).Inc()
}

// ObserveRateLimitDelay records time spent blocked on the politeness limiter.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(host).Observe(d.Seconds())
}
