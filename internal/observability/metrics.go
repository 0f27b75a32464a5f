package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "material_dispatch"

var (
	OffersCreated    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_created_total", Help: "Total number of offers written to the ledger"})
	OfferCreateFails = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offer_create_failures_total", Help: "Offer inserts that failed and were skipped"})
	OfferOutcomes    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offer_outcomes_total", Help: "Terminal offer states observed by the coordinator"},
		[]string{"status"},
	)
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Dispatch runs by terminal outcome"},
		[]string{"outcome"},
	)
	DispatchDuration  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_duration_seconds", Help: "Time from trigger to terminal outcome", Buckets: []float64{0.1, 1, 5, 15, 30, 45, 60, 90, 120}})
	ActiveDispatches  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_dispatches", Help: "Dispatch tasks currently running in this process"})
	CandidatesFound   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "candidates_found", Help: "Eligible candidates per selection", Buckets: []float64{0, 1, 2, 3, 4, 5, 10}})
	NotifyFailures    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notify_failures_total", Help: "Notification sink failures"})
	FeedPublishErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "feed_publish_errors_total", Help: "Change feed publish failures"})
	LocationUpdates   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver availability updates accepted"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
