package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersIssued   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "offers_issued_total", Help: "Offers issued to drivers"})
	OffersAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "offers_accepted_total", Help: "Offers accepted by drivers"})
	OffersRejected = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "offers_rejected_total", Help: "Offers rejected by drivers"})
	OffersExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "offers_expired_total", Help: "Offers that timed out"})

	TripsCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_created_total", Help: "Trips created by passengers"})
	TripsCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_completed_total", Help: "Trips completed"})
	TripsCancelled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_cancelled_total", Help: "Trips cancelled"})
	TripsUnserved  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "trips_unserved_total", Help: "Broker passes that found no eligible driver"})

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "trip_dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trip_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
