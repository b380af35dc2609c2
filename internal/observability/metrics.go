// README: Prometheus collectors shared by dispatch, lifecycle, presence and HTTP.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rideline"

var (
	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Ride offers by resolution outcome"},
		[]string{"outcome"},
	)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Committed booking status transitions"},
		[]string{"from", "to"},
	)
	DispatchNoDriversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "dispatch_no_drivers_total", Help: "Bookings that exhausted the retry window without any candidate",
	})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_latency_seconds",
		Help:      "Time from booking creation to driver acceptance",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
	})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "drivers_online", Help: "Number of drivers currently online",
	})
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "ws_connections", Help: "Open websocket connections",
	})
	RelayDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "location_relay_dropped_total", Help: "Realtime messages dropped because a client buffer was full",
	})
	PushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "push_total", Help: "FCM push attempts by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "route", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
