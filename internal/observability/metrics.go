package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchQueriesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_pooling", Name: "match_queries_total", Help: "Total pool match queries served"})
	MatchesReturned   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_pooling", Name: "matches_returned", Help: "Candidates returned per match query", Buckets: []float64{0, 1, 2, 5, 10, 20, 50}})
	MatchLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_pooling", Name: "match_latency_seconds", Help: "Match query latency seconds"})

	SeatTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_pooling", Name: "seat_transitions_total", Help: "Rider seat state transitions applied"},
		[]string{"to"},
	)
	TransitionRejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_pooling", Name: "transition_rejects_total", Help: "Rejected seat transitions by reason"},
		[]string{"reason"},
	)
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_pooling", Name: "notifications_total", Help: "Notifications dispatched by kind"},
		[]string{"kind"},
	)
	GroupJoinsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_pooling", Name: "group_joins_total", Help: "Group memberships created by the projector"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_pooling", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_pooling",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
