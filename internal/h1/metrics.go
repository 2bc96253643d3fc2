package h1

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alembic_h1_connections_active",
			Help: "Current number of open HTTP/1.x connections",
		},
	)

	connectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alembic_h1_connections_total",
			Help: "Total number of accepted or refused HTTP/1.x connections",
		},
		[]string{"result"},
	)

	requestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alembic_h1_requests_dispatching",
			Help: "Current number of requests being processed by the responder",
		},
	)

	rejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alembic_h1_rejected_total",
			Help: "Connections closed on a protocol or transport error, by reason",
		},
		[]string{"reason"},
	)
)
