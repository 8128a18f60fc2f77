package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	issuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authcore_session_issued_total",
		Help: "Token pairs issued at sign-in.",
	})
	rotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_session_rotations_total",
		Help: "Refresh rotations by outcome.",
	}, []string{"outcome"})
	revokedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_session_revoked_total",
		Help: "Refresh tokens revoked by reason.",
	}, []string{"reason"})
	reuseChainLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "authcore_session_reuse_chain_length",
		Help:    "Descendants revoked by the chain walk when a revoked token is replayed.",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
	})
)
