package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var applyCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "teleportal_session_apply_total",
	Help: "counter of messages applied to sessions",
}, []string{"type", "outcome"})

var broadcastCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "teleportal_session_broadcast_total",
	Help: "counter of messages written to local clients by broadcast",
})

var broadcastErrorCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "teleportal_session_broadcast_error_total",
	Help: "counter of failed broadcast writes, each evicting its client",
})

var replicateErrorCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "teleportal_session_replicate_error_total",
	Help: "counter of failed publishes to the replication plane",
})
