package replicator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var publishCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "teleportal_replicator_publish_total",
	Help: "counter of frames published to the replication plane",
})

var publishDroppedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "teleportal_replicator_publish_dropped_total",
	Help: "counter of replicated frames dropped for slow subscribers",
})

var subscribeCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "teleportal_replicator_subscribe_total",
	Help: "counter of channel subscriptions opened on the replication plane",
})
