package upload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var beginCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "teleportal_upload_begin_total",
	Help: "counter of begun uploads",
})

var chunkCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "teleportal_upload_chunk_total",
	Help: "counter of stored upload chunks",
})

var completeCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "teleportal_upload_complete_total",
	Help: "counter of upload completion attempts",
}, []string{"outcome"})

var cleanupCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "teleportal_upload_expired_total",
	Help: "counter of uploads deleted by expiry cleanup",
})
