package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "teleportal_rpc_request_total",
	Help: "counter of rpc requests by method and outcome",
}, []string{"method", "outcome"})
