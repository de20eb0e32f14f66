package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "teleportal_server_connect_total",
	Help: "counter of client connections",
})

var disconnectCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "teleportal_server_disconnect_total",
	Help: "counter of client disconnections",
})

var deniedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "teleportal_server_denied_total",
	Help: "counter of messages refused by the permission gate",
}, []string{"type"})

var gateDropCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "teleportal_server_gate_drop_total",
	Help: "counter of inbound messages the gate never forwards",
})

var sessionGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "teleportal_server_open_sessions",
	Help: "gauge of currently open document sessions",
})
