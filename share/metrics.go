package htshare

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tunnelsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "httptunnel",
		Name:      "tunnels",
		Help:      "Number of live tunnel clients.",
	})

	tunnelSocketsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "httptunnel",
		Name:      "tunnel_sockets",
		Help:      "Number of admitted tunnel sockets across all clients.",
	})

	relaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "httptunnel",
		Name:      "relays_total",
		Help:      "Forwarded exchanges by kind.",
	}, []string{"kind"})
)
