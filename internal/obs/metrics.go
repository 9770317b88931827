package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsAccepted    = promauto.NewCounter(prometheus.CounterOpts{Name: "portforwarder_connections_accepted_total", Help: "Inbound connections accepted"})
	OpenConnections        = promauto.NewGauge(prometheus.GaugeOpts{Name: "portforwarder_open_connections", Help: "Accepted inbound connections not yet closed"})
	ActiveForwards         = promauto.NewGauge(prometheus.GaugeOpts{Name: "portforwarder_active_forwards", Help: "Relays currently established"})
	ForwardsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "portforwarder_forwards_total", Help: "Relays established"})
	ConnectErrorsTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "portforwarder_connect_errors_total", Help: "Outbound connects that failed"})
	IdleTimeoutsTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "portforwarder_idle_timeouts_total", Help: "Relays torn down by the idle timeout"})
	RejectedTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "portforwarder_rejected_total", Help: "Inbound connections dropped by the per-peer rate limit"})
	BytesTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portforwarder_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "portforwarder_errors_total", Help: "Errors by type"}, []string{"type"})
	ForwardDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "portforwarder_forward_duration_seconds", Help: "Relay lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
