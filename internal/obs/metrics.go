package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "showport_active_sessions", Help: "Control sessions currently serving a public port"})
	PendingVisitors        = promauto.NewGauge(prometheus.GaugeOpts{Name: "showport_pending_visitors", Help: "Visitor connections waiting to be claimed"})
	VisitorsAcceptedTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "showport_visitors_accepted_total", Help: "Visitor connections accepted on public ports"})
	TunnelEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "showport_tunnel_established_total", Help: "Visitors claimed and relayed"})
	PendingEvictedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "showport_pending_evicted_total", Help: "Visitors closed because nobody claimed them in time"})
	RelayBytesTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "showport_relay_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "showport_errors_total", Help: "Errors by type"}, []string{"type"})
	TunnelDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "showport_tunnel_duration_seconds", Help: "Tunnel lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
