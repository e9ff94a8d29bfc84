package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "backhaul_active_sessions", Help: "Current authenticated client sessions"})
	ActiveProxies          = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "backhaul_active_proxies", Help: "Registered proxies by type"}, []string{"type"})
	IdleWorkConns          = promauto.NewGauge(prometheus.GaugeOpts{Name: "backhaul_idle_work_conns", Help: "Pooled work connections waiting for a user connection"})
	PendingRequests        = promauto.NewGauge(prometheus.GaugeOpts{Name: "backhaul_pending_requests", Help: "User connections waiting for a work connection"})
	TunnelEstablishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "backhaul_tunnel_established_total", Help: "Tunnels established"}, []string{"proxy"})
	TunnelTimeoutTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "backhaul_tunnel_timeout_total", Help: "User connections that timed out waiting for a work connection"})
	SessionEvictedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "backhaul_session_evicted_total", Help: "Sessions closed by the liveness monitor"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "backhaul_errors_total", Help: "Errors by type"}, []string{"type"})
	TrafficBytesTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "backhaul_traffic_bytes_total", Help: "Bytes relayed per proxy and direction"}, []string{"proxy", "direction"})
	TunnelDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "backhaul_tunnel_duration_seconds", Help: "Tunnel lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
