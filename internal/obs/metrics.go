package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions        = promauto.NewGauge(prometheus.GaugeOpts{Name: "udstunnel_active_sessions", Help: "Connections currently served by workers"})
	AcceptedTotal         = promauto.NewCounter(prometheus.CounterOpts{Name: "udstunnel_accepted_total", Help: "Sockets that passed the handshake gate"})
	TunnelsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "udstunnel_tunnels_total", Help: "Tunnels opened to a backend"})
	HandshakeRejected     = promauto.NewCounter(prometheus.CounterOpts{Name: "udstunnel_handshake_rejected_total", Help: "Sockets closed by the handshake gate"})
	AdmissionRejected     = promauto.NewCounter(prometheus.CounterOpts{Name: "udstunnel_admission_rejected_total", Help: "Sockets dropped by the per-source rate limiter"})
	BytesTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "udstunnel_bytes_total", Help: "Relayed bytes by direction"}, []string{"direction"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "udstunnel_errors_total", Help: "Errors by type"}, []string{"type"})
	NotifierRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "udstunnel_notifier_requests_total", Help: "Notifier calls by operation and result"}, []string{"op", "result"})
	WorkerRestartsTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "udstunnel_worker_restarts_total", Help: "Workers replaced after a crash"})
	SessionDurationSecs   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "udstunnel_session_duration_seconds", Help: "Tunnel lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 20)})
)
