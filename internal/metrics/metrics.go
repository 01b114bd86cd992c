// Package metrics exposes Prometheus counters/gauges mirroring the
// supervisor's StatsCounters and per-relay byte totals (§3), consumed
// via the observability HTTP endpoint (SPEC_FULL §4).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sockguard",
		Subsystem: "tcp",
		Name:      "connections_total",
		Help:      "Total TCP CONNECT relays started.",
	})
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sockguard",
		Subsystem: "tcp",
		Name:      "connections_active",
		Help:      "Currently active TCP relays.",
	})
	TCPAllowedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sockguard",
		Subsystem: "tcp",
		Name:      "allowed_total",
		Help:      "CONNECT requests allowed by the policy filter.",
	})
	TCPBlockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sockguard",
		Subsystem: "tcp",
		Name:      "blocked_total",
		Help:      "CONNECT requests blocked by the policy filter.",
	})
	StreamBlockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sockguard",
		Subsystem: "tcp",
		Name:      "stream_blocked_total",
		Help:      "Relays terminated by a per-domain download threshold.",
	})
	DialErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sockguard",
		Subsystem: "tcp",
		Name:      "dial_errors_total",
		Help:      "Failed dials to CONNECT targets.",
	})
	BytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sockguard",
		Subsystem: "tcp",
		Name:      "bytes_total",
		Help:      "Bytes relayed, by direction.",
	}, []string{"direction"}) // "up" or "down"

	UDPFramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sockguard",
		Subsystem: "udp",
		Name:      "frames_total",
		Help:      "FWD_UDP frames relayed.",
	})
	UDPBlockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sockguard",
		Subsystem: "udp",
		Name:      "blocked_total",
		Help:      "FWD_UDP frames blocked by the policy filter.",
	})

	ErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sockguard",
		Name:      "errors_total",
		Help:      "Protocol errors, dial failures and admission rejections.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		TCPAllowedTotal,
		TCPBlockedTotal,
		StreamBlockedTotal,
		DialErrorsTotal,
		BytesTotal,
		UDPFramesTotal,
		UDPBlockedTotal,
		ErrorsTotal,
	)
}
