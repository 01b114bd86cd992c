package supervisor

import (
	"go.uber.org/atomic"

	"github.com/lucerna-labs/sockguard/internal/telemetry"
)

// Stats is the supervisor's own StatsCounters (§3, §4.5), kept
// independently of the Prometheus vars in internal/metrics so the
// telemetry JSON file never depends on whether the observability HTTP
// endpoint is even running. Only totalConns, tcpAllowed, tcpBlocked,
// udpRelayed and errors are part of the external contract (§6);
// active/bytesUp/bytesDown exist only for the operational log line.
type Stats struct {
	totalConns atomic.Uint64
	active     atomic.Int64
	tcpAllowed atomic.Uint64
	tcpBlocked atomic.Uint64
	udpRelayed atomic.Uint64
	errors     atomic.Uint64
	bytesUp    atomic.Uint64
	bytesDown  atomic.Uint64
}

func newStats() *Stats { return &Stats{} }

// incTotalConns fires once per admitted connection (CONNECT or
// FWD_UDP, allowed or blocked) — the accept-time counter, strictly
// increasing, distinct from any filter decision (§4.5).
func (s *Stats) incTotalConns() { s.totalConns.Inc() }

// relayStarted fires once per successfully-dialed CONNECT relay (the
// same moment the Allowed event is emitted), bumping both the
// external tcpAllowed counter and the internal active-relay gauge.
func (s *Stats) relayStarted() {
	s.tcpAllowed.Inc()
	s.active.Inc()
}

func (s *Stats) relayEnded() { s.active.Dec() }

func (s *Stats) incTCPBlocked() { s.tcpBlocked.Inc() }
func (s *Stats) incUDPRelayed() { s.udpRelayed.Inc() }
func (s *Stats) incErrors()     { s.errors.Inc() }

func (s *Stats) addBytes(up, down uint64) {
	s.bytesUp.Add(up)
	s.bytesDown.Add(down)
}

func (s *Stats) activeCount() int64 { return s.active.Load() }

func (s *Stats) snapshot() telemetry.StatsSnapshot {
	return telemetry.StatsSnapshot{
		TotalConns: s.totalConns.Load(),
		TCPAllowed: s.tcpAllowed.Load(),
		TCPBlocked: s.tcpBlocked.Load(),
		UDPRelayed: s.udpRelayed.Load(),
		Errors:     s.errors.Load(),
	}
}
