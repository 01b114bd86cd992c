// Package telemetry defines the JSON contract the supervisor publishes
// (§6) and the atomic file writer that publishes it. Nothing here
// reaches back into the supervisor's live state; callers hand it plain
// snapshots to serialize.
package telemetry

import (
	"time"

	"github.com/lucerna-labs/sockguard/internal/event"
)

// ConnectionSnapshot is one row of the connections view (§6): the
// supervisor's current read of a live or just-closed Tracker.
type ConnectionSnapshot struct {
	ID        int64     `json:"id"`
	Host      string    `json:"host"`
	Port      uint16    `json:"port"`
	SNI       string    `json:"sni,omitempty"`
	StartTime time.Time `json:"startTime"`
	BytesUp   uint64    `json:"bytesUp"`
	BytesDown uint64    `json:"bytesDown"`
	IsActive  bool      `json:"isActive"`
}

// DomainSnapshot is one row of the top-10-by-bytes domain aggregate
// (§6).
type DomainSnapshot struct {
	Domain     string `json:"domain"`
	Count      uint64 `json:"count"`
	TotalBytes uint64 `json:"totalBytes"`
}

// StatsSnapshot is the external StatsCounters contract (§3, §6), verbatim:
// totalConns, tcpAllowed, tcpBlocked, udpRelayed, errors — nothing more.
// Internal-only counters (active relays, byte totals) live on
// supervisor.Stats for the operational log line and are never part of
// this artifact.
type StatsSnapshot struct {
	TotalConns uint64 `json:"totalConns"`
	TCPAllowed uint64 `json:"tcpAllowed"`
	TCPBlocked uint64 `json:"tcpBlocked"`
	UDPRelayed uint64 `json:"udpRelayed"`
	Errors     uint64 `json:"errors"`
}

// TrafficSnapshot is one entry of the snapshot history (§3, §6),
// produced once per second.
type TrafficSnapshot struct {
	Timestamp   time.Time            `json:"timestamp"`
	Connections []ConnectionSnapshot `json:"connections"`
	Stats       StatsSnapshot        `json:"stats"`
	TopDomains  []DomainSnapshot     `json:"topDomains"`
}

// Artifact is the top-level shape of the telemetry file and the
// websocket push payload (§6): the snapshot history plus the event
// log, not nested inside each snapshot.
type Artifact struct {
	Snapshots []TrafficSnapshot `json:"snapshots"`
	Events    []event.Event     `json:"events"`
}
