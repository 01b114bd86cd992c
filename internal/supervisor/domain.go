package supervisor

import (
	"sort"
	"sync"

	"github.com/lucerna-labs/sockguard/internal/telemetry"
)

type domainTotals struct {
	connections uint64
	totalBytes  uint64
}

// domainAggregator accumulates per-domain connection counts and byte
// totals across relays as they close (§4.5: domain aggregates feed the
// top-10-by-bytes view in the snapshot). Keyed by SNI when one was
// sniffed, falling back to the dialed host otherwise.
type domainAggregator struct {
	mu    sync.Mutex
	byKey map[string]*domainTotals
}

func newDomainAggregator() *domainAggregator {
	return &domainAggregator{byKey: make(map[string]*domainTotals)}
}

func (d *domainAggregator) record(domain string, bytesDown uint64) {
	if domain == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.byKey[domain]
	if t == nil {
		t = &domainTotals{}
		d.byKey[domain] = t
	}
	t.connections++
	t.totalBytes += bytesDown
}

// top returns up to n domains ordered by total bytes descending (§6).
// Domains tied on bytes compare by name to keep snapshots deterministic
// even though the underlying map iteration order is not.
func (d *domainAggregator) top(n int) []telemetry.DomainSnapshot {
	d.mu.Lock()
	rows := make([]telemetry.DomainSnapshot, 0, len(d.byKey))
	for domain, t := range d.byKey {
		rows = append(rows, telemetry.DomainSnapshot{
			Domain:     domain,
			Count:      t.connections,
			TotalBytes: t.totalBytes,
		})
	}
	d.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TotalBytes != rows[j].TotalBytes {
			return rows[i].TotalBytes > rows[j].TotalBytes
		}
		return rows[i].Domain < rows[j].Domain
	})
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows
}
