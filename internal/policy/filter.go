// Package policy implements the §4.2 policy filter: a pure query
// surface over an externally-owned (host, port) allow/block decision
// and per-SNI download thresholds. It never caches — every call
// re-reads the store, because the store may be edited concurrently by
// an external policy editor (§5 shared-resource policy).
package policy

import (
	"net/netip"
	"strings"
)

// Decision is the filter's allow/block verdict (§3 FilterDecision).
type Decision int

const (
	Allow Decision = iota
	Block
)

func (d Decision) String() string {
	if d == Allow {
		return "allowed"
	}
	return "blocked"
}

// Store is the external policy store interface (§6): a domain→threshold
// mapping plus a global enable flag. Values may change between calls;
// implementations are free to back this with any key-value facility
// shared with a policy editor.
type Store interface {
	// Enabled reports whether the filter should be consulted at all.
	// When false, ShouldAllow always returns Allow.
	Enabled() bool
	// Thresholds returns the current domain→threshold mapping.
	// -1 means no limit, 0 means block-all, >0 is a stream-block byte
	// count. Iteration order is the caller's (map order is undefined);
	// §9 notes this is intentional.
	Thresholds() map[string]int64
}

// CountrySource optionally supplements Store with a geoip block list
// (SPEC_FULL §4: a policy dimension the distillation didn't carry but
// the teacher's routing layer shows as a natural extension). It is
// consulted only when the dialed host is a literal IP address — this
// filter never resolves domain names to apply it (§1 non-goal).
type CountrySource interface {
	// BlockedCountries returns the set of ISO country codes to block.
	BlockedCountries() []string
	// LookupCountry returns the ISO country code for addr, or "" if
	// unknown.
	LookupCountry(addr netip.Addr) string
}

// Filter is the C2 policy filter.
type Filter struct {
	store Store
	geo   CountrySource // may be nil: geoip supplement is optional
}

// New creates a Filter backed by store. geo may be nil to disable the
// geoip supplement entirely.
func New(store Store, geo CountrySource) *Filter {
	return &Filter{store: store, geo: geo}
}

// ShouldAllow decides whether a CONNECT or FWD_UDP destination may be
// dialed at all (§4.2). Byte-threshold blocking is a separate, later
// decision made by the relay engine once bytes are flowing.
func (f *Filter) ShouldAllow(host string, port uint16) Decision {
	if !f.store.Enabled() {
		return Allow
	}

	for domain, threshold := range f.store.Thresholds() {
		if threshold == 0 && containsFold(host, domain) {
			return Block
		}
	}

	if f.geo != nil {
		if addr, err := netip.ParseAddr(host); err == nil {
			cc := f.geo.LookupCountry(addr)
			if cc != "" {
				for _, blocked := range f.geo.BlockedCountries() {
					if strings.EqualFold(cc, blocked) {
						return Block
					}
				}
			}
		}
	}

	return Allow
}

// StreamBlockThreshold returns the cumulative download byte threshold
// for sni, or (0, false) when no domain key substring-matches sni or
// the matched value is -1 (no limit). The first matching key in
// iteration order wins (§4.2) — tie-breaking across keys that both
// match is intentionally unspecified.
func (f *Filter) StreamBlockThreshold(sni string) (threshold uint64, ok bool) {
	if sni == "" {
		return 0, false
	}
	for domain, v := range f.store.Thresholds() {
		if !containsFold(sni, domain) {
			continue
		}
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	}
	return 0, false
}

// containsFold reports whether needle is a case-insensitive substring
// of haystack (§4.2: "any domain key is a case-insensitive substring of
// host").
func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
