// Package geoip loads a MaxMind-format country database and exposes a
// small country-code lookup used to supplement the policy filter with
// an optional geoip block dimension (SPEC_FULL §4).
package geoip

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang/v2"
)

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// DB is a single MMDB country database with mutex-guarded hot reload.
type DB struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	reader *maxminddb.Reader
}

// Open opens the MMDB file at path.
func Open(path string, logger *slog.Logger) (*DB, error) {
	db := &DB{path: path, logger: logger}
	if err := db.Reload(); err != nil {
		return nil, err
	}
	return db, nil
}

// Reload re-opens the database file, swapping in the new reader only on
// success so a bad reload never takes down a working lookup.
func (db *DB) Reload() error {
	reader, err := maxminddb.Open(db.path)
	if err != nil {
		return fmt.Errorf("geoip: opening %s: %w", db.path, err)
	}

	db.mu.Lock()
	old := db.reader
	db.reader = reader
	db.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// LookupCountry returns the ISO country code for addr, or "" if unknown
// or the database hasn't loaded.
func (db *DB) LookupCountry(addr netip.Addr) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.reader == nil {
		return ""
	}
	var rec countryRecord
	if err := db.reader.Lookup(addr).Decode(&rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

// StartRefresh periodically reloads the database until ctx is done.
func (db *DB) StartRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.Reload(); err != nil {
					db.logger.Error("geoip: reload failed", "path", db.path, "err", err)
				}
			}
		}
	}()
}

// Close releases the underlying mmap.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.reader == nil {
		return nil
	}
	return db.reader.Close()
}

// Source pairs a DB with a static block list and implements
// policy.CountrySource.
type Source struct {
	db      *DB
	blocked []string
}

// NewSource builds a policy.CountrySource from an open DB and a list of
// ISO country codes to block.
func NewSource(db *DB, blockedCountries []string) *Source {
	return &Source{db: db, blocked: blockedCountries}
}

func (s *Source) BlockedCountries() []string { return s.blocked }

func (s *Source) LookupCountry(addr netip.Addr) string {
	if s.db == nil {
		return ""
	}
	return s.db.LookupCountry(addr)
}

// ContainsCountry reports whether cc (case-insensitive) is in codes.
func ContainsCountry(codes []string, cc string) bool {
	for _, code := range codes {
		if strings.EqualFold(code, cc) {
			return true
		}
	}
	return false
}
