// Package audit persists a durable per-domain traffic log, distinct
// from the telemetry snapshot the supervisor resets on every restart
// (§9: "the telemetry artifact is not a historical record"). SPEC_FULL
// §4 adds this as a supplementary feature grounded on the teacher's
// statsdb package, which keeps WireGuard peer stats in SQLite the same
// way.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one row of the durable domain log.
type Record struct {
	Domain      string
	Connections int64
	TotalBytes  int64
	LastSeen    time.Time
}

// Store wraps a WAL-mode SQLite database holding the domain_stats
// table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and puts
// it in WAL mode, matching the teacher's statsdb pragmas for a
// single-writer, many-reader workload.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: %s: %w", pragma, err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS domain_stats (
	domain      TEXT PRIMARY KEY,
	connections INTEGER NOT NULL DEFAULT 0,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	last_seen   TIMESTAMP NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Record upserts one closed relay's final totals into the domain's
// running aggregate (§4.5 domain aggregate, made durable).
func (s *Store) Record(domain string, bytesDown uint64) error {
	const upsert = `
INSERT INTO domain_stats (domain, connections, total_bytes, last_seen)
VALUES (?, 1, ?, ?)
ON CONFLICT(domain) DO UPDATE SET
	connections = connections + 1,
	total_bytes = total_bytes + excluded.total_bytes,
	last_seen   = excluded.last_seen`

	_, err := s.db.Exec(upsert, domain, int64(bytesDown), time.Now())
	if err != nil {
		return fmt.Errorf("audit: record %s: %w", domain, err)
	}
	return nil
}

// Top returns the n domains with the highest total_bytes, for the
// operator-facing dashboard and for tests.
func (s *Store) Top(n int) ([]Record, error) {
	rows, err := s.db.Query(
		"SELECT domain, connections, total_bytes, last_seen FROM domain_stats ORDER BY total_bytes DESC LIMIT ?",
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query top domains: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Domain, &r.Connections, &r.TotalBytes, &r.LastSeen); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
