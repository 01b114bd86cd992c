package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the on-disk shape of the policy document: a global
// enable flag and a domain→threshold map (§4.2, §6 Store interface).
// It is deliberately simple YAML so an operator (or a future policy
// editor UI) can hand-edit it.
type PolicyFile struct {
	Enabled    bool             `yaml:"enabled"`
	Thresholds map[string]int64 `yaml:"thresholds"`
}

// PolicyStore implements policy.Store over a YAML file, reloading it
// on a timer so edits made by an external policy editor take effect
// without restarting the proxy (§5 shared-resource policy). The reload
// swap mirrors the teacher's geoip.DB.Reload: build the new value
// fully, then swap it in under lock, so a malformed edit never takes
// down a working store.
type PolicyStore struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	file PolicyFile
}

// NewPolicyStore loads path once synchronously so the returned store
// is immediately usable, then returns it for the caller to start
// refreshing via StartReload.
func NewPolicyStore(path string, logger *slog.Logger) (*PolicyStore, error) {
	s := &PolicyStore{path: path, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads and re-parses the policy file, replacing the store's
// contents only if parsing succeeds.
func (s *PolicyStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("config: reading policy file %s: %w", s.path, err)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("config: parsing policy file %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.file = pf
	s.mu.Unlock()
	return nil
}

// StartReload reloads the policy file every interval until ctx is
// done, logging (but not panicking on) a bad edit.
func (s *PolicyStore) StartReload(ctx context.Context, interval time.Duration) {
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
				if err := s.Reload(); err != nil {
					s.logger.Error("config: policy reload failed", "path", s.path, "err", err)
				}
			}
		}
	}()
}

// Enabled implements policy.Store.
func (s *PolicyStore) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.Enabled
}

// Thresholds implements policy.Store. It returns a copy so callers
// iterating it never race with a concurrent Reload.
func (s *PolicyStore) Thresholds() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.file.Thresholds))
	for k, v := range s.file.Thresholds {
		out[k] = v
	}
	return out
}
