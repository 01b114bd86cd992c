package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteArtifact serializes art and publishes it to path by writing a
// sibling temp file and renaming it into place, so a reader never sees
// a half-written document (§6: "the file is always either the previous
// complete snapshot or the new one, never a partial write").
func WriteArtifact(path string, art *Artifact) error {
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return fmt.Errorf("telemetry: marshal artifact: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".traffic-*.json.tmp")
	if err != nil {
		return fmt.Errorf("telemetry: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("telemetry: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("telemetry: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("telemetry: rename into place: %w", err)
	}
	return nil
}
