package loader

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// QuarantineRecord documents why an artifact was pulled from the plugin dir.
type QuarantineRecord struct {
	OriginalPath string    `json:"original_path"`
	Hash         string    `json:"hash"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

// Quarantine moves rejected artifacts aside and records why. Quarantined
// files keep their content; only the location and name change, so an
// operator can inspect and, if warranted, restore them.
type Quarantine struct {
	dir    string
	logger *slog.Logger
}

// NewQuarantine ensures dir exists and returns the quarantine over it.
func NewQuarantine(dir string, logger *slog.Logger) (*Quarantine, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create quarantine dir: %w", err)
	}
	return &Quarantine{dir: dir, logger: logger}, nil
}

// Isolate renames the artifact into the quarantine dir under a
// timestamp-prefixed name and writes a sidecar record. It returns the new
// path of the artifact.
func (q *Quarantine) Isolate(path, hash, reason string) (string, error) {
	name := fmt.Sprintf("%d_%s", time.Now().Unix(), filepath.Base(path))
	dest := filepath.Join(q.dir, name)

	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("failed to quarantine %s: %w", path, err)
	}

	rec := QuarantineRecord{
		OriginalPath: path,
		Hash:         hash,
		Reason:       reason,
		Timestamp:    time.Now().UTC(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err == nil {
		err = os.WriteFile(dest+".json", data, 0644)
	}
	if err != nil {
		// The artifact is already isolated; a missing record is logged, not fatal.
		q.logger.Error("failed to write quarantine record", "path", dest, "error", err)
	}

	q.logger.Warn("artifact quarantined", "path", path, "dest", dest, "hash", hash, "reason", reason)
	return dest, nil
}

// Records returns all quarantine records in the dir. Unreadable or malformed
// sidecars are skipped.
func (q *Quarantine) Records() ([]QuarantineRecord, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read quarantine dir: %w", err)
	}

	var records []QuarantineRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(q.dir, e.Name()))
		if err != nil {
			continue
		}
		var rec QuarantineRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
