// Package persist implements durable state: the atomic JSON snapshot that
// lets the process crash-recover, per-day archival of closed events, an
// append-only operator audit journal, and standby replication by file copy.
package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/sikt-no/zino/internal/domain"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Snapshot is the top-level document written to the state file. Unknown
// fields on read are ignored, matching encoding/json's default behavior
// which jsoniter's compatible config preserves.
type Snapshot struct {
	Version   int                          `json:"version"`
	Saved     time.Time                    `json:"saved"`
	Events    []*domain.Event              `json:"events"`
	PMs       []*domain.PlannedMaintenance `json:"planned_maintenance"`
	NextEvent int64                        `json:"next_event_id"`
}

const snapshotVersion = 1

// SnapshotWriter atomically persists Snapshot values to disk: encode to a
// temp file in the same directory, fsync, then rename over the real path so
// a crash mid-write never leaves a torn or half-written state file.
type SnapshotWriter struct {
	Path string
}

// Write serializes snap and atomically replaces Path with it.
func (w *SnapshotWriter) Write(snap *Snapshot) error {
	snap.Version = snapshotVersion
	dir := filepath.Dir(w.Path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	enc := jsonAPI.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		tmp.Close()
		return fmt.Errorf("encode state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, w.Path); err != nil {
		return fmt.Errorf("rename state file into place: %w", err)
	}
	return nil
}

// Read loads a Snapshot from Path. A missing file is not an error: it
// returns an empty Snapshot, matching first-run behavior.
func (w *SnapshotWriter) Read() (*Snapshot, error) {
	data, err := os.ReadFile(w.Path)
	if os.IsNotExist(err) {
		return &Snapshot{Version: snapshotVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var snap Snapshot
	if err := jsonAPI.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}
	return &snap, nil
}
