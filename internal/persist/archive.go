package persist

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sikt-no/zino/internal/domain"
)

// Archiver writes closed, evicted events to per-day directories under Root,
// one JSON file per event, so operators can find historical cases by date
// without keeping them in the live in-memory index.
type Archiver struct {
	Root string
}

// Archive writes ev to <Root>/YYYY/MM/DD/<id>.json using the same atomic
// rename discipline as the main snapshot, keyed by the event's close date.
func (a *Archiver) Archive(ev *domain.Event) error {
	if ev.Closed == nil {
		return fmt.Errorf("archive: event %d has no close time", ev.ID)
	}
	dir := filepath.Join(a.Root, ev.Closed.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	target := filepath.Join(dir, fmt.Sprintf("%d.json", ev.ID))

	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%d-*.tmp", ev.ID))
	if err != nil {
		return fmt.Errorf("create temp archive file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := jsonAPI.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ev); err != nil {
		tmp.Close()
		return fmt.Errorf("encode archived event: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync archived event: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, target)
}
