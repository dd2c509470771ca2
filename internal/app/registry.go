package app

import (
	"sync"

	"github.com/sikt-no/zino/internal/config"
	"github.com/sikt-no/zino/internal/domain"
)

// DeviceRegistry holds the current pollfile-derived device set and can be
// swapped out wholesale by a reload, without racing readers holding an
// older *domain.Device value: Device values are treated as immutable once
// published, matching domain.Device's own contract.
type DeviceRegistry struct {
	mu      sync.RWMutex
	byName  map[string]*domain.Device
	ordered []*domain.Device
}

// NewDeviceRegistry returns an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{byName: make(map[string]*domain.Device)}
}

// Devices returns every currently known device, satisfying
// scheduler.DeviceRegistry.
func (r *DeviceRegistry) Devices() []*domain.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Device, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Device looks up a device by name, satisfying protocol.Devices.
func (r *DeviceRegistry) Device(name string) (*domain.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Reload replaces the registry's contents with a freshly parsed pollfile,
// returning which device names were added, removed, or changed so callers
// can log a useful reload summary.
func (r *DeviceRegistry) Reload(path string, cfg *config.Config) (added, removed, changed []string, err error) {
	devices, err := config.ParsePollfile(path, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	fresh := make(map[string]*domain.Device, len(devices))
	for _, d := range devices {
		fresh[d.Name] = d
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, d := range fresh {
		old, ok := r.byName[name]
		switch {
		case !ok:
			added = append(added, name)
		case !old.Equal(d):
			changed = append(changed, name)
		}
	}
	for name := range r.byName {
		if _, ok := fresh[name]; !ok {
			removed = append(removed, name)
		}
	}

	r.byName = fresh
	r.ordered = devices
	return added, removed, changed, nil
}
