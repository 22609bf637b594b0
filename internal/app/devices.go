package app

import (
	"slices"
	"sync"

	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
)

// DeviceListener is told when a device list actually changed.
type DeviceListener func(kind domain.DeviceKind, devices []domain.Device)

// DeviceRegistry caches the capture and render device lists reported by
// the active transport and remembers the user's selection.
type DeviceRegistry struct {
	mu        sync.RWMutex
	lists     map[domain.DeviceKind][]domain.Device
	selected  map[domain.DeviceKind]string
	listeners []DeviceListener
}

func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		lists: make(map[domain.DeviceKind][]domain.Device),
		selected: map[domain.DeviceKind]string{
			domain.CaptureDevice: domain.DefaultDeviceName,
			domain.RenderDevice:  domain.DefaultDeviceName,
		},
	}
}

func (d *DeviceRegistry) OnChange(l DeviceListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// UpdateDevices replaces the cached list for kind. Listeners only hear
// about real changes.
func (d *DeviceRegistry) UpdateDevices(kind domain.DeviceKind, devices []domain.Device) {
	devices = slices.Clone(devices)
	d.mu.Lock()
	if slices.Equal(d.lists[kind], devices) {
		d.mu.Unlock()
		return
	}
	d.lists[kind] = devices
	listeners := slices.Clone(d.listeners)
	d.mu.Unlock()

	log.Info().Str("module", "app.devices").Str("kind", kind.String()).Int("count", len(devices)).Msg("device list changed")
	for _, l := range listeners {
		l(kind, slices.Clone(devices))
	}
}

func (d *DeviceRegistry) Devices(kind domain.DeviceKind) []domain.Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.lists[kind])
}

func (d *DeviceRegistry) Select(kind domain.DeviceKind, name string) {
	if name == "" {
		name = domain.DefaultDeviceName
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selected[kind] = name
}

func (d *DeviceRegistry) Selected(kind domain.DeviceKind) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.selected[kind]
}

// Has reports whether name is a known device of kind; the default pseudo
// device always exists.
func (d *DeviceRegistry) Has(kind domain.DeviceKind, name string) bool {
	if name == domain.DefaultDeviceName {
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.ContainsFunc(d.lists[kind], func(dev domain.Device) bool { return dev.Name == name })
}
