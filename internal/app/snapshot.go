package app

import "github.com/dkeye/VoiceClient/internal/domain"

// Snapshot is the read model published after every tick. Readers on other
// goroutines get it through Facade.Snapshot and must not modify it.
type Snapshot struct {
	ServerType     domain.ServerType    `json:"server_type"`
	Enabled        bool                 `json:"enabled"`
	Working        bool                 `json:"working"`
	Channel        string               `json:"channel"`
	InSpatial      bool                 `json:"in_spatial"`
	MicMuted       bool                 `json:"mic_muted"`
	Status         domain.StatusChange  `json:"status"`
	Participants   []domain.Participant `json:"participants"`
	CaptureDevices []domain.Device      `json:"capture_devices"`
	RenderDevices  []domain.Device      `json:"render_devices"`
}

func (f *Facade) publish() {
	s := &Snapshot{
		ServerType:     f.ServerType(),
		Enabled:        f.enabled,
		Working:        f.IsVoiceWorking(),
		Channel:        f.CurrentChannel(),
		InSpatial:      f.InSpatialChannel(),
		MicMuted:       f.micMuted,
		Status:         f.lastStatus,
		Participants:   f.Participants(),
		CaptureDevices: f.CaptureDevices(),
		RenderDevices:  f.RenderDevices(),
	}
	f.snapshot.Store(s)
}

// Snapshot is safe from any goroutine.
func (f *Facade) Snapshot() *Snapshot { return f.snapshot.Load() }
