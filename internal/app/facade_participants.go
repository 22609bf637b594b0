package app

import (
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
)

func (f *Facade) participant(id domain.AgentID) (domain.Participant, bool) {
	if f.active == nil {
		return domain.Participant{}, false
	}
	return f.active.Participant(id)
}

func (f *Facade) Participants() []domain.Participant {
	if f.active == nil {
		return nil
	}
	return f.active.Participants()
}

func (f *Facade) IsParticipant(id domain.AgentID) bool {
	_, ok := f.participant(id)
	return ok
}

func (f *Facade) IsSpeaking(id domain.AgentID) bool {
	p, _ := f.participant(id)
	return p.IsSpeaking
}

func (f *Facade) CurrentPower(id domain.AgentID) float32 {
	p, _ := f.participant(id)
	return p.Power
}

func (f *Facade) DisplayName(id domain.AgentID) string {
	p, _ := f.participant(id)
	return p.DisplayName
}

func (f *Facade) IsModeratorMuted(id domain.AgentID) bool {
	p, _ := f.participant(id)
	return p.IsModeratorMute
}

func (f *Facade) OnMuteList(id domain.AgentID) bool {
	p, _ := f.participant(id)
	return p.OnMuteList
}

// UserVolume falls back to the stored preference, then to the default.
func (f *Facade) UserVolume(id domain.AgentID) float32 {
	if p, ok := f.participant(id); ok {
		return p.Volume
	}
	if f.Volumes != nil {
		if v, ok := f.Volumes.SpeakerVolume(id); ok {
			return v
		}
	}
	return domain.VolumeDefault
}

// SetUserVolume persists the preference and forwards it to the transport.
// The default volume is not stored.
func (f *Facade) SetUserVolume(id domain.AgentID, volume float32) {
	volume = domain.ClampVolume(volume)
	if f.Volumes != nil {
		if volume == domain.VolumeDefault {
			f.Volumes.RemoveSpeakerVolume(id)
		} else if err := f.Volumes.SetSpeakerVolume(id, volume); err != nil {
			log.Warn().Err(err).Str("module", "app.facade").Str("id", id.String()).Msg("store speaker volume")
		}
	}
	if f.active != nil {
		f.active.SetUserVolume(id, volume)
	}
}

func (f *Facade) CaptureDevices() []domain.Device { return f.Devices.Devices(domain.CaptureDevice) }

func (f *Facade) RenderDevices() []domain.Device { return f.Devices.Devices(domain.RenderDevice) }

func (f *Facade) RefreshDeviceLists() {
	if f.active != nil {
		f.active.RefreshDeviceLists()
	}
}

func (f *Facade) SetCaptureDevice(name string) {
	f.Devices.Select(domain.CaptureDevice, name)
	if f.active != nil {
		f.active.SetCaptureDevice(f.Devices.Selected(domain.CaptureDevice))
	}
}

func (f *Facade) SetRenderDevice(name string) {
	f.Devices.Select(domain.RenderDevice, name)
	if f.active != nil {
		f.active.SetRenderDevice(f.Devices.Selected(domain.RenderDevice))
	}
}
