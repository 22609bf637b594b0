package app

import (
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/rs/zerolog/log"
)

// SetVoiceEnabled toggles the whole subsystem. Disabling makes the
// transport leave its session.
func (f *Facade) SetVoiceEnabled(enabled bool) {
	if f.enabled == enabled {
		return
	}
	f.enabled = enabled
	log.Info().Str("module", "app.facade").Bool("enabled", enabled).Msg("voice enabled changed")
	if f.active == nil {
		return
	}
	f.active.SetVoiceEnabled(enabled)
	status := domain.StatusVoiceDisabled
	if enabled {
		status = domain.StatusVoiceEnabled
	}
	f.queueStatus(domain.StatusChange{Status: status})
}

func (f *Facade) VoiceEnabled() bool { return f.enabled }

func (f *Facade) IsVoiceWorking() bool {
	return f.active != nil && f.active.IsWorking()
}

func (f *Facade) SetSpatialChannel(uri, credentials string) {
	if f.active != nil {
		f.active.SetSpatialChannel(uri, credentials)
	}
}

func (f *Facade) SetNonSpatialChannel(uri, credentials string) {
	if f.active != nil {
		f.active.SetNonSpatialChannel(uri, credentials)
	}
}

func (f *Facade) LeaveNonSpatialChannel() {
	if f.active != nil {
		f.active.LeaveNonSpatialChannel()
	}
}

func (f *Facade) LeaveChannel() {
	if f.active != nil {
		f.active.LeaveChannel()
	}
}

func (f *Facade) CurrentChannel() string {
	if f.active == nil {
		return ""
	}
	return f.active.CurrentChannel()
}

func (f *Facade) InSpatialChannel() bool {
	return f.active != nil && f.active.InSpatialChannel()
}

func (f *Facade) SetMuteMic(muted bool) {
	f.micMuted = muted
	if f.active != nil {
		f.active.SetMuteMic(muted)
	}
}

func (f *Facade) MicMuted() bool { return f.micMuted }

func (f *Facade) SetMicGain(gain float32) {
	f.micGain = domain.ClampVolume(gain)
	if f.active != nil {
		f.active.SetMicGain(f.micGain)
	}
}

func (f *Facade) SetSpeakerVolume(volume float32) {
	f.speaker = domain.ClampVolume(volume)
	if f.active != nil {
		f.active.SetSpeakerVolume(f.speaker)
	}
}

func (f *Facade) SetEarLocation(ear domain.EarLocation) { f.spatial.SetEarLocation(ear) }

func (f *Facade) SetCameraPosition(p domain.Pose) { f.spatial.SetCamera(p) }

func (f *Facade) SetAvatarPosition(p domain.Pose) { f.spatial.SetAvatar(p) }

// MuteListChanged re-evaluates the block-list flag of every participant.
func (f *Facade) MuteListChanged() {
	if f.active != nil {
		f.active.MuteListChanged()
	}
}

func (f *Facade) FriendsChanged() { f.friendsDirty = true }
